package reader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
)

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode scard.ShareMode, protocol scard.Protocol) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(disposition scard.Disposition) error
}

// ContextFactory creates SmartCardContext instances.
// This allows for dependency injection and mocking in tests.
type ContextFactory func() (SmartCardContext, error)

// defaultContextFactory is the production factory that uses real PC/SC.
var defaultContextFactory ContextFactory = func() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) Connect(reader string, shareMode scard.ShareMode, protocol scard.Protocol) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, shareMode, protocol)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

// Transparent exchange (PC/SC 2.01 part 3) frames.
var (
	apduStartSession = []byte{0xFF, 0xC2, 0x00, 0x00, 0x02, 0x81, 0x00}
	apduEndSession   = []byte{0xFF, 0xC2, 0x00, 0x00, 0x02, 0x82, 0x00}
	// Switch protocol data object: ISO 14443-B, layer 2. SRIX tags are not ISO 14443-3B
	// compliant, so frames go out raw with the reader only adding the CRC.
	apduSwitchISO14443B = []byte{0xFF, 0xC2, 0x00, 0x02, 0x04, 0x8F, 0x02, 0x01, 0x02}
)

// Data object tags used in transparent exchange responses.
const (
	tagGenericError = 0xC0
	tagTransceive   = 0x95
	tagResponseData = 0x97
)

// PCSC talks to an SRIX tag through a PC/SC reader supporting the transparent exchange
// command set (ACS ACR1552 and compatible).
type PCSC struct {
	mu     sync.Mutex
	reader string
	ctx    SmartCardContext
	card   SmartCard
}

// OpenPCSC connects to the named reader (the first reader when empty) and opens a
// transparent session.
func OpenPCSC(ctx context.Context, readerName string) (*PCSC, error) {
	return openPCSC(ctx, defaultContextFactory, readerName)
}

func openPCSC(ctx context.Context, factory ContextFactory, readerName string) (*PCSC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sc, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}

	if readerName == "" {
		readers, err := sc.ListReaders()
		if err != nil || len(readers) == 0 {
			sc.Release()
			return nil, ErrNoDevice
		}
		readerName = readers[0]
	}

	card, err := sc.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		sc.Release()
		return nil, fmt.Errorf("%w on %q: %v", ErrNoTag, readerName, err)
	}

	p := &PCSC{reader: readerName, ctx: sc, card: card}
	if err := p.control(apduStartSession); err != nil {
		p.release()
		return nil, fmt.Errorf("start transparent session: %w", err)
	}
	if err := p.control(apduSwitchISO14443B); err != nil {
		p.card.Transmit(apduEndSession)
		p.release()
		return nil, fmt.Errorf("switch to ISO 14443-B: %w", err)
	}

	logging.Info(logging.CatReader, "PC/SC reader opened", map[string]any{
		"reader": readerName,
	})
	return p, nil
}

// Name returns the PC/SC reader name.
func (p *PCSC) Name() string {
	return p.reader
}

// MaxAddress is the highest block the SRIX frames can address.
func (p *PCSC) MaxAddress() core.Address {
	return maxWireAddress
}

// control sends a session management APDU and checks SW 90 00.
func (p *PCSC) control(apdu []byte) error {
	rsp, err := p.card.Transmit(apdu)
	if err != nil {
		return err
	}
	_, err = parseTransparentResponse(rsp)
	return err
}

// exchange wraps frame in a transceive data object and returns the tag's answer.
func (p *PCSC) exchange(frame []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	apdu := make([]byte, 0, 8+len(frame))
	apdu = append(apdu, 0xFF, 0xC2, 0x00, 0x01, byte(len(frame)+2), tagTransceive, byte(len(frame)))
	apdu = append(apdu, frame...)
	apdu = append(apdu, 0x00)

	rsp, err := p.card.Transmit(apdu)
	if err != nil {
		return nil, err
	}
	logging.Debug(logging.CatReader, "Transparent exchange", map[string]any{
		"tx": hex.EncodeToString(frame),
		"rx": hex.EncodeToString(rsp),
	})
	return parseTransparentResponse(rsp)
}

func (p *PCSC) ReadUID(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.exchange([]byte{cmdGetUID})
}

func (p *PCSC) ReadBlock(ctx context.Context, addr core.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := encodeRead(addr)
	if err != nil {
		return nil, err
	}
	return p.exchange(frame)
}

// WriteBlock sends WRITE_BLOCK. The tag never answers, so a "no response" status is success.
func (p *PCSC) WriteBlock(ctx context.Context, addr core.Address, data core.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeWrite(addr, data)
	if err != nil {
		return err
	}
	_, err = p.exchange(frame)
	var se *TransparentStatusError
	if errors.As(err, &se) && se.NoResponse() {
		return nil
	}
	return err
}

// Close ends the transparent session and releases the reader.
func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.card.Transmit(apduEndSession)
	return p.release()
}

func (p *PCSC) release() error {
	err := p.card.Disconnect(scard.LeaveCard)
	if rerr := p.ctx.Release(); err == nil {
		err = rerr
	}
	return err
}

// TransparentStatusError reports a failure status returned by the reader.
type TransparentStatusError struct {
	SW1, SW2 byte
	// Generic error data object (C0) value, when present.
	Status []byte
}

func (e *TransparentStatusError) Error() string {
	if len(e.Status) > 0 {
		return fmt.Sprintf("transparent exchange failed: status %X (SW %02X %02X)", e.Status, e.SW1, e.SW2)
	}
	return fmt.Sprintf("command failed with status: %02X %02X", e.SW1, e.SW2)
}

// NoResponse reports whether the tag simply did not answer (status 01 64 01 in the C0 object).
func (e *TransparentStatusError) NoResponse() bool {
	return len(e.Status) == 3 && e.Status[0] == 0x01 && e.Status[1] == 0x64 && e.Status[2] == 0x01
}

// parseTransparentResponse checks the status words and the C0 object and returns the value of
// the 97 response data object (nil when absent).
func parseTransparentResponse(rsp []byte) ([]byte, error) {
	if len(rsp) < 2 {
		return nil, fmt.Errorf("invalid response length: %d", len(rsp))
	}
	sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]
	body := rsp[:len(rsp)-2]

	var status, data []byte
	for i := 0; i+1 < len(body); {
		tag, n := body[i], int(body[i+1])
		if i+2+n > len(body) {
			return nil, fmt.Errorf("truncated data object %02X in response %X", tag, rsp)
		}
		value := body[i+2 : i+2+n]
		switch tag {
		case tagGenericError:
			status = value
		case tagResponseData:
			data = value
		}
		i += 2 + n
	}

	failed := sw1 != 0x90 || sw2 != 0x00
	if len(status) == 3 && (status[0] != 0x00 || status[1] != 0x90 || status[2] != 0x00) {
		failed = true
	}
	if failed {
		return nil, &TransparentStatusError{SW1: sw1, SW2: sw2, Status: status}
	}
	return data, nil
}

func listPCSCReaders(factory ContextFactory) ([]string, error) {
	sc, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	defer sc.Release()

	readers, err := sc.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return readers, nil
}
