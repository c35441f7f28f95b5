package reader

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/clausecker/nfc/v2"
	"github.com/ebfe/scard"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string
	released    bool
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	responses    map[string][]byte // command hex -> response
	sent         []string
	blocks       map[byte][4]byte
	uid          []byte
	disconnected bool
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR1552 1S CL Reader PICC",
			"ACS ACR122U PICC Interface",
		},
		cards: make(map[string]*MockSmartCard),
	}
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

func (m *MockSmartCardContext) Factory() ContextFactory {
	return func() (SmartCardContext, error) {
		return m, nil
	}
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode scard.ShareMode, protocol scard.Protocol) (SmartCard, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.released = true
	return nil
}

// NewMockSRIXCard creates an SRIX tag behind an ACR1552 style transparent exchange.
// Session responses are real captured data.
func NewMockSRIXCard() *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
		blocks:    make(map[byte][4]byte),
		uid:       []byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C},
	}
	card.responses["ffc20000028100"] = []byte{0xC0, 0x03, 0x00, 0x90, 0x00, 0x90, 0x00}     // Start session OK
	card.responses["ffc20002048f020102"] = []byte{0xC0, 0x03, 0x00, 0x90, 0x00, 0x90, 0x00} // Set protocol OK
	card.responses["ffc20000028200"] = []byte{0xC0, 0x03, 0x00, 0x90, 0x00, 0x90, 0x00}     // End session OK
	return card
}

// WithResponse overrides the answer to one APDU
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.responses[cmdHex] = rsp
	return m
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	cmdHex := hex.EncodeToString(cmd)
	m.sent = append(m.sent, cmdHex)
	if resp, ok := m.responses[cmdHex]; ok {
		return resp, nil
	}

	// Transparent exchange: FF C2 00 01 Lc 95 len frame... 00
	if len(cmd) >= 8 && cmd[1] == 0xC2 && cmd[3] == 0x01 && cmd[5] == 0x95 {
		frame := cmd[7 : 7+int(cmd[6])]
		ok := []byte{0xC0, 0x03, 0x00, 0x90, 0x00}
		switch frame[0] {
		case cmdGetUID:
			rsp := append(ok, 0x97, byte(len(m.uid)))
			rsp = append(rsp, m.uid...)
			return append(rsp, 0x90, 0x00), nil
		case cmdReadBlock:
			b := m.blocks[frame[1]]
			rsp := append(ok, 0x97, 0x04)
			rsp = append(rsp, b[:]...)
			return append(rsp, 0x90, 0x00), nil
		case cmdWriteBlock:
			var b [4]byte
			copy(b[:], frame[2:6])
			m.blocks[frame[1]] = b
			// The tag does not answer a write
			return []byte{0xC0, 0x03, 0x01, 0x64, 0x01, 0x62, 0x82}, nil
		}
	}

	// Default: command not supported
	return []byte{0x6A, 0x81}, nil
}

func (m *MockSmartCard) Disconnect(disposition scard.Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

// Sent returns the APDUs transmitted so far, hex encoded
func (m *MockSmartCard) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// fakeNFCDevice implements nfcDevice for testing
type fakeNFCDevice struct {
	targetsAfter int // ISO14443B2SR polls before a tag appears
	polls        map[int]int
	selected     bool
	closed       bool
	frames       [][]byte
	blocks       map[byte][]byte
	uid          []byte
	initErr      error
}

func newFakeNFCDevice() *fakeNFCDevice {
	return &fakeNFCDevice{
		polls:  make(map[int]int),
		blocks: make(map[byte][]byte),
		uid:    []byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C},
	}
}

func (f *fakeNFCDevice) InitiatorInit() error { return f.initErr }
func (f *fakeNFCDevice) Close() error         { f.closed = true; return nil }
func (f *fakeNFCDevice) String() string       { return "fake PN532" }
func (f *fakeNFCDevice) Connection() string   { return "pn532_uart:/dev/ttyFAKE" }

func (f *fakeNFCDevice) InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error) {
	f.polls[m.Type]++
	if m.Type == nfc.ISO14443b2sr && f.polls[m.Type] > f.targetsAfter {
		return make([]nfc.Target, 1), nil
	}
	return nil, nil
}

func (f *fakeNFCDevice) InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error) {
	f.selected = true
	return nil, nil
}

func (f *fakeNFCDevice) InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error) {
	f.frames = append(f.frames, append([]byte(nil), tx...))
	switch tx[0] {
	case cmdGetUID:
		return copy(rx, f.uid), nil
	case cmdReadBlock:
		return copy(rx, f.blocks[tx[1]]), nil
	case cmdWriteBlock:
		f.blocks[tx[1]] = append([]byte(nil), tx[2:6]...)
		return 0, nfc.Error(nfc.ETIMEOUT)
	}
	return 0, nfc.Error(nfc.EIO)
}
