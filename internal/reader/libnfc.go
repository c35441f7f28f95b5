package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/nfc/v2"

	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
)

const (
	deviceEnumRetries = 3
	// transceiveTimeout is the per-frame timeout in milliseconds.
	transceiveTimeout = 500
	tagPollInterval   = 250 * time.Millisecond
)

var (
	modISO14443B    = nfc.Modulation{Type: nfc.ISO14443b, BaudRate: nfc.Nbr106}
	modISO14443B2SR = nfc.Modulation{Type: nfc.ISO14443b2sr, BaudRate: nfc.Nbr106}
)

// nfcDevice is the subset of nfc.Device used by the libnfc driver.
type nfcDevice interface {
	InitiatorInit() error
	InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error)
	InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error)
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	Close() error
	String() string
	Connection() string
}

// LibNFC talks to an SRIX tag through a libnfc initiator (PN53x and compatible readers).
type LibNFC struct {
	mu  sync.Mutex
	dev nfcDevice
}

// OpenLibNFC opens the libnfc device at connstring (the first device when empty) and waits
// for an SRIX tag.
func OpenLibNFC(ctx context.Context, connstring string) (*LibNFC, error) {
	logging.Debug(logging.CatReader, "libnfc version", map[string]any{
		"version": nfc.Version(),
	})

	if connstring == "" {
		devices, err := listLibNFCDevices()
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, ErrNoDevice
		}
		connstring = devices[0]
	}

	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("open libnfc device %q: %w", connstring, err)
	}
	r, err := newLibNFC(ctx, &dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return r, nil
}

func newLibNFC(ctx context.Context, dev nfcDevice) (*LibNFC, error) {
	if err := dev.InitiatorInit(); err != nil {
		return nil, fmt.Errorf("initiator init: %w", err)
	}
	logging.Info(logging.CatReader, "NFC reader opened", map[string]any{
		"name":       dev.String(),
		"connection": dev.Connection(),
	})

	// libnfc only configures the PN53x registers for ISO14443B2SR after an ISO14443B poll.
	targets, _ := dev.InitiatorListPassiveTargets(modISO14443B)
	logging.Debug(logging.CatReader, "ISO14443B targets", map[string]any{"count": len(targets)})

	waiting := false
	for {
		targets, err := dev.InitiatorListPassiveTargets(modISO14443B2SR)
		if err != nil && !isTimeout(err) {
			return nil, fmt.Errorf("list ISO14443B2SR targets: %w", err)
		}
		if len(targets) > 0 {
			break
		}
		if !waiting {
			logging.Info(logging.CatReader, "Waiting for tag...", nil)
			waiting = true
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoTag, ctx.Err())
		case <-time.After(tagPollInterval):
		}
	}

	if _, err := dev.InitiatorSelectPassiveTarget(modISO14443B2SR, nil); err != nil {
		return nil, fmt.Errorf("select ISO14443B2SR target: %w", err)
	}
	return &LibNFC{dev: dev}, nil
}

// Name returns the libnfc connection string.
func (r *LibNFC) Name() string {
	return r.dev.Connection()
}

// MaxAddress is the highest block the SRIX frames can address.
func (r *LibNFC) MaxAddress() core.Address {
	return maxWireAddress
}

func (r *LibNFC) transceive(tx []byte, rxSize int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rx := make([]byte, rxSize)
	n, err := r.dev.InitiatorTransceiveBytes(tx, rx, transceiveTimeout)
	if err != nil {
		return nil, err
	}
	return rx[:n], nil
}

func (r *LibNFC) ReadUID(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.transceive([]byte{cmdGetUID}, 8)
}

func (r *LibNFC) ReadBlock(ctx context.Context, addr core.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := encodeRead(addr)
	if err != nil {
		return nil, err
	}
	return r.transceive(tx, core.BlockSize)
}

// WriteBlock sends WRITE_BLOCK. The tag never answers a write, so a timeout is success.
func (r *LibNFC) WriteBlock(ctx context.Context, addr core.Address, data core.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := encodeWrite(addr, data)
	if err != nil {
		return err
	}
	if _, err := r.transceive(tx, 0); err != nil && !isTimeout(err) {
		return err
	}
	return nil
}

func (r *LibNFC) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev.Close()
}

func listLibNFCDevices() ([]string, error) {
	var devices []string
	var err error
	for i := 0; i < deviceEnumRetries; i++ {
		devices, err = nfc.ListDevices()
		if err == nil {
			return devices, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to list NFC devices after %d retries: %w", deviceEnumRetries, err)
}

// isTimeout reports whether err is a libnfc timeout.
func isTimeout(err error) bool {
	var nerr nfc.Error
	if errors.As(err, &nerr) && nerr == nfc.ETIMEOUT {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timed out")
}
