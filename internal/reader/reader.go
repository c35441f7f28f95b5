// Package reader implements core.Transport over physical and emulated SRIX readers.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/SimplyPrint/srix-agent/internal/config"
	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
)

// SRIX air-interface commands.
// maxWireAddress is the highest address the one-byte SRIX address field can carry.
const maxWireAddress core.Address = 0xFF

var (
	_ core.AddressLimit = (*LibNFC)(nil)
	_ core.AddressLimit = (*PCSC)(nil)
)

const (
	cmdReadBlock  = 0x08
	cmdWriteBlock = 0x09
	cmdGetUID     = 0x0B
)

var (
	// ErrNoDevice is returned when no reader is connected.
	ErrNoDevice = errors.New("no reader available")
	// ErrNoTag is returned when the reader does not see an SRIX tag.
	ErrNoTag = errors.New("no SRIX tag found")
)

// AddressWidthError is returned for block addresses that do not fit the one-byte address
// field of the SRIX commands.
type AddressWidthError struct {
	Address core.Address
}

func (e *AddressWidthError) Error() string {
	return fmt.Sprintf("block address %03X does not fit in the one-byte SRIX address field", uint16(e.Address))
}

// Handle is an open reader with a selected tag.
type Handle interface {
	core.Transport
	io.Closer
	// Name identifies the reader, e.g. its libnfc connection string.
	Name() string
}

// Device describes an attached reader.
type Device struct {
	Driver string `json:"driver"`
	Name   string `json:"name"`
}

// Open connects to the reader selected by cfg and waits for a tag. The wait ends when ctx is
// done.
func Open(ctx context.Context, cfg *config.Config) (Handle, error) {
	logging.Debug(logging.CatReader, "Opening reader", map[string]any{
		"driver": cfg.Driver,
		"device": cfg.Device,
	})

	switch cfg.Driver {
	case config.DriverLibNFC:
		return OpenLibNFC(ctx, cfg.Device)
	case config.DriverPCSC:
		return OpenPCSC(ctx, cfg.Device)
	case config.DriverEmulator:
		profile, err := cfg.Profile()
		if err != nil {
			return nil, err
		}
		return OpenEmulator(cfg.EmulatorFile, profile)
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

// ListDevices returns the readers visible to driver.
func ListDevices(driver string) ([]Device, error) {
	var names []string
	var err error
	switch driver {
	case config.DriverLibNFC:
		names, err = listLibNFCDevices()
	case config.DriverPCSC:
		names, err = listPCSCReaders(defaultContextFactory)
	case config.DriverEmulator:
		names = []string{emulatorName}
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(names))
	for _, n := range names {
		devices = append(devices, Device{Driver: driver, Name: n})
	}
	return devices, nil
}

// encodeRead builds a READ_BLOCK frame.
func encodeRead(addr core.Address) ([]byte, error) {
	if addr > maxWireAddress {
		return nil, &AddressWidthError{Address: addr}
	}
	return []byte{cmdReadBlock, byte(addr)}, nil
}

// encodeWrite builds a WRITE_BLOCK frame.
func encodeWrite(addr core.Address, data core.Block) ([]byte, error) {
	if addr > maxWireAddress {
		return nil, &AddressWidthError{Address: addr}
	}
	return []byte{cmdWriteBlock, byte(addr), data[0], data[1], data[2], data[3]}, nil
}
