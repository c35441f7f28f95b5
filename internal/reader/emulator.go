package reader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
)

const emulatorName = "emulator"

var (
	// DefaultEmulatorUID is the UID reported by an emulated tag (STMicroelectronics, prefix D0).
	DefaultEmulatorUID = []byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C}
	// DefaultEmulatorSystemBlock has every lock bit cleared to 1 (unlocked).
	DefaultEmulatorSystemBlock = core.Block{0x1F, 0xFF, 0xFF, 0xFF}
)

// Emulator is an in-memory SRIX tag. Writes follow the chip rules the engine relies on:
// writing block 06 erases blocks 00-04 to FFFFFFFF, and writes to blocks whose lock bit is
// cleared are silently dropped.
type Emulator struct {
	mu     sync.Mutex
	image  *core.Image
	uid    []byte
	system core.Block
	path   string
}

// NewEmulator returns an emulated tag holding a copy of img.
func NewEmulator(img *core.Image, uid []byte, system core.Block) *Emulator {
	if uid == nil {
		uid = DefaultEmulatorUID
	}
	return &Emulator{
		image:  img.Clone(),
		uid:    append([]byte(nil), uid...),
		system: system,
	}
}

// OpenEmulator loads a raw dump from path, or a blank (all FF) tag when path is empty or does
// not exist yet. The content is saved back to path on Close.
func OpenEmulator(path string, profile core.TagProfile) (*Emulator, error) {
	img := core.NewBlankImage(profile, 0xFF)
	if path != "" {
		loaded, err := core.LoadImageFile(path, profile)
		switch {
		case err == nil:
			img = loaded
		case errors.Is(err, os.ErrNotExist):
			logging.Info(logging.CatReader, "Emulator file missing, starting blank", map[string]any{
				"path": path,
			})
		default:
			return nil, err
		}
	}

	e := NewEmulator(img, nil, DefaultEmulatorSystemBlock)
	e.path = path
	return e, nil
}

// Name returns "emulator".
func (e *Emulator) Name() string {
	return emulatorName
}

func (e *Emulator) ReadUID(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.uid...), nil
}

func (e *Emulator) ReadBlock(ctx context.Context, addr core.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if addr == core.SystemBlockAddress {
		return append([]byte(nil), e.system[:]...), nil
	}
	if !e.image.Profile().Contains(addr) {
		return nil, fmt.Errorf("no block %02X on an emulated %s", uint16(addr), e.image.Profile().Name)
	}
	b := e.image.Block(addr)
	return b[:], nil
}

func (e *Emulator) WriteBlock(ctx context.Context, addr core.Address, data core.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if addr == core.SystemBlockAddress {
		e.system = data
		return nil
	}
	if !e.image.Profile().Contains(addr) {
		return fmt.Errorf("no block %02X on an emulated %s", uint16(addr), e.image.Profile().Name)
	}

	sys, _ := core.InterpretSystemBlock(e.system[:])
	if sys.IsLocked(addr) {
		logging.Debug(logging.CatReader, "Emulator dropped write to locked block", map[string]any{
			"address": fmt.Sprintf("%02X", uint16(addr)),
		})
		return nil
	}

	e.image.SetBlock(addr, data)
	if addr == 0x06 {
		for a := core.Address(0); a <= 0x04; a++ {
			e.image.SetBlock(a, core.BlockFromWord(0xFFFFFFFF))
		}
	}
	return nil
}

// Image returns a copy of the emulated EEPROM.
func (e *Emulator) Image() *core.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.image.Clone()
}

// Close saves the EEPROM back to the file it was loaded from.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.path == "" {
		return nil
	}
	if err := os.WriteFile(e.path, e.image.Bytes(), 0644); err != nil {
		return fmt.Errorf("save emulator file: %w", err)
	}
	return nil
}
