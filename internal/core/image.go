package core

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Image is a snapshot of a tag's EEPROM: BlockCount blocks of 4 bytes, block 0 first.
// The System Block is never part of an image.
type Image struct {
	profile TagProfile
	data    []byte
}

// NewBlankImage returns an image of the given profile with every byte set to fill.
func NewBlankImage(profile TagProfile, fill byte) *Image {
	data := make([]byte, profile.EEPROMSize)
	for i := range data {
		data[i] = fill
	}
	return &Image{profile: profile, data: data}
}

// LoadImage builds an image from a raw dump. A dump shorter than the profile's EEPROM is
// rejected; trailing bytes beyond it are ignored.
func LoadImage(data []byte, profile TagProfile) (*Image, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if len(data) < profile.EEPROMSize {
		return nil, &SizeMismatchError{Expected: profile.EEPROMSize, Actual: len(data)}
	}
	img := &Image{profile: profile, data: make([]byte, profile.EEPROMSize)}
	copy(img.data, data[:profile.EEPROMSize])
	return img, nil
}

// LoadImageFile reads a raw dump file.
func LoadImageFile(path string, profile TagProfile) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dump %q: %w", path, err)
	}
	img, err := LoadImage(data, profile)
	if err != nil {
		return nil, fmt.Errorf("load dump %q: %w", path, err)
	}
	return img, nil
}

// ReadImage reads every EEPROM block from the tag, in ascending address order, one block per
// transport call. The first failing block aborts the read and no image is returned.
// onBlock, if non-nil, is called after each successful block read.
func ReadImage(ctx context.Context, t Transport, profile TagProfile, onBlock ProgressCallback) (*Image, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	img := &Image{profile: profile, data: make([]byte, profile.EEPROMSize)}
	for i := 0; i < profile.BlockCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read cancelled at block %02X: %w", i, err)
		}

		addr := Address(i)
		b, err := readBlock(ctx, t, addr)
		if err != nil {
			return nil, err
		}
		img.SetBlock(addr, b)

		if onBlock != nil {
			onBlock(Progress{
				Phase:   PhaseReading,
				Address: addr,
				Block:   b,
				Label:   Label(addr),
				Done:    i + 1,
				Total:   profile.BlockCount,
			})
		}
	}
	return img, nil
}

// readBlock performs one block read and enforces the 4-byte contract.
func readBlock(ctx context.Context, t Transport, addr Address) (Block, error) {
	raw, err := t.ReadBlock(ctx, addr)
	if err != nil {
		return Block{}, &TransportError{Op: "read", Address: addr, Err: err}
	}
	if len(raw) < BlockSize {
		return Block{}, &ShortBlockReadError{Address: addr, Got: len(raw)}
	}
	var b Block
	copy(b[:], raw[:BlockSize])
	return b, nil
}

// Profile returns the tag profile of the image.
func (img *Image) Profile() TagProfile {
	return img.profile
}

// Len returns the number of blocks.
func (img *Image) Len() int {
	return img.profile.BlockCount
}

// Block returns the block at addr. It panics if addr is outside the image.
func (img *Image) Block(addr Address) Block {
	var b Block
	off := int(addr) * BlockSize
	copy(b[:], img.data[off:off+BlockSize])
	return b
}

// Word returns the big-endian word stored at addr.
func (img *Image) Word(addr Address) uint32 {
	return img.Block(addr).Word()
}

// SetBlock replaces the block at addr.
func (img *Image) SetBlock(addr Address, b Block) {
	off := int(addr) * BlockSize
	copy(img.data[off:off+BlockSize], b[:])
}

// Bytes returns a copy of the raw dump.
func (img *Image) Bytes() []byte {
	out := make([]byte, len(img.data))
	copy(out, img.data)
	return out
}

// Clone returns an independent copy of the image.
func (img *Image) Clone() *Image {
	return &Image{profile: img.profile, data: img.Bytes()}
}

// Equal reports whether both images have the same profile and content.
func (img *Image) Equal(other *Image) bool {
	if img.profile != other.profile {
		return false
	}
	for i := range img.data {
		if img.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// WriteTo writes the raw dump: no header, no checksum.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(img.data)
	return int64(n), err
}
