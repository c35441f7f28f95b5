package core

import (
	"fmt"
	"strings"
)

// BlockSize is the size of one SRIX block in bytes. It is the chip's native write granularity.
const BlockSize = 4

// TagProfile describes the EEPROM geometry of one SRIX family member.
type TagProfile struct {
	Name       string `json:"name"`
	EEPROMSize int    `json:"eepromSize"` // Total EEPROM size in bytes
	BlockCount int    `json:"blockCount"`
}

// Canonical tag profiles.
var (
	SRIX4K = TagProfile{Name: "SRIX4K", EEPROMSize: 2048, BlockCount: 512}
	SRI512 = TagProfile{Name: "SRI512", EEPROMSize: 64, BlockCount: 16}
)

// Validate checks that the profile geometry is consistent.
func (p TagProfile) Validate() error {
	if p.BlockCount <= 0 {
		return fmt.Errorf("profile %q: block count must be positive, got %d", p.Name, p.BlockCount)
	}
	if p.EEPROMSize != p.BlockCount*BlockSize {
		return fmt.Errorf("profile %q: eeprom size %d does not match %d blocks of %d bytes",
			p.Name, p.EEPROMSize, p.BlockCount, BlockSize)
	}
	return nil
}

// Contains reports whether addr is an EEPROM block address of this profile.
// The System Block is out of band and never contained.
func (p TagProfile) Contains(addr Address) bool {
	return int(addr) < p.BlockCount
}

func (p TagProfile) String() string {
	return fmt.Sprintf("%s (%d blocks, %d bytes)", p.Name, p.BlockCount, p.EEPROMSize)
}

// ProfileByName resolves a tag type as written in the config file or on the command line.
func ProfileByName(name string) (TagProfile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "4k", "x4k", "srix4k":
		return SRIX4K, nil
	case "512", "sri512":
		return SRI512, nil
	}
	return TagProfile{}, fmt.Errorf("unknown tag type %q (expected x4k or 512)", name)
}
