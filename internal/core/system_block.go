package core

import "fmt"

// LockBit is one bit of the OTP_Lock_Reg field of the System Block.
type LockBit struct {
	Bit    uint8     `json:"bit"`    // Bit index in the System Block word (24-31)
	Blocks []Address `json:"blocks"` // Blocks governed by this bit
	Locked bool      `json:"locked"` // A bit value of 0 means locked
}

// Label describes the governed blocks, e.g. "Block 07 and 08" or "Block 0A".
func (l LockBit) Label() string {
	if len(l.Blocks) == 2 {
		return fmt.Sprintf("Block %02X and %02X", uint16(l.Blocks[0]), uint16(l.Blocks[1]))
	}
	return fmt.Sprintf("Block %02X", uint16(l.Blocks[0]))
}

// SystemBlockInfo is the decoded System Block (address 0xFF).
type SystemBlockInfo struct {
	Raw      Block      `json:"-"`
	Word     uint32     `json:"word"`
	ChipID   uint8      `json:"chipId"`
	Reserved uint16     `json:"reserved"`
	LockBits [8]LockBit `json:"lockBits"`
}

// InterpretSystemBlock decodes the 4 raw bytes of the System Block. The bytes are reassembled
// least significant first, as the chip stores them.
func InterpretSystemBlock(raw []byte) (*SystemBlockInfo, error) {
	if len(raw) < BlockSize {
		return nil, &ShortBlockReadError{Address: SystemBlockAddress, Got: len(raw)}
	}

	info := &SystemBlockInfo{}
	copy(info.Raw[:], raw[:BlockSize])
	b := info.Raw
	info.Word = uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
	info.ChipID = b[0]
	info.Reserved = uint16(b[1])<<8 | uint16(b[2])

	for i := range info.LockBits {
		bit := uint8(24 + i)
		lb := LockBit{
			Bit:    bit,
			Locked: (info.Word>>bit)&1 == 0,
		}
		if bit == 24 {
			lb.Blocks = []Address{0x07, 0x08}
		} else {
			lb.Blocks = []Address{Address(bit - 16)}
		}
		info.LockBits[i] = lb
	}
	return info, nil
}

// IsLocked reports whether writes to addr are blocked by a lock bit.
func (s *SystemBlockInfo) IsLocked(addr Address) bool {
	for _, lb := range s.LockBits {
		for _, a := range lb.Blocks {
			if a == addr {
				return lb.Locked
			}
		}
	}
	return false
}
