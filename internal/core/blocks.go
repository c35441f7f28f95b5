package core

import (
	"encoding/binary"
	"fmt"
)

// Address is a block address. EEPROM blocks occupy 0..BlockCount-1.
type Address uint16

// SystemBlockAddress is the out-of-band System Block holding the chip ID and lock bits.
const SystemBlockAddress Address = 0xFF

// Well-known addresses of the OTP and lock area.
const (
	lockBlockAddress    Address = 0x05
	resetCounterAddress Address = 0x06
	firstDataAddress    Address = 0x07
)

// Block is one 4-byte unit of tag memory, in the byte order the reader returns it.
type Block [BlockSize]byte

// Word returns the block interpreted as a big-endian 32-bit value.
func (b Block) Word() uint32 {
	return binary.BigEndian.Uint32(b[:])
}

// BlockFromWord is the inverse of Block.Word.
func BlockFromWord(w uint32) Block {
	var b Block
	binary.BigEndian.PutUint32(b[:], w)
	return b
}

func (b Block) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X", b[0], b[1], b[2], b[3])
}

// BlockClass is the functional category of a block address.
type BlockClass int

const (
	GenericData BlockClass = iota
	OtpCounter
	Lock
	SystemReserved
)

func (c BlockClass) String() string {
	switch c {
	case OtpCounter:
		return "otp-counter"
	case Lock:
		return "lock"
	case SystemReserved:
		return "system"
	default:
		return "data"
	}
}

// MarshalText lets BlockClass appear by name in JSON reports.
func (c BlockClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Classify maps an address to its category and a human-readable label.
// The table is fixed by the SRIX silicon.
func Classify(addr Address) (BlockClass, string) {
	switch {
	case addr <= 0x04:
		return OtpCounter, fmt.Sprintf("OTP Counter %d", addr)
	case addr == lockBlockAddress:
		// The reader never returns data for this block.
		return Lock, "Lock Block"
	case addr == resetCounterAddress:
		return OtpCounter, "OTP Reset Counter"
	case addr == 0x07 || addr == 0x08:
		return Lock, "Lockable (system-lock bits 0/1)"
	case addr == SystemBlockAddress:
		return SystemReserved, "System Block"
	}
	return GenericData, fmt.Sprintf("Data Block %02X", uint16(addr))
}

// Label returns only the label part of Classify.
func Label(addr Address) string {
	_, label := Classify(addr)
	return label
}

// IsOTPRegion reports whether addr lies in the OTP/lock area (blocks 0-6), whose writes
// are generally irreversible.
func IsOTPRegion(addr Address) bool {
	return addr < firstDataAddress
}
