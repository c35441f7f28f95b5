package core

import (
	"fmt"
	"strconv"
	"strings"
)

const uidSize = 8

const (
	icCodeMask = 0x7
	serialMask = 0x3FFFFFFFFFF // 42 bits
)

// manufacturers is the IC manufacturer lookup (ISO/IEC 7816-6). Codes missing here are
// reported as "unknown".
var manufacturers = map[uint8]string{
	0x02: "STMicroelectronics",
}

// UID is a decoded SRIX unique identifier.
type UID struct {
	Raw          [uidSize]byte `json:"-"`
	Internal     uint64        `json:"-"`            // Bytes in received order, byte 0 least significant
	Canonical    uint64        `json:"-"`            // Byte-reversed display value, byte 0 most significant
	Prefix       uint8         `json:"prefix"`       // Bits 56-63 of Canonical
	Manufacturer uint8         `json:"manufacturer"` // Bits 48-55 of Canonical
	ICCode       uint8         `json:"icCode"`       // (Canonical >> 42) & 0x7
	ICCodeBits   string        `json:"icCodeBits"`   // Bits 42-47 as a 6-digit binary string
	Serial       uint64        `json:"serial"`       // Bits 0-41 of Canonical
	SerialBits   string        `json:"serialBits"`   // Serial as a 42-digit binary string
}

// DecodeUID decodes a raw GET_UID response. Only the first 8 bytes are used.
func DecodeUID(raw []byte) (*UID, error) {
	if len(raw) < uidSize {
		return nil, &ShortUIDReadError{Got: len(raw)}
	}

	u := &UID{}
	copy(u.Raw[:], raw[:uidSize])
	for i := 0; i < uidSize; i++ {
		u.Internal |= uint64(u.Raw[i]) << (8 * i)
		u.Canonical |= uint64(u.Raw[i]) << (8 * (uidSize - 1 - i))
	}

	v := u.Canonical
	u.Prefix = uint8(v >> 56)
	u.Manufacturer = uint8(v >> 48)
	u.ICCode = uint8((v >> 42) & icCodeMask)
	u.ICCodeBits = binaryString((v>>42)&0x3F, 6)
	u.Serial = v & serialMask
	u.SerialBits = binaryString(u.Serial, 42)
	return u, nil
}

// ManufacturerName returns the IC manufacturer name, or "unknown".
func (u *UID) ManufacturerName() string {
	if name, ok := manufacturers[u.Manufacturer]; ok {
		return name
	}
	return "unknown"
}

// Hex returns the canonical UID as 16 upper-case hex digits.
func (u *UID) Hex() string {
	return fmt.Sprintf("%016X", u.Canonical)
}

func (u *UID) String() string {
	return u.Hex()
}

// ReverseBytes returns the 8 bytes in reverse order. Applying it twice is the identity.
func ReverseBytes(b [uidSize]byte) [uidSize]byte {
	var out [uidSize]byte
	for i := range b {
		out[uidSize-1-i] = b[i]
	}
	return out
}

func binaryString(v uint64, width int) string {
	s := strconv.FormatUint(v, 2)
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}
