package core

import (
	"errors"
	"testing"
)

func TestDecodeUID(t *testing.T) {
	tests := []struct {
		name             string
		raw              []byte
		wantHex          string
		wantManufacturer uint8
		wantName         string
		wantPrefix       uint8
	}{
		{
			name:             "SRIX4K captured UID",
			raw:              []byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C},
			wantHex:          "D002330F18231A6C",
			wantManufacturer: 0x02,
			wantName:         "STMicroelectronics",
			wantPrefix:       0xD0,
		},
		{
			name:             "sequential bytes",
			raw:              []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x02},
			wantHex:          "0102030405060702",
			wantManufacturer: 0x02,
			wantName:         "STMicroelectronics",
			wantPrefix:       0x01,
		},
		{
			name:             "trailing bytes ignored",
			raw:              []byte{0xD0, 0x02, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB},
			wantHex:          "D002000000000000",
			wantManufacturer: 0x02,
			wantName:         "STMicroelectronics",
			wantPrefix:       0xD0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, err := DecodeUID(tt.raw)
			if err != nil {
				t.Fatalf("DecodeUID() error = %v", err)
			}
			if uid.Hex() != tt.wantHex {
				t.Errorf("Hex() = %s, want %s", uid.Hex(), tt.wantHex)
			}
			if uid.Manufacturer != tt.wantManufacturer {
				t.Errorf("Manufacturer = %02X, want %02X", uid.Manufacturer, tt.wantManufacturer)
			}
			if uid.ManufacturerName() != tt.wantName {
				t.Errorf("ManufacturerName() = %q, want %q", uid.ManufacturerName(), tt.wantName)
			}
			if uid.Prefix != tt.wantPrefix {
				t.Errorf("Prefix = %02X, want %02X", uid.Prefix, tt.wantPrefix)
			}
		})
	}
}

// The received-order byte sequence 01..07,02 carries the STMicroelectronics code 0x02 in its
// last byte, which becomes the top byte of the internal value.
func TestDecodeUIDReceivedOrder(t *testing.T) {
	uid, err := DecodeUID([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x02})
	if err != nil {
		t.Fatalf("DecodeUID() error = %v", err)
	}
	if got := uint8(uid.Internal >> 56); got != 0x02 {
		t.Errorf("Internal top byte = %02X, want 02", got)
	}
	if uid.Internal != 0x0207060504030201 {
		t.Errorf("Internal = %016X, want 0207060504030201", uid.Internal)
	}
	if uid.Canonical != 0x0102030405060702 {
		t.Errorf("Canonical = %016X, want 0102030405060702", uid.Canonical)
	}
}

func TestDecodeUIDFields(t *testing.T) {
	uid, err := DecodeUID([]byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C})
	if err != nil {
		t.Fatalf("DecodeUID() error = %v", err)
	}

	// Bits 42-47 are the top 6 bits of 0x33
	if uid.ICCodeBits != "001100" {
		t.Errorf("ICCodeBits = %s, want 001100", uid.ICCodeBits)
	}
	if uid.ICCode != 0x4 {
		t.Errorf("ICCode = %d, want 4", uid.ICCode)
	}
	if uid.Serial != 0x330F18231A6C&serialMask {
		t.Errorf("Serial = %X", uid.Serial)
	}
	if len(uid.SerialBits) != 42 {
		t.Errorf("SerialBits has %d digits, want 42", len(uid.SerialBits))
	}
}

func TestDecodeUIDInvariants(t *testing.T) {
	inputs := [][]byte{
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x23, 0x45, 0x67},
	}
	for _, raw := range inputs {
		a, err := DecodeUID(raw)
		if err != nil {
			t.Fatalf("DecodeUID(%X) error = %v", raw, err)
		}
		b, _ := DecodeUID(raw)
		if *a != *b {
			t.Errorf("DecodeUID(%X) is not deterministic", raw)
		}
		if a.Serial >= 1<<42 {
			t.Errorf("Serial %X exceeds 42 bits", a.Serial)
		}
		if a.ICCode >= 8 {
			t.Errorf("ICCode %d exceeds 3 bits", a.ICCode)
		}

		var arr [8]byte
		copy(arr[:], raw)
		if ReverseBytes(ReverseBytes(arr)) != arr {
			t.Errorf("ReverseBytes does not round-trip for %X", raw)
		}
	}
}

func TestDecodeUIDShort(t *testing.T) {
	_, err := DecodeUID([]byte{0x01, 0x02, 0x03})
	var short *ShortUIDReadError
	if !errors.As(err, &short) {
		t.Fatalf("DecodeUID() error = %v, want ShortUIDReadError", err)
	}
	if short.Got != 3 {
		t.Errorf("Got = %d, want 3", short.Got)
	}
}
