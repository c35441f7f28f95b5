package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConfirmationDeclined is returned when the user aborts an irreversible step.
	// It is a normal cancellation, not a failure; nothing has been written.
	ErrConfirmationDeclined = errors.New("confirmation declined")

	// ErrAlreadyReset is returned by PlanOTPReset when blocks 0-4 are already erased.
	ErrAlreadyReset = errors.New("OTP area already reset")

	// ErrNoResetsRemaining is returned by PlanOTPReset when the reset counter is exhausted.
	ErrNoResetsRemaining = errors.New("no OTP resets remaining")
)

// ShortBlockReadError indicates that the reader returned fewer than 4 bytes for a block.
type ShortBlockReadError struct {
	Address Address
	Got     int
}

func (e *ShortBlockReadError) Error() string {
	return fmt.Sprintf("short read on block %02X: received %d bytes instead of %d",
		uint16(e.Address), e.Got, BlockSize)
}

// ShortUIDReadError indicates that the UID response was shorter than 8 bytes.
type ShortUIDReadError struct {
	Got int
}

func (e *ShortUIDReadError) Error() string {
	return fmt.Sprintf("short UID read: received %d bytes instead of %d", e.Got, uidSize)
}

// SizeMismatchError indicates that a dump does not hold enough bytes for the profile.
type SizeMismatchError struct {
	Expected int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("dump has wrong size: expected %d bytes, got %d", e.Expected, e.Actual)
}

// ProfileMismatchError indicates that two images of different tag profiles were compared.
type ProfileMismatchError struct {
	Current TagProfile
	Desired TagProfile
}

func (e *ProfileMismatchError) Error() string {
	return fmt.Sprintf("cannot compare %s image with %s image", e.Current.Name, e.Desired.Name)
}

// AddressOutOfRangeError indicates a block address outside the profile's EEPROM.
type AddressOutOfRangeError struct {
	Address    Address
	BlockCount int
}

func (e *AddressOutOfRangeError) Error() string {
	return fmt.Sprintf("block address %02X is out of range: valid range is 00-%02X",
		uint16(e.Address), e.BlockCount-1)
}

// UnreachableBlocksError is returned before any I/O when a full-image operation needs
// blocks beyond what the transport can address.
type UnreachableBlocksError struct {
	Profile    TagProfile
	MaxAddress Address
}

func (e *UnreachableBlocksError) Error() string {
	return fmt.Sprintf("%s has blocks up to %03X but the reader can only address 00-%02X",
		e.Profile.Name, e.Profile.BlockCount-1, uint16(e.MaxAddress))
}

// TransportError wraps a failure reported by the reader driver.
type TransportError struct {
	Op      string // "read", "write" or "uid"
	Address Address
	Err     error
}

func (e *TransportError) Error() string {
	if e.Op == "uid" {
		return fmt.Sprintf("transport failure reading UID: %v", e.Err)
	}
	return fmt.Sprintf("transport failure on %s of block %02X: %v", e.Op, uint16(e.Address), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PartialWriteError indicates that a write plan stopped after some blocks were already
// written to the tag. The tag is left in a mixed state.
type PartialWriteError struct {
	Applied []WriteOp
	Failed  WriteOp
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("write plan aborted at block %02X after %d of its writes were applied: %v",
		uint16(e.Failed.Address), len(e.Applied), e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
