package core

import (
	"context"
	"fmt"
)

const (
	erasedWord         uint32 = 0xFFFFFFFF
	resetCounterShift         = 21
	resetCounterOneBit uint32 = 1 << resetCounterShift
)

// otpCounterAddresses are the five OTP counter blocks erased by a reset. Block 5 is skipped by
// the hardware.
var otpCounterAddresses = [5]Address{0x00, 0x01, 0x02, 0x03, 0x04}

// OTPState is the content of the OTP counter blocks and the reset counter block.
type OTPState struct {
	Counters     [5]uint32 `json:"counters"`     // Blocks 0-4
	ResetCounter uint32    `json:"resetCounter"` // Block 6
}

// AlreadyReset reports whether blocks 0-4 are all erased.
func (s OTPState) AlreadyReset() bool {
	for _, c := range s.Counters {
		if c != erasedWord {
			return false
		}
	}
	return true
}

// ResetsAvailable returns the reset-counter field, the top 11 bits of block 6.
func (s OTPState) ResetsAvailable() uint32 {
	return s.ResetCounter >> resetCounterShift
}

// ReadOTPState reads blocks 0-4 and block 6.
func ReadOTPState(ctx context.Context, t Transport) (OTPState, error) {
	var s OTPState
	for i, addr := range otpCounterAddresses {
		if err := ctx.Err(); err != nil {
			return OTPState{}, err
		}
		b, err := readBlock(ctx, t, addr)
		if err != nil {
			return OTPState{}, err
		}
		s.Counters[i] = b.Word()
	}

	b, err := readBlock(ctx, t, resetCounterAddress)
	if err != nil {
		return OTPState{}, err
	}
	s.ResetCounter = b.Word()
	return s, nil
}

// OTPResetPlan is the write sequence for one OTP reset.
type OTPResetPlan struct {
	Current   uint32     `json:"current"`   // Resets available before the reset
	Remaining uint32     `json:"remaining"` // Resets available after the reset
	Plan      *WritePlan `json:"plan"`
}

// PlanOTPReset computes the OTP reset write sequence. The order of the plan is significant:
// block 6 is written first, which starts the chip's auto-erase cycle, then blocks 0-4 are
// set to FFFFFFFF in ascending order.
func PlanOTPReset(s OTPState) (*OTPResetPlan, error) {
	if s.AlreadyReset() {
		return nil, ErrAlreadyReset
	}

	current := s.ResetsAvailable()
	if current == 0 {
		return nil, fmt.Errorf("block 06 is %08X: %w", s.ResetCounter, ErrNoResetsRemaining)
	}

	newCounter := s.ResetCounter - resetCounterOneBit
	plan := &WritePlan{Ops: make([]WriteOp, 0, 1+len(otpCounterAddresses))}
	plan.Ops = append(plan.Ops, WriteOp{Address: resetCounterAddress, Old: s.ResetCounter, New: newCounter})
	for i, addr := range otpCounterAddresses {
		plan.Ops = append(plan.Ops, WriteOp{Address: addr, Old: s.Counters[i], New: erasedWord})
	}

	return &OTPResetPlan{
		Current:   current,
		Remaining: newCounter >> resetCounterShift,
		Plan:      plan,
	}, nil
}
