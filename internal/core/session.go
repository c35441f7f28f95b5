package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/SimplyPrint/srix-agent/internal/logging"
)

// Prompts passed to the Confirmer. The console layer appends its own [Y/N] suffix.
const (
	PromptIrreversible = "This action is irreversible. Are you sure?"
	PromptOTPArea      = "Writing to OTP area, do you want to continue?"
)

// Phase names the stage of a long-running session operation.
type Phase string

const (
	PhaseReading  Phase = "reading"
	PhaseWriting  Phase = "writing"
	PhaseComplete Phase = "complete"
)

// Progress is reported once per block read or written.
type Progress struct {
	Phase   Phase
	Address Address
	Block   Block
	Label   string
	Done    int
	Total   int
}

// ProgressCallback receives per-block progress. It runs on the operation's goroutine and
// should return quickly.
type ProgressCallback func(Progress)

// PreviewFunc receives the operator-facing preview (addresses 7 and up) together with the
// full plan, before any confirmation is requested.
type PreviewFunc func(preview []WriteOp, plan *WritePlan)

// Outcome describes how a write operation finished.
type Outcome string

const (
	OutcomeWritten           Outcome = "written"
	OutcomeAlreadyProgrammed Outcome = "already_programmed"
	OutcomeAlreadyReset      Outcome = "already_reset"
)

// WriteResult is returned by WriteImage and WriteBlock.
type WriteResult struct {
	Outcome Outcome    `json:"outcome"`
	Applied *WritePlan `json:"applied"`
	Skipped []WriteOp  `json:"skipped,omitempty"` // OTP-region writes left out after the OTP prompt was declined
}

// OTPResetResult is returned by ResetOTP.
type OTPResetResult struct {
	Outcome Outcome       `json:"outcome"`
	State   OTPState      `json:"state"`
	Reset   *OTPResetPlan `json:"reset,omitempty"`
}

// TagInfo groups the identification data of a tag.
type TagInfo struct {
	UID    *UID             `json:"uid"`
	System *SystemBlockInfo `json:"system"`
}

// Option configures a Session.
type Option func(*Session)

// WithConfirmer sets the source of operator confirmations. Without it every prompt is declined.
func WithConfirmer(c Confirmer) Option {
	return func(s *Session) {
		if c != nil {
			s.confirmer = c
		}
	}
}

// WithProgressCallback sets a callback for per-block progress.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(s *Session) {
		s.progress = cb
	}
}

// WithPreviewer sets the function that shows a write preview before confirmation.
func WithPreviewer(fn PreviewFunc) Option {
	return func(s *Session) {
		s.preview = fn
	}
}

// Session runs engine operations against one tag through one transport. A Session owns its
// transport exclusively and must not be used from several goroutines at once.
type Session struct {
	transport Transport
	profile   TagProfile
	confirmer Confirmer
	progress  ProgressCallback
	preview   PreviewFunc
}

// NewSession creates a Session for a tag of the given profile.
func NewSession(t Transport, profile TagProfile, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		transport: t,
		profile:   profile,
		confirmer: NeverConfirm,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Profile returns the tag profile the session was created with.
func (s *Session) Profile() TagProfile {
	return s.profile
}

// ReadImage reads the full EEPROM.
func (s *Session) ReadImage(ctx context.Context) (*Image, error) {
	if err := s.checkReachable(); err != nil {
		return nil, err
	}
	logging.Debug(logging.CatTag, "Reading EEPROM", map[string]any{
		"profile": s.profile.Name,
		"blocks":  s.profile.BlockCount,
	})
	img, err := ReadImage(ctx, s.transport, s.profile, s.progress)
	if err != nil {
		logging.Error(logging.CatTag, "EEPROM read failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	return img, nil
}

// checkReachable fails when the transport cannot address the last block of the profile.
func (s *Session) checkReachable() error {
	limit, ok := s.transport.(AddressLimit)
	if !ok {
		return nil
	}
	if last := limit.MaxAddress(); int(last) < s.profile.BlockCount-1 {
		return &UnreachableBlocksError{Profile: s.profile, MaxAddress: last}
	}
	return nil
}

// ReadUID reads and decodes the tag UID.
func (s *Session) ReadUID(ctx context.Context) (*UID, error) {
	raw, err := s.transport.ReadUID(ctx)
	if err != nil {
		return nil, &TransportError{Op: "uid", Err: err}
	}
	uid, err := DecodeUID(raw)
	if err != nil {
		return nil, err
	}
	logging.Debug(logging.CatTag, "UID read", map[string]any{
		"uid":          uid.Hex(),
		"manufacturer": uid.ManufacturerName(),
	})
	return uid, nil
}

// ReadSystemBlock reads and decodes the System Block.
func (s *Session) ReadSystemBlock(ctx context.Context) (*SystemBlockInfo, error) {
	b, err := readBlock(ctx, s.transport, SystemBlockAddress)
	if err != nil {
		return nil, err
	}
	return InterpretSystemBlock(b[:])
}

// ReadTagInfo reads the UID and the System Block.
func (s *Session) ReadTagInfo(ctx context.Context) (*TagInfo, error) {
	uid, err := s.ReadUID(ctx)
	if err != nil {
		return nil, err
	}
	sys, err := s.ReadSystemBlock(ctx)
	if err != nil {
		return nil, err
	}
	return &TagInfo{UID: uid, System: sys}, nil
}

// PlanWrite reads the tag and computes the full plan towards desired without writing.
func (s *Session) PlanWrite(ctx context.Context, desired *Image) (*WritePlan, error) {
	if desired.Profile() != s.profile {
		return nil, &ProfileMismatchError{Current: s.profile, Desired: desired.Profile()}
	}
	current, err := s.ReadImage(ctx)
	if err != nil {
		return nil, err
	}
	return Diff(current, desired)
}

// WriteImage programs the tag with desired. It asks two independent confirmations: one for
// the write as a whole and one for the OTP/lock region (blocks 0-6). Declining the first
// returns ErrConfirmationDeclined with nothing written; declining the second drops blocks 0-6
// from the plan.
func (s *Session) WriteImage(ctx context.Context, desired *Image) (*WriteResult, error) {
	plan, err := s.PlanWrite(ctx, desired)
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		logging.Info(logging.CatTag, "Dump already written to tag", nil)
		return &WriteResult{Outcome: OutcomeAlreadyProgrammed, Applied: &WritePlan{}}, nil
	}

	if s.preview != nil {
		s.preview(plan.Preview(), plan)
	}

	if err := s.confirm(ctx, PromptIrreversible); err != nil {
		return nil, err
	}

	otpAllowed, err := s.confirmer.Confirm(ctx, PromptOTPArea)
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}

	result := &WriteResult{Outcome: OutcomeWritten}
	if !otpAllowed {
		filtered := plan.WithoutOTPRegion()
		for _, op := range plan.Ops {
			if IsOTPRegion(op.Address) {
				result.Skipped = append(result.Skipped, op)
			}
		}
		plan = filtered
	}
	if plan.Empty() {
		result.Outcome = OutcomeAlreadyProgrammed
		result.Applied = plan
		return result, nil
	}

	if _, err := s.Apply(ctx, plan); err != nil {
		return nil, err
	}
	result.Applied = plan
	logging.Info(logging.CatTag, "Dump written to tag", map[string]any{
		"blocks":  plan.Len(),
		"skipped": len(result.Skipped),
	})
	return result, nil
}

// WriteBlock writes a single word to one EEPROM block after confirmation. Blocks in the OTP
// region need the OTP confirmation as well.
func (s *Session) WriteBlock(ctx context.Context, addr Address, value uint32) (*WriteResult, error) {
	if !s.profile.Contains(addr) {
		return nil, &AddressOutOfRangeError{Address: addr, BlockCount: s.profile.BlockCount}
	}

	current, err := readBlock(ctx, s.transport, addr)
	if err != nil {
		return nil, err
	}
	plan := &WritePlan{}
	if current.Word() != value {
		plan.Ops = append(plan.Ops, WriteOp{Address: addr, Old: current.Word(), New: value})
	}
	if plan.Empty() {
		return &WriteResult{Outcome: OutcomeAlreadyProgrammed, Applied: plan}, nil
	}

	if s.preview != nil {
		s.preview(plan.Ops, plan)
	}
	if err := s.confirm(ctx, PromptIrreversible); err != nil {
		return nil, err
	}
	if IsOTPRegion(addr) {
		if err := s.confirm(ctx, PromptOTPArea); err != nil {
			return nil, err
		}
	}

	if _, err := s.Apply(ctx, plan); err != nil {
		return nil, err
	}
	return &WriteResult{Outcome: OutcomeWritten, Applied: plan}, nil
}

// ResetOTP resets the five OTP counter blocks, consuming one reset from block 6.
func (s *Session) ResetOTP(ctx context.Context) (*OTPResetResult, error) {
	state, err := ReadOTPState(ctx, s.transport)
	if err != nil {
		return nil, err
	}

	reset, err := PlanOTPReset(state)
	if errors.Is(err, ErrAlreadyReset) {
		logging.Info(logging.CatTag, "OTP area already reset", nil)
		return &OTPResetResult{Outcome: OutcomeAlreadyReset, State: state}, nil
	}
	if err != nil {
		return nil, err
	}

	logging.Info(logging.CatTag, "OTP reset planned", map[string]any{
		"available": reset.Current,
		"remaining": reset.Remaining,
	})
	if s.preview != nil {
		s.preview(reset.Plan.Ops, reset.Plan)
	}
	if err := s.confirm(ctx, PromptIrreversible); err != nil {
		return nil, err
	}

	if _, err := s.Apply(ctx, reset.Plan); err != nil {
		return nil, err
	}
	return &OTPResetResult{Outcome: OutcomeWritten, State: state, Reset: reset}, nil
}

// Apply performs the writes of plan in order, one block at a time. It stops at the first
// failure or when ctx is cancelled between two blocks. If earlier writes already reached the
// tag the error is a *PartialWriteError. Apply returns the number of blocks written.
func (s *Session) Apply(ctx context.Context, plan *WritePlan) (int, error) {
	for i, op := range plan.Ops {
		err := ctx.Err()
		if err == nil {
			if werr := s.transport.WriteBlock(ctx, op.Address, op.Block()); werr != nil {
				err = &TransportError{Op: "write", Address: op.Address, Err: werr}
			}
		}
		if err != nil {
			logging.Error(logging.CatTag, "Block write failed", map[string]any{
				"address": fmt.Sprintf("%02X", uint16(op.Address)),
				"applied": i,
				"error":   err.Error(),
			})
			if i == 0 {
				return 0, err
			}
			return i, &PartialWriteError{Applied: plan.Ops[:i], Failed: op, Err: err}
		}

		logging.Debug(logging.CatTag, "Block written", map[string]any{
			"address": fmt.Sprintf("%02X", uint16(op.Address)),
			"old":     fmt.Sprintf("%08X", op.Old),
			"new":     fmt.Sprintf("%08X", op.New),
		})
		if s.progress != nil {
			s.progress(Progress{
				Phase:   PhaseWriting,
				Address: op.Address,
				Block:   op.Block(),
				Label:   Label(op.Address),
				Done:    i + 1,
				Total:   plan.Len(),
			})
		}
	}
	return plan.Len(), nil
}

// confirm asks one question and maps a "no" to ErrConfirmationDeclined.
func (s *Session) confirm(ctx context.Context, prompt string) error {
	ok, err := s.confirmer.Confirm(ctx, prompt)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		logging.Info(logging.CatTag, "Operation declined", map[string]any{
			"prompt": prompt,
		})
		return ErrConfirmationDeclined
	}
	return nil
}
