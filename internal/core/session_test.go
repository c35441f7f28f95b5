package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestSession(t *testing.T, mock *MockTransport, confirmer Confirmer) *Session {
	t.Helper()
	s, err := NewSession(mock, SRI512, WithConfirmer(confirmer))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func TestNewSession(t *testing.T) {
	if _, err := NewSession(nil, SRI512); err == nil {
		t.Error("NewSession(nil) should fail")
	}
	if _, err := NewSession(NewMockTransport(SRI512, 0), TagProfile{Name: "x", EEPROMSize: 5, BlockCount: 1}); err == nil {
		t.Error("NewSession() should reject an invalid profile")
	}

	// Without a confirmer nothing can be written
	mock := NewMockTransport(SRI512, 0x00)
	s, err := NewSession(mock, SRI512)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.WriteBlock(context.Background(), 0x09, 0x01)
	if !errors.Is(err, ErrConfirmationDeclined) {
		t.Errorf("error = %v, want ErrConfirmationDeclined", err)
	}
	if len(mock.Writes()) != 0 {
		t.Error("default session wrote to the tag")
	}
}

// limitedTransport is a mock reader whose frames carry one-byte addresses.
type limitedTransport struct {
	*MockTransport
	max Address
}

func (l limitedTransport) MaxAddress() Address { return l.max }

func TestSessionAddressLimit(t *testing.T) {
	tests := []struct {
		name    string
		profile TagProfile
		max     Address
		wantErr bool
	}{
		{"SRIX4K beyond one-byte addresses", SRIX4K, 0xFF, true},
		{"SRI512 fits", SRI512, 0xFF, false},
		{"exact fit", SRI512, 0x0F, false},
		{"one block short", SRI512, 0x0E, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport(tt.profile, 0x00)
			s, err := NewSession(limitedTransport{mock, tt.max}, tt.profile, WithConfirmer(AlwaysConfirm))
			if err != nil {
				t.Fatal(err)
			}

			_, err = s.ReadImage(context.Background())
			var ue *UnreachableBlocksError
			if got := errors.As(err, &ue); got != tt.wantErr {
				t.Fatalf("ReadImage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			mock.mu.Lock()
			reads := len(mock.reads)
			mock.mu.Unlock()
			if reads != 0 {
				t.Errorf("read %d blocks before failing, want 0", reads)
			}

			// Writing a whole image fails the same way before touching the tag
			if _, err := s.WriteImage(context.Background(), NewBlankImage(tt.profile, 0xAA)); !errors.As(err, &ue) {
				t.Errorf("WriteImage() error = %v, want UnreachableBlocksError", err)
			}
			if len(mock.Writes()) != 0 {
				t.Error("WriteImage() wrote to the tag")
			}
		})
	}
}

func TestSessionReadTagInfo(t *testing.T) {
	mock := NewMockTransport(SRI512, 0x00)
	s := newTestSession(t, mock, NeverConfirm)

	info, err := s.ReadTagInfo(context.Background())
	if err != nil {
		t.Fatalf("ReadTagInfo() error = %v", err)
	}
	if info.UID.ManufacturerName() != "STMicroelectronics" {
		t.Errorf("manufacturer = %s", info.UID.ManufacturerName())
	}
	if info.System.ChipID != 0x1F {
		t.Errorf("ChipID = %02X, want 1F", info.System.ChipID)
	}

	mock.WithUID([]byte{1, 2, 3})
	if _, err := s.ReadUID(context.Background()); err == nil {
		t.Error("ReadUID() should fail on a short response")
	}

	mock.WithUID(nil)
	_, err = s.ReadUID(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "uid" {
		t.Errorf("error = %v, want TransportError for uid", err)
	}
}

func TestSessionWriteImage(t *testing.T) {
	desired := NewBlankImage(SRI512, 0x00)
	desired.SetBlock(0x02, BlockFromWord(0xAAAAAAAA))
	desired.SetBlock(0x09, BlockFromWord(0xBBBBBBBB))
	desired.SetBlock(0x0F, BlockFromWord(0xCCCCCCCC))

	tests := []struct {
		name        string
		answers     []bool
		wantErr     error
		wantOutcome Outcome
		wantWritten []Address
		wantSkipped int
		wantAsked   int
	}{
		{
			name:        "both confirmations granted",
			answers:     []bool{true, true},
			wantOutcome: OutcomeWritten,
			wantWritten: []Address{0x02, 0x09, 0x0F},
			wantAsked:   2,
		},
		{
			name:        "OTP region declined",
			answers:     []bool{true, false},
			wantOutcome: OutcomeWritten,
			wantWritten: []Address{0x09, 0x0F},
			wantSkipped: 1,
			wantAsked:   2,
		},
		{
			name:      "write declined",
			answers:   []bool{false},
			wantErr:   ErrConfirmationDeclined,
			wantAsked: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTransport(SRI512, 0x00)
			confirmer := NewScriptedConfirmer(tt.answers...)
			s := newTestSession(t, mock, confirmer)

			res, err := s.WriteImage(context.Background(), desired)
			if len(confirmer.Asked()) != tt.wantAsked {
				t.Errorf("asked %d prompts, want %d", len(confirmer.Asked()), tt.wantAsked)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if len(mock.Writes()) != 0 {
					t.Errorf("wrote %v after a declined confirmation", mock.WrittenAddresses())
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteImage() error = %v", err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if got := mock.WrittenAddresses(); !reflect.DeepEqual(got, tt.wantWritten) {
				t.Errorf("written = %v, want %v", got, tt.wantWritten)
			}
			if len(res.Skipped) != tt.wantSkipped {
				t.Errorf("skipped %d, want %d", len(res.Skipped), tt.wantSkipped)
			}
		})
	}
}

func TestSessionWriteImagePrompts(t *testing.T) {
	mock := NewMockTransport(SRI512, 0x00)
	confirmer := NewScriptedConfirmer(true, true)
	var preview []WriteOp
	s, err := NewSession(mock, SRI512,
		WithConfirmer(confirmer),
		WithPreviewer(func(p []WriteOp, _ *WritePlan) { preview = p }),
	)
	if err != nil {
		t.Fatal(err)
	}

	desired := NewBlankImage(SRI512, 0x00)
	desired.SetBlock(0x01, BlockFromWord(1))
	desired.SetBlock(0x0B, BlockFromWord(2))
	if _, err := s.WriteImage(context.Background(), desired); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(confirmer.Asked(), []string{PromptIrreversible, PromptOTPArea}) {
		t.Errorf("prompts = %q", confirmer.Asked())
	}
	if len(preview) != 1 || preview[0].Address != 0x0B {
		t.Errorf("preview = %+v, want only block 0B", preview)
	}
}

func TestSessionWriteImageAlreadyProgrammed(t *testing.T) {
	t.Run("identical content asks nothing", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0xFF)
		confirmer := NewScriptedConfirmer()
		s := newTestSession(t, mock, confirmer)

		res, err := s.WriteImage(context.Background(), NewBlankImage(SRI512, 0xFF))
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeAlreadyProgrammed {
			t.Errorf("Outcome = %s", res.Outcome)
		}
		if len(confirmer.Asked()) != 0 {
			t.Errorf("asked %q", confirmer.Asked())
		}
	})

	t.Run("only OTP differences and OTP declined", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0xFF)
		s := newTestSession(t, mock, NewScriptedConfirmer(true, false))

		desired := NewBlankImage(SRI512, 0xFF)
		desired.SetBlock(0x04, Block{})
		res, err := s.WriteImage(context.Background(), desired)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeAlreadyProgrammed {
			t.Errorf("Outcome = %s, want %s", res.Outcome, OutcomeAlreadyProgrammed)
		}
		if len(mock.Writes()) != 0 {
			t.Errorf("wrote %v", mock.WrittenAddresses())
		}
	})
}

func TestSessionWriteImageProfileMismatch(t *testing.T) {
	s := newTestSession(t, NewMockTransport(SRI512, 0), AlwaysConfirm)
	_, err := s.WriteImage(context.Background(), NewBlankImage(SRIX4K, 0))
	var mismatch *ProfileMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want ProfileMismatchError", err)
	}
}

func TestSessionApplyPartialWrite(t *testing.T) {
	cause := errors.New("write timeout")
	mock := NewMockTransport(SRI512, 0x00).WithWriteError(0x0C, cause)
	s := newTestSession(t, mock, AlwaysConfirm)

	plan := &WritePlan{Ops: []WriteOp{
		{Address: 0x0A, New: 1},
		{Address: 0x0B, New: 2},
		{Address: 0x0C, New: 3},
		{Address: 0x0D, New: 4},
	}}
	n, err := s.Apply(context.Background(), plan)
	if n != 2 {
		t.Errorf("Apply() = %d, want 2", n)
	}
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want PartialWriteError", err)
	}
	if len(partial.Applied) != 2 || partial.Failed.Address != 0x0C {
		t.Errorf("partial = %+v", partial)
	}
	if !errors.Is(err, cause) {
		t.Error("PartialWriteError should unwrap to the driver error")
	}
	if mock.Word(0x0D) != 0 {
		t.Error("writes continued after the failure")
	}

	// A failure on the first write is a plain transport error
	mock = NewMockTransport(SRI512, 0x00).WithWriteError(0x0A, cause)
	s = newTestSession(t, mock, AlwaysConfirm)
	_, err = s.Apply(context.Background(), plan)
	var terr *TransportError
	if !errors.As(err, &terr) || errors.As(err, &partial) {
		t.Errorf("error = %v, want TransportError only", err)
	}
}

func TestSessionApplyCancelled(t *testing.T) {
	mock := NewMockTransport(SRI512, 0x00)
	ctx, cancel := context.WithCancel(context.Background())
	mock.onWrite = func(addr Address) {
		if addr == 0x0B {
			cancel()
		}
	}
	s := newTestSession(t, mock, AlwaysConfirm)

	plan := &WritePlan{Ops: []WriteOp{{Address: 0x0A}, {Address: 0x0B}, {Address: 0x0C}}}
	_, err := s.Apply(ctx, plan)
	var partial *PartialWriteError
	if !errors.As(err, &partial) || len(partial.Applied) != 2 {
		t.Fatalf("error = %v, want PartialWriteError after 2 writes", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("error should wrap context.Canceled")
	}
}

func TestSessionResetOTP(t *testing.T) {
	t.Run("reset applied in order", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00).WithWord(0x06, 0xFFE00042)
		confirmer := NewScriptedConfirmer(true)
		s := newTestSession(t, mock, confirmer)

		res, err := s.ResetOTP(context.Background())
		if err != nil {
			t.Fatalf("ResetOTP() error = %v", err)
		}
		if res.Outcome != OutcomeWritten || res.Reset.Remaining != 0x7FE {
			t.Errorf("result = %+v", res)
		}
		want := []Address{0x06, 0x00, 0x01, 0x02, 0x03, 0x04}
		if got := mock.WrittenAddresses(); !reflect.DeepEqual(got, want) {
			t.Errorf("written = %v, want %v", got, want)
		}
		if mock.Word(0x06) != 0xFFC00042 {
			t.Errorf("block 06 = %08X, want FFC00042", mock.Word(0x06))
		}
		if len(confirmer.Asked()) != 1 {
			t.Errorf("asked %d prompts, want 1", len(confirmer.Asked()))
		}
	})

	t.Run("already reset", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0xFF)
		confirmer := NewScriptedConfirmer()
		s := newTestSession(t, mock, confirmer)

		res, err := s.ResetOTP(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeAlreadyReset {
			t.Errorf("Outcome = %s", res.Outcome)
		}
		if len(mock.Writes()) != 0 || len(confirmer.Asked()) != 0 {
			t.Error("an already reset tag must not be touched")
		}
	})

	t.Run("declined", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00).WithWord(0x06, 0xFFFFFFFF)
		s := newTestSession(t, mock, NewScriptedConfirmer(false))
		_, err := s.ResetOTP(context.Background())
		if !errors.Is(err, ErrConfirmationDeclined) {
			t.Fatalf("error = %v", err)
		}
		if len(mock.Writes()) != 0 {
			t.Error("declined reset wrote to the tag")
		}
	})

	t.Run("no resets remaining", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00).WithWord(0x06, 0x00000000)
		s := newTestSession(t, mock, AlwaysConfirm)
		_, err := s.ResetOTP(context.Background())
		if !errors.Is(err, ErrNoResetsRemaining) {
			t.Fatalf("error = %v, want ErrNoResetsRemaining", err)
		}
	})
}

func TestSessionWriteBlock(t *testing.T) {
	t.Run("data block needs one confirmation", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00)
		confirmer := NewScriptedConfirmer(true)
		s := newTestSession(t, mock, confirmer)

		res, err := s.WriteBlock(context.Background(), 0x0A, 0xDEADBEEF)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeWritten || mock.Word(0x0A) != 0xDEADBEEF {
			t.Errorf("block 0A = %08X, outcome %s", mock.Word(0x0A), res.Outcome)
		}
		if len(confirmer.Asked()) != 1 {
			t.Errorf("asked %q", confirmer.Asked())
		}
	})

	t.Run("OTP block needs both confirmations", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00)
		s := newTestSession(t, mock, NewScriptedConfirmer(true, false))
		_, err := s.WriteBlock(context.Background(), 0x03, 0x1)
		if !errors.Is(err, ErrConfirmationDeclined) {
			t.Fatalf("error = %v", err)
		}
		if len(mock.Writes()) != 0 {
			t.Error("declined OTP write reached the tag")
		}
	})

	t.Run("unchanged value", func(t *testing.T) {
		mock := NewMockTransport(SRI512, 0x00)
		s := newTestSession(t, mock, NewScriptedConfirmer())
		res, err := s.WriteBlock(context.Background(), 0x0A, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeAlreadyProgrammed {
			t.Errorf("Outcome = %s", res.Outcome)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		s := newTestSession(t, NewMockTransport(SRI512, 0x00), AlwaysConfirm)
		_, err := s.WriteBlock(context.Background(), 0x10, 0)
		var rangeErr *AddressOutOfRangeError
		if !errors.As(err, &rangeErr) {
			t.Fatalf("error = %v, want AddressOutOfRangeError", err)
		}
	})
}
