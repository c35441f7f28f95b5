package logging

import (
	"errors"
	"testing"
)

func TestInitSentry(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		dsn      string
		settings bool
	}{
		{"disabled by default", "", "", false},
		{"env disables over settings", "0", "https://key@example.invalid/1", true},
		{"enabled without DSN", "1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SRIX_AGENT_SENTRY", tt.env)
			t.Setenv("SRIX_AGENT_SENTRY_DSN", tt.dsn)
			if InitSentry("test", tt.settings) {
				t.Error("InitSentry() = true, want false")
			}
			if SentryEnabled() {
				t.Error("SentryEnabled() = true")
			}
		})
	}
}

func TestCaptureWhenDisabled(t *testing.T) {
	// Must be no-ops while Sentry is not initialised
	CaptureError(errors.New("boom"), "test", nil)
	CapturePanic("boom", nil, "test")
	FlushSentry(0)
}

func TestSentryWanted(t *testing.T) {
	tests := []struct {
		env      string
		settings bool
		want     bool
	}{
		{"", false, false},
		{"", true, true},
		{"1", false, true},
		{"0", true, false},
		{"yes", true, true},
	}

	for _, tt := range tests {
		t.Setenv("SRIX_AGENT_SENTRY", tt.env)
		if got := sentryWanted(tt.settings); got != tt.want {
			t.Errorf("sentryWanted(%v) with SRIX_AGENT_SENTRY=%q = %v, want %v", tt.settings, tt.env, got, tt.want)
		}
	}
}

func TestSetReaderContextWhenDisabled(t *testing.T) {
	SetReaderContext("emulator", "SRI512")
}
