package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SimplyPrint/srix-agent/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SRIX_TAG_TYPE", "SRIX_DRIVER", "SRIX_DEVICE", "SRIX_EMULATOR_FILE", "SRIX_VERBOSE",
		"SRIX_SKIP_CONFIRMATION", "SRIX_AGENT_HOST", "SRIX_AGENT_PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "tag_type=512;\nprint_columns=2;\nverbose=on;\nskip_confirmation=off;\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TagType != "512" || cfg.PrintColumns != 2 || !cfg.Verbose || cfg.SkipConfirmation {
		t.Errorf("Load() = %+v", cfg)
	}
	p, err := cfg.Profile()
	if err != nil || p != core.SRI512 {
		t.Errorf("Profile() = %v, %v", p, err)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("Warnings = %v", cfg.Warnings)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TagType != "x4k" || cfg.Driver != DriverLibNFC || cfg.Address() != "127.0.0.1:32146" {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadInvalidColumns(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "print_columns=3;\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PrintColumns != 1 {
		t.Errorf("PrintColumns = %d, want fallback 1", cfg.PrintColumns)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "columns") {
		t.Errorf("Warnings = %v", cfg.Warnings)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing equals", "tag_type\n"},
		{"bad boolean", "verbose=maybe;\n"},
		{"bad port", "port=http;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Default().Parse(strings.NewReader(tt.content)); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestParseCommentsAndUnknownKeys(t *testing.T) {
	cfg := Default()
	err := cfg.Parse(strings.NewReader("# reader\n\ndriver=PCSC;\ndevice=ACS ACR122U;\ncolour=red;\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Driver != DriverPCSC || cfg.Device != "ACS ACR122U" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one unknown key", cfg.Warnings)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "tag_type=512;\nverbose=off;\n")
	t.Setenv("SRIX_TAG_TYPE", "x4k")
	t.Setenv("SRIX_VERBOSE", "1")
	t.Setenv("SRIX_DRIVER", "emulator")
	t.Setenv("SRIX_AGENT_PORT", "4000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TagType != "x4k" || !cfg.Verbose || cfg.Driver != DriverEmulator || cfg.Port != 4000 {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Driver = "serial"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown drivers")
	}

	cfg = Default()
	cfg.TagType = "1k"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown tag types")
	}
}
