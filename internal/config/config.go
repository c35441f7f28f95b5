package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/SimplyPrint/srix-agent/internal/core"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "config"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// Reader drivers.
const (
	DriverLibNFC   = "libnfc"
	DriverPCSC     = "pcsc"
	DriverEmulator = "emulator"
)

// Config holds the runtime configuration.
type Config struct {
	TagType          string // x4k or 512
	PrintColumns     int    // 1 or 2
	Verbose          bool
	SkipConfirmation bool
	Driver           string
	Device           string // Driver-specific connection string, empty for the first device
	EmulatorFile     string // Dump backing the emulator driver
	Host             string
	Port             int

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TagType:      "x4k",
		PrintColumns: 1,
		Driver:       DriverLibNFC,
		Host:         DefaultHost,
		Port:         DefaultPort,
	}
}

// Load reads the config file at path (a missing file is not an error) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		if err := cfg.Parse(f); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	cfg.normalize()
	return cfg, nil
}

// Parse reads "key=value;" lines. Blank lines and lines starting with '#' are skipped.
// Unknown keys are reported as warnings.
func (c *Config) Parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSuffix(line, ";")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("line %d: expected key=value;", lineNo)
		}
		if err := c.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func (c *Config) set(key, value string) error {
	switch key {
	case "tag_type":
		c.TagType = value
	case "print_columns":
		n, err := strconv.Atoi(value)
		if err != nil {
			n = 0
		}
		c.PrintColumns = n
	case "verbose":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("verbose: %w", err)
		}
		c.Verbose = b
	case "skip_confirmation":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("skip_confirmation: %w", err)
		}
		c.SkipConfirmation = b
	case "driver":
		c.Driver = strings.ToLower(value)
	case "device":
		c.Device = value
	case "emulator_file":
		c.EmulatorFile = value
	case "host":
		c.Host = value
	case "port":
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		c.Port = p
	default:
		c.Warnings = append(c.Warnings, fmt.Sprintf("unknown config key %q", key))
	}
	return nil
}

// ApplyEnv applies SRIX_* environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SRIX_TAG_TYPE"); v != "" {
		c.TagType = v
	}
	if v := os.Getenv("SRIX_DRIVER"); v != "" {
		c.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("SRIX_DEVICE"); v != "" {
		c.Device = v
	}
	if v := os.Getenv("SRIX_EMULATOR_FILE"); v != "" {
		c.EmulatorFile = v
	}
	if v := os.Getenv("SRIX_VERBOSE"); v != "" {
		if b, err := parseBool(v); err == nil {
			c.Verbose = b
		}
	}
	if v := os.Getenv("SRIX_SKIP_CONFIRMATION"); v != "" {
		if b, err := parseBool(v); err == nil {
			c.SkipConfirmation = b
		}
	}
	if v := os.Getenv("SRIX_AGENT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SRIX_AGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

// normalize replaces out-of-range values by defaults and records a warning.
func (c *Config) normalize() {
	if c.PrintColumns != 1 && c.PrintColumns != 2 {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"invalid number of columns %d, must be 1 or 2: using 1", c.PrintColumns))
		c.PrintColumns = 1
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid port %d: using %d", c.Port, DefaultPort))
		c.Port = DefaultPort
	}
}

// Validate checks the fields that cannot fall back to a default.
func (c *Config) Validate() error {
	if _, err := c.Profile(); err != nil {
		return err
	}
	switch c.Driver {
	case DriverLibNFC, DriverPCSC, DriverEmulator:
	default:
		return fmt.Errorf("unknown driver %q (expected %s, %s or %s)",
			c.Driver, DriverLibNFC, DriverPCSC, DriverEmulator)
	}
	return nil
}

// Profile resolves TagType.
func (c *Config) Profile() (core.TagProfile, error) {
	return core.ProfileByName(c.TagType)
}

// Address returns the agent listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
