//go:build !linux && !darwin

package console

import "os"

// IsTerminal reports whether f is a terminal. Colors and prompts fall back to plain text on
// platforms without termios.
func IsTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
