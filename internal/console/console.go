// Package console renders engine results for a terminal and reads operator confirmations.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/SimplyPrint/srix-agent/internal/core"
)

// ANSI escape sequences.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
)

// ColorEnabled reports whether f should receive ANSI colors: it must be a terminal and
// NO_COLOR must be unset.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return IsTerminal(f)
}

// Printer writes human-readable reports.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + Reset
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Blocks prints every block of img with its label, in one or two columns.
func (p *Printer) Blocks(img *core.Image, columns int) {
	n := img.Profile().BlockCount
	if columns != 2 {
		for i := 0; i < n; i++ {
			addr := core.Address(i)
			p.printf("[%02X] %s%s\n", i, img.Block(addr), p.paint(Dim, " --- "+core.Label(addr)))
		}
		return
	}

	width := 0
	for i := 0; i < n; i += 2 {
		if l := len(core.Label(core.Address(i))); l > width {
			width = l
		}
	}
	for i := 0; i+1 < n; i += 2 {
		left, right := core.Address(i), core.Address(i+1)
		p.printf("%s[%02X] %s  %s [%02X]%s\n",
			p.paint(Dim, fmt.Sprintf("%*s --- ", width, core.Label(left))),
			i, img.Block(left), img.Block(right), i+1,
			p.paint(Dim, " --- "+core.Label(right)))
	}
}

// Block prints a single block line, as shown while reading a tag.
func (p *Printer) Block(addr core.Address, b core.Block) {
	p.printf("[%02X] %s%s\n", uint16(addr), b, p.paint(Dim, " --- "+core.Label(addr)))
}

// TagInfo prints the decoded UID and System Block as a tree.
func (p *Printer) TagInfo(info *core.TagInfo) {
	u := info.UID
	p.printf("UID: %s\n", u.Hex())
	p.printf("├── Prefix: %02X\n", u.Prefix)
	p.printf("├── IC manufacturer code: %02X (%s)\n", u.Manufacturer, u.ManufacturerName())
	p.printf("├── IC code: %s [%d]\n", u.ICCodeBits, u.ICCode)
	p.printf("├── 42bit UID Binary:  %s\n", u.SerialBits)
	p.printf("└── Serial number: %d\n", u.Serial)

	if info.System == nil {
		return
	}
	s := info.System
	p.printf("\nSystem block: %02X %02X %02X %02X\n", s.Raw[3], s.Raw[2], s.Raw[1], s.Raw[0])
	p.printf("├── CHIP_ID: %02X\n", s.ChipID)
	p.printf("├── ST reserved: %04X\n", s.Reserved)
	p.printf("└── OTP_Lock_Reg:\n")
	for i, lb := range s.LockBits {
		branch := "├──"
		if i == len(s.LockBits)-1 {
			branch = "└──"
		}
		verb := "is"
		if len(lb.Blocks) > 1 {
			verb = "are"
		}
		state := p.paint(Green, "unlocked")
		value := 1
		if lb.Locked {
			state = p.paint(Red, "LOCKED")
			value = 0
		}
		p.printf("    %s b%d = %d - %s %s %s\n", branch, lb.Bit, value, lb.Label(), verb, state)
	}
}

// Preview prints the block differences about to be written.
func (p *Printer) Preview(ops []core.WriteOp) {
	for _, op := range ops {
		p.printf("[%02X] %08X -> %08X\n", uint16(op.Address), op.Old, op.New)
	}
}

// WriteResult summarizes a finished write.
func (p *Printer) WriteResult(res *core.WriteResult) {
	if res.Outcome == core.OutcomeAlreadyProgrammed {
		p.printf("This dump is already written to this NFC tag.\n")
		return
	}
	p.printf("%s %d block(s) written.\n", p.paint(Green, "Done:"), res.Applied.Len())
	if len(res.Skipped) > 0 {
		addrs := make([]string, len(res.Skipped))
		for i, op := range res.Skipped {
			addrs[i] = fmt.Sprintf("%02X", uint16(op.Address))
		}
		p.printf("%s OTP area left unchanged (blocks %s).\n", p.paint(Yellow, "Skipped:"), strings.Join(addrs, " "))
	}
}

// OTPReset summarizes an OTP reset.
func (p *Printer) OTPReset(res *core.OTPResetResult) {
	if res.Outcome == core.OutcomeAlreadyReset {
		p.printf("OTP blocks are already reset (%d resets available).\n", res.State.ResetsAvailable())
		return
	}
	p.printf("%s OTP blocks reset. Resets remaining: %d (was %d).\n",
		p.paint(Green, "Done:"), res.Reset.Remaining, res.Reset.Current)
}

// Error prints a red ERROR: prefixed message.
func (p *Printer) Error(err error) {
	p.printf("%s%v\n", p.paint(Bold+Red, "ERROR: "), err)
}

// Warning prints a yellow WARNING: prefixed message.
func (p *Printer) Warning(msg string) {
	p.printf("%s%s\n", p.paint(Bold+Yellow, "WARNING: "), msg)
}
