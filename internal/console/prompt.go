package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter asks [Y/N] questions on a terminal. It implements core.Confirmer.
type Prompter struct {
	mu    sync.Mutex
	in    *bufio.Reader
	out   io.Writer
	color bool
}

// NewPrompter reads answers from in and writes prompts to out.
func NewPrompter(in io.Reader, out io.Writer, color bool) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, color: color}
}

// Confirm prints prompt followed by [Y/N] and reads one line. Only an answer starting with
// Y or y confirms. End of input declines.
func (p *Prompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	q := fmt.Sprintf(">>> %s [Y/N]: ", prompt)
	if p.color {
		q = Yellow + q + Reset
	}
	fmt.Fprint(p.out, q)

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.TrimSpace(line)
	if errors.Is(err, io.EOF) && answer == "" {
		fmt.Fprintln(p.out)
		return false, nil
	}
	return strings.HasPrefix(answer, "Y") || strings.HasPrefix(answer, "y"), nil
}
