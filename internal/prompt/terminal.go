// ABOUTME: Interactive terminal prompt with colorized dialogs
// ABOUTME: Re-asks on invalid input; a single-option dialog only waits for Enter

package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Terminal asks questions on a terminal.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer

	// A single reader goroutine owns in and hands lines over on lines.
	start   sync.Once
	lines   chan string
	readErr error // set before lines is closed
}

// NewTerminal reads answers from in and writes dialogs to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

// Choose shows d and blocks until a valid answer, EOF, or ctx is done.
func (t *Terminal) Choose(ctx context.Context, d Dialog) (int, error) {
	if len(d.Options) == 0 {
		return 0, fmt.Errorf("dialog %s has no options", d.Kind)
	}

	bold := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(t.out)
	bold.Fprintln(t.out, "  "+d.Title)
	fmt.Fprintf(t.out, "  %s\n\n", d.Message)

	if len(d.Options) == 1 {
		gray.Fprintf(t.out, "  [%s] press Enter ", d.Options[0])
		if _, err := t.readLine(ctx); err != nil {
			return 0, err
		}
		return 1, nil
	}

	for i, opt := range d.Options {
		fmt.Fprintf(t.out, "    %d) %s\n", i+1, opt)
	}

	for {
		gray.Fprintf(t.out, "  Choice [1-%d]: ", len(d.Options))
		line, err := t.readLine(ctx)
		if err != nil {
			return 0, err
		}
		choice, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && d.Validate(choice) == nil {
			return choice, nil
		}
		yellow.Fprintf(t.out, "  Please enter a number between 1 and %d.\n", len(d.Options))
	}
}

func (t *Terminal) readLoop() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if err != nil {
			if line != "" {
				t.lines <- line
			}
			t.readErr = err
			return
		}
		t.lines <- line
	}
}

// readLine reads one line without outliving ctx. A line that arrives after
// a cancelled read is kept for the next call.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.start.Do(func() { go t.readLoop() })

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return "", fmt.Errorf("reading answer: %w", t.readErr)
		}
		return line, nil
	}
}
