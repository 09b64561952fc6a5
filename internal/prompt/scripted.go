// ABOUTME: Scripted prompt service answering from a fixed list of choices
// ABOUTME: Records every dialog shown so callers can assert on prompts

package prompt

import (
	"context"
	"errors"
	"sync"
)

// ErrNoAnswer is returned when a scripted prompt runs out of choices.
var ErrNoAnswer = errors.New("no scripted answer left")

// Scripted answers dialogs with preset choices in order. Single-option
// dialogs are acknowledged without consuming a choice.
type Scripted struct {
	mu      sync.Mutex
	choices []int
	shown   []Dialog
}

// NewScripted creates a prompt that answers with choices in order.
func NewScripted(choices ...int) *Scripted {
	return &Scripted{choices: choices}
}

func (s *Scripted) Choose(ctx context.Context, d Dialog) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, d)

	if len(d.Options) == 1 {
		return 1, nil
	}
	if len(s.choices) == 0 {
		return 0, ErrNoAnswer
	}
	choice := s.choices[0]
	s.choices = s.choices[1:]
	if err := d.Validate(choice); err != nil {
		return 0, err
	}
	return choice, nil
}

// Shown returns the dialogs shown so far.
func (s *Scripted) Shown() []Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dialog(nil), s.shown...)
}

// Kinds returns the kinds of the dialogs shown so far.
func (s *Scripted) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]Kind, len(s.shown))
	for i, d := range s.shown {
		kinds[i] = d.Kind
	}
	return kinds
}
