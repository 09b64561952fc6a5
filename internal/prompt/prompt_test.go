// ABOUTME: Tests for the terminal and scripted prompt services
// ABOUTME: Drives the terminal prompt with in-memory readers

package prompt

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestDialogs(t *testing.T) {
	assert.Len(t, StoragePreferenceDialog().Options, 2)
	assert.Len(t, MergeDialog().Options, 2)
	assert.Len(t, SignOutDialog().Options, 1)

	d := CloudDisabledDialog("this laptop")
	require.Len(t, d.Options, 3)
	assert.Equal(t, "Keep on this laptop", d.Options[ChoiceKeepLocalData-1])
	assert.Equal(t, "Delete from this laptop", d.Options[ChoiceDiscardLocally-1])
	assert.Contains(t, d.Message, "this laptop")
}

func TestDialog_Validate(t *testing.T) {
	d := StoragePreferenceDialog()
	assert.NoError(t, d.Validate(ChoiceLocal))
	assert.NoError(t, d.Validate(ChoiceCloud))
	assert.ErrorIs(t, d.Validate(0), ErrInvalidChoice)
	assert.ErrorIs(t, d.Validate(3), ErrInvalidChoice)
}

func TestTerminal_ReasksOnInvalidInput(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("banana\n7\n2\n"), &out)

	choice, err := term.Choose(context.Background(), CloudDisabledDialog("this phone"))
	require.NoError(t, err)
	assert.Equal(t, 2, choice)

	text := out.String()
	assert.Contains(t, text, "You're not using the cloud")
	assert.Contains(t, text, "3) Delete from this phone")
	assert.Equal(t, 2, strings.Count(text, "Please enter a number between 1 and 3."))
}

func TestTerminal_Acknowledgement(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("\n"), &out)

	choice, err := term.Choose(context.Background(), SignOutDialog())
	require.NoError(t, err)
	assert.Equal(t, 1, choice)
	assert.Contains(t, out.String(), "press Enter")
}

func TestTerminal_AnswerWithoutTrailingNewline(t *testing.T) {
	term := NewTerminal(strings.NewReader("1"), io.Discard)

	choice, err := term.Choose(context.Background(), MergeDialog())
	require.NoError(t, err)
	assert.Equal(t, ChoiceMerge, choice)
}

func TestTerminal_EOF(t *testing.T) {
	term := NewTerminal(strings.NewReader(""), io.Discard)

	_, err := term.Choose(context.Background(), StoragePreferenceDialog())
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminal_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := term.Choose(ctx, StoragePreferenceDialog())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminal_AnswerAfterCancelReachesNextDialog(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := term.Choose(ctx, StoragePreferenceDialog())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { io.WriteString(w, "2\n") }()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	choice, err := term.Choose(ctx, StoragePreferenceDialog())
	require.NoError(t, err)
	assert.Equal(t, 2, choice)
}

func TestScripted(t *testing.T) {
	ctx := context.Background()
	s := NewScripted(ChoiceCloud, 9)

	choice, err := s.Choose(ctx, StoragePreferenceDialog())
	require.NoError(t, err)
	assert.Equal(t, ChoiceCloud, choice)

	// Acknowledgements do not consume a scripted answer.
	choice, err = s.Choose(ctx, SignOutDialog())
	require.NoError(t, err)
	assert.Equal(t, 1, choice)

	_, err = s.Choose(ctx, MergeDialog())
	assert.ErrorIs(t, err, ErrInvalidChoice)

	_, err = s.Choose(ctx, MergeDialog())
	assert.ErrorIs(t, err, ErrNoAnswer)

	assert.Equal(t, []Kind{StoragePreference, SignOut, Merge, Merge}, s.Kinds())
	assert.Len(t, s.Shown(), 4)
}
