// ABOUTME: Prompt service interface and the dialogs the persistence manager shows
// ABOUTME: Choices are 1-based indexes into a dialog's options

package prompt

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidChoice is returned when a choice is outside a dialog's options.
var ErrInvalidChoice = errors.New("invalid choice")

// Kind identifies a dialog.
type Kind int

const (
	// StoragePreference asks where documents should live.
	StoragePreference Kind = iota
	// CloudDisabled asks what to do with cloud documents when local
	// storage was chosen.
	CloudDisabled
	// SignOut acknowledges that the cloud account went away or changed.
	SignOut
	// Merge asks whether to merge the local store into an existing cloud store.
	Merge
)

func (k Kind) String() string {
	switch k {
	case StoragePreference:
		return "storage_preference"
	case CloudDisabled:
		return "cloud_disabled"
	case SignOut:
		return "sign_out"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}

// Dialog is one question with its options.
type Dialog struct {
	Kind    Kind
	Title   string
	Message string
	Options []string
}

// Validate reports whether choice selects one of the options.
func (d Dialog) Validate(choice int) error {
	if choice < 1 || choice > len(d.Options) {
		return fmt.Errorf("%w: %d not in 1..%d for %s", ErrInvalidChoice, choice, len(d.Options), d.Kind)
	}
	return nil
}

// Service shows a dialog and waits for the user's choice.
type Service interface {
	Choose(ctx context.Context, d Dialog) (int, error)
}

// Storage preference choices.
const (
	ChoiceLocal = 1
	ChoiceCloud = 2
)

// Cloud-disabled choices.
const (
	ChoiceKeepCloud      = 1
	ChoiceKeepLocalData  = 2
	ChoiceDiscardLocally = 3
)

// Merge choices.
const (
	ChoiceMerge = 1
	ChoiceSkip  = 2
)

// StoragePreferenceDialog asks where documents should be stored.
func StoragePreferenceDialog() Dialog {
	return Dialog{
		Kind:    StoragePreference,
		Title:   "Choose Storage Option",
		Message: "Should documents be stored in the cloud or on just this device?",
		Options: []string{"Local only", "Cloud"},
	}
}

// CloudDisabledDialog asks what to do with cloud documents after local
// storage was chosen. device names this device in the options.
func CloudDisabledDialog(device string) Dialog {
	return Dialog{
		Kind:    CloudDisabled,
		Title:   "You're not using the cloud",
		Message: fmt.Sprintf("What would you like to do with documents currently on %s?", device),
		Options: []string{
			"Keep using the cloud",
			fmt.Sprintf("Keep on %s", device),
			fmt.Sprintf("Delete from %s", device),
		},
	}
}

// SignOutDialog tells the user the cloud account they used is gone.
func SignOutDialog() Dialog {
	return Dialog{
		Kind:    SignOut,
		Title:   "Cloud Sign-Out",
		Message: "You have signed out of the cloud account previously used to store documents. Sign back in to access those documents.",
		Options: []string{"OK"},
	}
}

// MergeDialog asks whether to merge local documents into the cloud store.
func MergeDialog() Dialog {
	return Dialog{
		Kind:    Merge,
		Title:   "Merge Documents",
		Message: "Documents exist both on this device and in the cloud. Merge local documents into the cloud?",
		Options: []string{"Merge", "Skip"},
	}
}
