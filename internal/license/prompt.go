package license

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/huh"
)

// Prompter asks the user for activation consent.
type Prompter interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
}

// HuhPrompter asks interactively in the terminal.
type HuhPrompter struct {
	// Accessible switches to a plain line-based prompt for screen readers
	// and dumb terminals.
	Accessible bool
	Input      io.Reader
	Output     io.Writer
}

// Confirm shows a yes/no form. An aborted form counts as no consent.
func (p HuhPrompter) Confirm(ctx context.Context, title, description string) (bool, error) {
	var consent bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Start trial").
				Negative("No thanks").
				Value(&consent),
		),
	).WithAccessible(p.Accessible)

	if p.Input != nil {
		form = form.WithInput(p.Input)
	}
	if p.Output != nil {
		form = form.WithOutput(p.Output)
	}

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return consent, nil
}

// StaticConsent answers every prompt with a fixed value. Used for
// non-interactive runs such as "activate -yes" and tests.
type StaticConsent bool

func (c StaticConsent) Confirm(context.Context, string, string) (bool, error) {
	return bool(c), nil
}
