package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSendInProgress is returned when a dispatch is attempted while another one
// is still in flight, concurrent sends are rejected rather than queued
var ErrSendInProgress = errors.New("a batch send is already in progress")

// ErrNoRecipients is returned when a dispatch is attempted with no recipient selected
var ErrNoRecipients = errors.New("no recipients selected")

// ErrNoMessageText is returned when a text dispatch is attempted with empty text
var ErrNoMessageText = errors.New("no message text entered")

// ErrNoTemplate is returned when a template dispatch is attempted with no template selected
var ErrNoTemplate = errors.New("no template selected")

// IncompleteBindingsError is returned when a template dispatch is attempted
// with placeholder indices left unbound, it names every missing parameter
type IncompleteBindingsError struct {
	Missing []int
}

func (e *IncompleteBindingsError) Error() string {
	params := make([]string, len(e.Missing))
	for i, n := range e.Missing {
		params[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("missing values for template parameters: %s", strings.Join(params, ", "))
}

// EligibilityError blocks a text dispatch when some or all selected recipients
// are outside the session window. It always names the ineligible addresses so
// the caller can restrict the target set explicitly, the engine never silently
// drops recipients.
type EligibilityError struct {
	// Partial is true when an eligible subset exists but was not sent to
	Partial    bool
	Ineligible []string
}

func (e *EligibilityError) Error() string {
	if e.Partial {
		return fmt.Sprintf("some selected recipients are outside the 24 hour session window: %s", strings.Join(e.Ineligible, ", "))
	}
	return "none of the selected recipients have sent a message in the last 24 hours"
}
