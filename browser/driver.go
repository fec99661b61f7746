package browser

import (
	"context"
	"errors"
	"fmt"
)

// Driver is the external DOM-level browser capability consumed by Session.
// Implementations must tolerate repeated invocation of the same primitive
// (a double click is acceptable); Session relies on that to retry freely.
// All methods honor context deadlines.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	UploadFile(ctx context.Context, selector, path string) error

	// WaitVisible blocks until the selector resolves to a visible element
	// or the context expires. Used for presence probes.
	WaitVisible(ctx context.Context, selector string) error

	// Screenshot captures the page and returns the saved file path.
	Screenshot(ctx context.Context) (string, error)

	// ExtractStructure returns a textual snapshot of the page structure
	// (serialized DOM or accessibility tree).
	ExtractStructure(ctx context.Context) (string, error)

	Close(ctx context.Context) error
}

// ErrLocatorNotResolved reports that none of a locator's candidate
// selectors matched an element.
var ErrLocatorNotResolved = errors.New("locator did not resolve to an element")

// LocatorError wraps ErrLocatorNotResolved with the failing locator.
type LocatorError struct {
	Locator Locator
	Last    error
}

func (e *LocatorError) Error() string {
	return fmt.Sprintf("locator %q did not resolve (%d candidates tried): %v",
		e.Locator.Primary, len(e.Locator.Candidates()), e.Last)
}

func (e *LocatorError) Unwrap() error {
	return ErrLocatorNotResolved
}
