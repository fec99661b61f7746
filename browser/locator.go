// Package browser defines the retry-safe interaction contract between the
// workflow engine and a DOM-level browser driver. The driver implements the
// raw primitives; Session adds bounded retries, jittered pacing, and
// ordered locator fallback.
package browser

// Locator is an abstract reference to a page element: a primary selector
// plus an ordered list of fallbacks tried when the primary fails to
// resolve. Selectors are CSS by convention; drivers may also accept XPath.
type Locator struct {
	Primary   string   `json:"primary" yaml:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// Loc is a convenience constructor.
func Loc(primary string, fallbacks ...string) Locator {
	return Locator{Primary: primary, Fallbacks: fallbacks}
}

// Candidates returns the selectors to try, in order.
func (l Locator) Candidates() []string {
	if l.Primary == "" {
		return append([]string(nil), l.Fallbacks...)
	}
	return append([]string{l.Primary}, l.Fallbacks...)
}

// IsZero reports whether the locator references nothing.
func (l Locator) IsZero() bool {
	return l.Primary == "" && len(l.Fallbacks) == 0
}

func (l Locator) String() string {
	return l.Primary
}
