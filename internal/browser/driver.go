// Package browser defines the contract the provisioner needs from a
// browser-control collaborator, plus a go-rod implementation of it.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Page.Find when no element matches within the
// lookup timeout. Absence is an expected outcome, never a driver fault.
var ErrNotFound = errors.New("element not found")

// IsNotFound reports whether err marks element absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Locator addresses an element. Forms:
//
//	input[name=email]            CSS selector
//	text:Account Settings        element whose visible text contains the string
//	#widget >>> iframe >>> input  descend through shadow roots / iframes
type Locator string

const (
	textPrefix   = "text:"
	segmentSplit = ">>>"
)

// Text returns the visible-text needle and true for text: locators.
func (l Locator) Text() (string, bool) {
	s := string(l)
	if !strings.HasPrefix(s, textPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, textPrefix), true
}

// Segments splits a compound locator into its trimmed parts.
func (l Locator) Segments() []string {
	parts := strings.Split(string(l), segmentSplit)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Cookie is a browser cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Element is an interactable DOM element.
type Element interface {
	Click(ctx context.Context) error
	Input(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
}

// Page is the subset of browser control the provisioner drives.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// Find looks up loc for at most timeout. A zero timeout checks once.
	// It returns ErrNotFound when nothing matches.
	Find(ctx context.Context, loc Locator, timeout time.Duration) (Element, error)

	// Cookies lists the cookies visible to the current page.
	Cookies(ctx context.Context) ([]Cookie, error)

	// Eval runs a JavaScript function expression and returns its result
	// rendered as a string.
	Eval(ctx context.Context, script string) (string, error)

	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Tab is a Page that owns a browser tab.
type Tab interface {
	Page
	Close() error
}

// Present reports whether loc currently matches. Lookup faults are returned.
func Present(ctx context.Context, p Page, loc Locator, timeout time.Duration) (bool, error) {
	if loc == "" {
		return false, nil
	}
	_, err := p.Find(ctx, loc, timeout)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}
