// Package browsertest provides a scriptable in-memory browser.Page.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/nhle/provisioner/internal/browser"
)

// Page is a fake browser.Page. Elements are present when Present says so
// or when OnFind returns true; every lookup is counted per locator.
type Page struct {
	mu sync.Mutex

	Present map[browser.Locator]bool

	// OnFind, when set, decides presence. n is the 1-based number of
	// lookups made so far for loc.
	OnFind func(loc browser.Locator, n int) (bool, error)

	// OnClick runs after an element is clicked.
	OnClick func(loc browser.Locator)

	// OnNavigate runs after a navigation is recorded.
	OnNavigate func(url string)

	Finds     map[browser.Locator]int
	Elements  map[browser.Locator]*Element
	Navigated []string
	Scripts   []string

	CookieJar  []browser.Cookie
	CookiesErr error
	EvalResult string
	EvalErr    error
	Shots      int
	Closed     bool
}

// NewPage returns an empty fake page.
func NewPage() *Page {
	return &Page{
		Present:  make(map[browser.Locator]bool),
		Finds:    make(map[browser.Locator]int),
		Elements: make(map[browser.Locator]*Element),
	}
}

// Set marks loc present or absent.
func (p *Page) Set(loc browser.Locator, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Present[loc] = present
}

// FindCount returns how many times loc was looked up.
func (p *Page) FindCount(loc browser.Locator) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Finds[loc]
}

// Element returns the element recorded for loc, creating it if needed.
func (p *Page) Element(loc browser.Locator) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.element(loc)
}

func (p *Page) element(loc browser.Locator) *Element {
	el, ok := p.Elements[loc]
	if !ok {
		el = &Element{Loc: loc, page: p}
		p.Elements[loc] = el
	}
	return el
}

// Navigate records url.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.Navigated = append(p.Navigated, url)
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	return nil
}

// Find implements browser.Page.
func (p *Page) Find(_ context.Context, loc browser.Locator, _ time.Duration) (browser.Element, error) {
	p.mu.Lock()
	p.Finds[loc]++
	n := p.Finds[loc]
	ok := p.Present[loc]
	hook := p.OnFind
	p.mu.Unlock()

	if hook != nil {
		var err error
		ok, err = hook(loc, n)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, browser.ErrNotFound
	}
	return p.Element(loc), nil
}

// Cookies implements browser.Page.
func (p *Page) Cookies(context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CookieJar, p.CookiesErr
}

// Eval records script and returns EvalResult.
func (p *Page) Eval(_ context.Context, script string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scripts = append(p.Scripts, script)
	return p.EvalResult, p.EvalErr
}

// Screenshot returns a placeholder image.
func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Shots++
	return []byte("png"), nil
}

// Close marks the page closed.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Element is a fake browser.Element that records interactions.
type Element struct {
	Loc       browser.Locator
	Clicks    int
	Inputs    []string
	TextValue string
	ClickErr  error

	page *Page
}

// Click implements browser.Element.
func (e *Element) Click(context.Context) error {
	e.page.mu.Lock()
	if e.ClickErr != nil {
		e.page.mu.Unlock()
		return e.ClickErr
	}
	e.Clicks++
	hook := e.page.OnClick
	e.page.mu.Unlock()

	if hook != nil {
		hook(e.Loc)
	}
	return nil
}

// Input implements browser.Element.
func (e *Element) Input(_ context.Context, text string) error {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	e.Inputs = append(e.Inputs, text)
	return nil
}

// Text implements browser.Element.
func (e *Element) Text(context.Context) (string, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.TextValue, nil
}

// Evidence records captured stages.
type Evidence struct {
	mu     sync.Mutex
	Stages []string
}

// Capture implements browser.Evidence.
func (e *Evidence) Capture(_ context.Context, _ browser.Page, stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stages = append(e.Stages, stage)
}
