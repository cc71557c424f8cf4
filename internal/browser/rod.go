package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodBrowser owns a Chromium instance controlled through go-rod.
type RodBrowser struct {
	browser *rod.Browser
}

// LaunchRod starts a local browser and connects to it.
func LaunchRod(headless bool) (*RodBrowser, error) {
	u, err := launcher.New().Headless(headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return &RodBrowser{browser: b}, nil
}

// NewPage opens a blank tab. A non-empty userAgent overrides the
// browser's own, with any "HeadlessChrome" marker replaced.
func (b *RodBrowser) NewPage(userAgent string) (*RodPage, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}

	if userAgent != "" {
		ua := strings.ReplaceAll(userAgent, "HeadlessChrome", "Chrome")
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			return nil, fmt.Errorf("setting user agent: %w", err)
		}
	}
	return &RodPage{page: p}, nil
}

// Close shuts the browser down.
func (b *RodBrowser) Close() error {
	return b.browser.Close()
}

// RodPage implements Page for a go-rod tab.
type RodPage struct {
	page *rod.Page
}

// Close closes the tab.
func (r *RodPage) Close() error {
	return r.page.Close()
}

// Navigate loads url and waits for the load event.
func (r *RodPage) Navigate(ctx context.Context, url string) error {
	p := r.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("waiting for %s to load: %w", url, err)
	}
	return nil
}

// finder is satisfied by *rod.Page and *rod.Element.
type finder interface {
	Element(selector string) (*rod.Element, error)
	ElementR(selector, jsRegex string) (*rod.Element, error)
	Has(selector string) (bool, *rod.Element, error)
	HasR(selector, jsRegex string) (bool, *rod.Element, error)
}

// lookupFunc resolves one locator segment inside f.
type lookupFunc func(f finder, loc Locator) (*rod.Element, error)

// Find resolves loc, descending through shadow roots and iframes for
// compound locators. A zero timeout checks every segment once.
func (r *RodPage) Find(ctx context.Context, loc Locator, timeout time.Duration) (Element, error) {
	segments := loc.Segments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty locator")
	}

	lookupCtx := ctx
	lookup := checkIn
	if timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		lookup = waitIn
	}

	el, err := walk(r.page.Context(lookupCtx), segments, lookup, descend)
	if err != nil {
		return nil, r.lookupErr(ctx, loc, err)
	}
	return &rodElement{el: el}, nil
}

// walk resolves segments in turn, entering each match before looking up
// the next segment.
func walk(
	root finder,
	segments []string,
	lookup lookupFunc,
	enter func(*rod.Element) (finder, error),
) (*rod.Element, error) {
	cur := root
	var el *rod.Element
	for i, seg := range segments {
		var err error
		el, err = lookup(cur, Locator(seg))
		if err != nil {
			return nil, err
		}
		if i == len(segments)-1 {
			break
		}
		cur, err = enter(el)
		if err != nil {
			return nil, err
		}
	}
	return el, nil
}

// waitIn waits for loc until the finder's context ends.
func waitIn(f finder, loc Locator) (*rod.Element, error) {
	if text, ok := loc.Text(); ok {
		return f.ElementR("*", regexp.QuoteMeta(text))
	}
	return f.Element(string(loc))
}

// checkIn looks loc up once, without waiting.
func checkIn(f finder, loc Locator) (*rod.Element, error) {
	var (
		ok  bool
		el  *rod.Element
		err error
	)
	if text, isText := loc.Text(); isText {
		ok, el, err = f.HasR("*", regexp.QuoteMeta(text))
	} else {
		ok, el, err = f.Has(string(loc))
	}
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", loc, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return el, nil
}

// descend moves into an iframe's document or an element's shadow root.
func descend(el *rod.Element) (finder, error) {
	tag, err := el.Property("tagName")
	if err != nil {
		return nil, fmt.Errorf("reading tag name: %w", err)
	}
	if strings.EqualFold(tag.Str(), "iframe") {
		frame, err := el.Frame()
		if err != nil {
			return nil, fmt.Errorf("entering iframe: %w", err)
		}
		return frame, nil
	}
	root, err := el.ShadowRoot()
	if err != nil {
		return nil, fmt.Errorf("entering shadow root: %w", err)
	}
	return root, nil
}

// lookupErr maps lookup timeouts to ErrNotFound unless the caller's own
// context has ended.
func (r *RodPage) lookupErr(ctx context.Context, loc Locator, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var notFound *rod.ElementNotFoundError
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	return fmt.Errorf("finding %s: %w", loc, err)
}

// Cookies lists cookies for the current page.
func (r *RodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := r.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return cookies, nil
}

// Eval runs script, which must be a function expression such as
// "() => navigator.userAgent".
func (r *RodPage) Eval(ctx context.Context, script string) (string, error) {
	res, err := r.page.Context(ctx).Eval(script)
	if err != nil {
		return "", fmt.Errorf("evaluating script: %w", err)
	}
	return res.Value.String(), nil
}

// Screenshot captures the viewport.
func (r *RodPage) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := r.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	return png, nil
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Input(ctx context.Context, text string) error {
	return e.el.Context(ctx).Input(text)
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}
