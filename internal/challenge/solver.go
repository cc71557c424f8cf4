// Package challenge drives a browser page through a bot-mitigation
// challenge widget and detects when the page has moved past it.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/pace"
)

// Status is the outcome class of a Solve call.
type Status int

const (
	NotYetSolved Status = iota
	Solved
	Failed
)

func (s Status) String() string {
	switch s {
	case Solved:
		return "solved"
	case Failed:
		return "failed"
	default:
		return "not_yet_solved"
	}
}

// Result reports how a Solve call ended. Signal names the success signal
// that matched when Status is Solved; Reason explains a failure.
type Result struct {
	Status Status
	Signal string
	Reason string
}

// Solved reports whether the challenge was passed.
func (r Result) Solved() bool {
	return r.Status == Solved
}

// Signal is a page state whose presence means the challenge is behind us.
type Signal struct {
	Name    string
	Locator browser.Locator
}

// Error is a driver fault raised while solving. Verification that simply
// has not succeeded yet is never an Error.
type Error struct {
	Attempt int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge driver fault on attempt %d: %v", e.Attempt, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError reports whether err (or any error in its chain) is a challenge Error.
func IsError(err error) bool {
	var chErr *Error
	return errors.As(err, &chErr)
}

// Options configures a Solver.
type Options struct {
	// Widget locates the interactive element of the challenge.
	Widget browser.Locator

	// Signals are checked in order; the first present one wins.
	Signals []Signal

	// WidgetTimeout bounds each widget lookup.
	WidgetTimeout time.Duration

	// PreClick is the jitter before interacting with the widget.
	PreClick pace.Range

	// PostClick is the fixed wait between interacting and checking.
	PostClick time.Duration
}

// DefaultOptions returns the standard timings with the given locators.
func DefaultOptions(widget browser.Locator, signals []Signal) Options {
	return Options{
		Widget:        widget,
		Signals:       signals,
		WidgetTimeout: 2 * time.Second,
		PreClick:      pace.Range{Min: time.Second, Max: 3 * time.Second},
		PostClick:     2 * time.Second,
	}
}

// Solver runs the bounded challenge loop against one page.
type Solver struct {
	page     browser.Page
	opts     Options
	pacer    *pace.Pacer
	evidence browser.Evidence
	log      logging.Logger
}

// NewSolver creates a Solver. A nil evidence sink disables screenshots.
func NewSolver(
	page browser.Page,
	opts Options,
	pacer *pace.Pacer,
	evidence browser.Evidence,
	log logging.Logger,
) *Solver {
	if evidence == nil {
		evidence = browser.NopEvidence{}
	}
	return &Solver{
		page:     page,
		opts:     opts,
		pacer:    pacer,
		evidence: evidence,
		log:      log.With("component", "challenge"),
	}
}

// Detect checks the success signals in order and returns the first one
// present on the page.
func (s *Solver) Detect(ctx context.Context) (Signal, bool, error) {
	for _, sig := range s.opts.Signals {
		ok, err := browser.Present(ctx, s.page, sig.Locator, 0)
		if err != nil {
			return Signal{}, false, fmt.Errorf("checking signal %s: %w", sig.Name, err)
		}
		if ok {
			return sig, true, nil
		}
	}
	return Signal{}, false, nil
}

// Solve tries up to maxRetries times to pass the challenge, sleeping a
// random duration from interval between attempts. Exhaustion is reported
// as a Failed result with a nil error; only driver faults return an *Error.
func (s *Solver) Solve(
	ctx context.Context, maxRetries int, interval pace.Range,
) (Result, error) {
	s.log.Info(ctx, "detecting challenge", "max_retries", maxRetries)
	s.evidence.Capture(ctx, s.page, "start")

	for attempt := 1; attempt <= maxRetries; attempt++ {
		s.log.Debug(ctx, "challenge attempt", "attempt", attempt)

		clicked, err := s.interact(ctx)
		if err != nil {
			return s.fault(ctx, attempt, err)
		}
		if clicked {
			s.evidence.Capture(ctx, s.page, "clicked")
		}

		sig, ok, err := s.Detect(ctx)
		if err != nil {
			return s.fault(ctx, attempt, err)
		}
		if ok {
			s.log.Info(ctx, "challenge passed", "signal", sig.Name, "attempt", attempt)
			if clicked {
				s.evidence.Capture(ctx, s.page, "success")
			}
			return Result{Status: Solved, Signal: sig.Name}, nil
		}

		if attempt < maxRetries {
			if err := s.pacer.Between(ctx, interval); err != nil {
				return Result{Status: Failed, Reason: err.Error()}, err
			}
		}
	}

	s.log.Error(ctx, "challenge not passed", "max_retries", maxRetries)
	s.evidence.Capture(ctx, s.page, "failed")
	return Result{
		Status: Failed,
		Reason: fmt.Sprintf("not passed after %d attempts", maxRetries),
	}, nil
}

// interact clicks the widget if it is on the page. An absent widget is
// not an error: the challenge may be missing or already passed.
func (s *Solver) interact(ctx context.Context) (bool, error) {
	if s.opts.Widget == "" {
		return false, nil
	}

	el, err := s.page.Find(ctx, s.opts.Widget, s.opts.WidgetTimeout)
	if browser.IsNotFound(err) {
		s.log.Debug(ctx, "challenge widget not present")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locating widget: %w", err)
	}

	s.log.Info(ctx, "challenge widget detected")
	if err := s.pacer.Between(ctx, s.opts.PreClick); err != nil {
		return false, err
	}
	if err := el.Click(ctx); err != nil {
		return false, fmt.Errorf("clicking widget: %w", err)
	}
	if err := s.pacer.Sleep(ctx, s.opts.PostClick); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Solver) fault(ctx context.Context, attempt int, err error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Status: Failed, Reason: ctxErr.Error()}, ctxErr
	}
	s.log.Error(ctx, "challenge driver fault", "attempt", attempt, "error", err)
	s.evidence.Capture(ctx, s.page, "error")
	return Result{Status: Failed, Reason: err.Error()}, &Error{Attempt: attempt, Err: err}
}
