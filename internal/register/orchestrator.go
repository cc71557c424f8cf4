// Package register drives one account registration through the target
// site: identity and password forms, the bot-mitigation challenge, email
// verification and session credential acquisition.
package register

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/challenge"
	"github.com/nhle/provisioner/internal/identity"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/mail"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

// ChallengeSolver passes the bot-mitigation challenge. *challenge.Solver
// implements it.
type ChallengeSolver interface {
	Solve(ctx context.Context, maxRetries int, interval pace.Range) (challenge.Result, error)
}

// Recorder persists successfully provisioned accounts.
type Recorder interface {
	SaveAccount(ctx context.Context, account model.Account) error
}

// Outcome is the result of one registration attempt.
type Outcome struct {
	Success     bool
	Identity    identity.Identity
	Strategy    model.StrategyKind
	Credentials Credentials

	// Usage is the raw usage text from the settings page; UsageLimit is
	// its last "/"-separated segment.
	Usage      string
	UsageLimit string

	Reason string
}

// Locators address the site's form elements.
type Locators struct {
	FirstName  browser.Locator
	LastName   browser.Locator
	Email      browser.Locator
	Password   browser.Locator
	Submit     browser.Locator
	EmailInUse browser.Locator
	Complete   browser.Locator
	Usage      browser.Locator

	// CodeInput is a format with one %d verb for the digit index.
	CodeInput string
}

// CodeDigit returns the locator of the i-th code input.
func (l Locators) CodeDigit(i int) browser.Locator {
	return browser.Locator(fmt.Sprintf(l.CodeInput, i))
}

// Options configures an Orchestrator.
type Options struct {
	SignupURL   string
	LoginURL    string
	SettingsURL string
	Locators    Locators

	ChallengeRetries  int
	ChallengeInterval pace.Range

	FieldTimeout  time.Duration
	SignalTimeout time.Duration
	FieldPause    pace.Range

	CodeChecks        int
	CodeCheckInterval time.Duration
	DigitPause        pace.Range

	MailAttempts int
	MailInterval time.Duration

	SettleDelay pace.Range
	SessionWait time.Duration
}

// OptionsFromConfig maps the application config onto orchestrator options
// with the standard timings.
func OptionsFromConfig(cfg *model.AppConfig) Options {
	site := cfg.Site
	return Options{
		SignupURL:   site.SignupURL,
		LoginURL:    site.LoginURL,
		SettingsURL: site.SettingsURL,
		Locators: Locators{
			FirstName:  browser.Locator(site.FirstNameInput),
			LastName:   browser.Locator(site.LastNameInput),
			Email:      browser.Locator(site.EmailInput),
			Password:   browser.Locator(site.PasswordInput),
			Submit:     browser.Locator(site.SubmitButton),
			EmailInUse: browser.Locator(site.EmailInUse),
			Complete:   browser.Locator(site.CompleteSignal),
			Usage:      browser.Locator(site.UsageLocator),
			CodeInput:  site.CodeInputPrefix,
		},
		ChallengeRetries: cfg.Challenge.MaxRetries,
		ChallengeInterval: pace.Range{
			Min: time.Duration(cfg.Challenge.RetryMinMs) * time.Millisecond,
			Max: time.Duration(cfg.Challenge.RetryMaxMs) * time.Millisecond,
		},
		FieldTimeout:      10 * time.Second,
		SignalTimeout:     2 * time.Second,
		FieldPause:        pace.Range{Min: time.Second, Max: 3 * time.Second},
		CodeChecks:        30,
		CodeCheckInterval: time.Second,
		DigitPause:        pace.Range{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond},
		MailAttempts:      cfg.Mail.MaxAttempts,
		MailInterval:      time.Duration(cfg.Mail.RetryIntervalSec) * time.Second,
		SettleDelay:       pace.Range{Min: 3 * time.Second, Max: 6 * time.Second},
		SessionWait:       5 * time.Second,
	}
}

// Orchestrator sequences a registration attempt on one page. It is used
// for a single attempt at a time.
type Orchestrator struct {
	page     browser.Page
	solver   ChallengeSolver
	mail     mail.Backend
	strategy Strategy
	recorder Recorder
	pacer    *pace.Pacer
	log      logging.Logger
	opts     Options
}

// NewOrchestrator creates an Orchestrator. recorder may be nil.
func NewOrchestrator(
	page browser.Page,
	solver ChallengeSolver,
	backend mail.Backend,
	strategy Strategy,
	recorder Recorder,
	opts Options,
	pacer *pace.Pacer,
	log logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		page:     page,
		solver:   solver,
		mail:     backend,
		strategy: strategy,
		recorder: recorder,
		pacer:    pacer,
		log:      log.With("component", "register"),
		opts:     opts,
	}
}

// Register runs one attempt for id. A failed attempt is an Outcome with
// Success false and a Reason. An error is returned only for faults that
// make continuing pointless: cancellation, navigation failure, a
// challenge driver fault or a fatal mail error.
func (o *Orchestrator) Register(ctx context.Context, id identity.Identity) (Outcome, error) {
	out := Outcome{Identity: id, Strategy: o.strategy.Kind()}
	o.log.Info(ctx, "starting registration", "email", id.Email, "strategy", out.Strategy)

	if err := o.page.Navigate(ctx, o.opts.SignupURL); err != nil {
		return out, fmt.Errorf("opening signup page: %w", err)
	}

	if err := o.submitIdentity(ctx, id); err != nil {
		return o.abort(ctx, out, "signup form unavailable", err)
	}
	if err := o.solveChallenge(ctx, "identity"); err != nil {
		return out, err
	}
	if err := o.submitPassword(ctx, id.Password); err != nil {
		return o.abort(ctx, out, "password could not be set", err)
	}

	inUse, err := browser.Present(ctx, o.page, o.opts.Locators.EmailInUse, o.opts.SignalTimeout)
	if err != nil {
		o.log.Warn(ctx, "email-in-use check failed", "error", err)
	}
	if inUse {
		o.log.Warn(ctx, "email already registered, logging in instead", "email", id.Email)
		if err := o.loginInstead(ctx, id); err != nil {
			if isFatal(err) {
				return out, err
			}
			return o.abort(ctx, out, "password could not be set", err)
		}
	}

	if err := o.solveChallenge(ctx, "password"); err != nil {
		return out, err
	}

	out, err = o.finish(ctx, out)
	if err != nil || !out.Success {
		return out, err
	}
	o.log.Info(ctx, "registration complete", "email", id.Email, "usage_limit", out.UsageLimit)
	o.record(ctx, out)
	return out, nil
}

// SignIn logs an existing account in through the login form and obtains
// fresh session credentials for it. It never saves the account; failures
// are reported the same way as for Register.
func (o *Orchestrator) SignIn(ctx context.Context, id identity.Identity) (Outcome, error) {
	out := Outcome{Identity: id, Strategy: o.strategy.Kind()}
	o.log.Info(ctx, "signing in", "email", id.Email, "strategy", out.Strategy)

	if err := o.loginInstead(ctx, id); err != nil {
		if isFatal(err) {
			return out, err
		}
		return o.abort(ctx, out, "login failed", err)
	}
	if err := o.solveChallenge(ctx, "password"); err != nil {
		return out, err
	}

	out, err := o.finish(ctx, out)
	if err != nil || !out.Success {
		return out, err
	}
	o.log.Info(ctx, "sign-in complete", "email", id.Email, "usage_limit", out.UsageLimit)
	return out, nil
}

// finish enters the verification code when asked for one, reads the
// account usage and acquires the session credentials.
func (o *Orchestrator) finish(ctx context.Context, out Outcome) (Outcome, error) {
	switch o.awaitCodeEntry(ctx) {
	case stageComplete:
		o.log.Info(ctx, "account page reached without a code")
	case stageCode:
		reason, err := o.enterCode(ctx, out.Identity)
		if err != nil {
			return out, err
		}
		if reason != "" {
			return o.abort(ctx, out, reason, nil)
		}
	default:
		o.log.Warn(ctx, "neither completion nor code entry detected", "checks", o.opts.CodeChecks)
	}

	if err := o.solveChallenge(ctx, "verification"); err != nil {
		return out, err
	}
	if err := o.pacer.Between(ctx, o.opts.SettleDelay); err != nil {
		return out, err
	}

	out.Usage, out.UsageLimit = o.readUsage(ctx)

	if err := o.pacer.Sleep(ctx, o.opts.SessionWait); err != nil {
		return out, err
	}
	creds, ok, err := o.strategy.Acquire(ctx, o.page)
	if err != nil {
		return out, fmt.Errorf("acquiring session credentials: %w", err)
	}
	if !ok {
		return o.abort(ctx, out, "session credentials not obtained", nil)
	}

	out.Success = true
	out.Credentials = creds
	return out, nil
}

func (o *Orchestrator) abort(ctx context.Context, out Outcome, reason string, err error) (Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	out.Reason = reason
	o.log.Error(ctx, "registration aborted", "email", out.Identity.Email, "reason", reason)
	return out, nil
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	if o.recorder == nil {
		return
	}
	err := o.recorder.SaveAccount(ctx, model.Account{
		Email:        out.Identity.Email,
		Password:     out.Identity.Password,
		Token:        out.Credentials.AccessToken,
		RefreshToken: out.Credentials.RefreshToken,
		Usage:        out.Usage,
	})
	if err != nil {
		o.log.Error(ctx, "saving account failed", "email", out.Identity.Email, "error", err)
	}
}

// solveChallenge returns only escalated faults; an unsolved challenge is
// logged and the flow continues.
func (o *Orchestrator) solveChallenge(ctx context.Context, step string) error {
	res, err := o.solver.Solve(ctx, o.opts.ChallengeRetries, o.opts.ChallengeInterval)
	if err != nil {
		return fmt.Errorf("solving challenge after %s: %w", step, err)
	}
	if !res.Solved() {
		o.log.Warn(ctx, "challenge not solved", "step", step, "reason", res.Reason)
	}
	return nil
}

func (o *Orchestrator) submitIdentity(ctx context.Context, id identity.Identity) error {
	loc := o.opts.Locators
	if err := o.fill(ctx, loc.FirstName, id.FirstName); err != nil {
		return fmt.Errorf("first name: %w", err)
	}
	if err := o.fill(ctx, loc.LastName, id.LastName); err != nil {
		return fmt.Errorf("last name: %w", err)
	}
	if err := o.fill(ctx, loc.Email, id.Email); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return o.click(ctx, loc.Submit)
}

func (o *Orchestrator) submitPassword(ctx context.Context, password string) error {
	if err := o.fill(ctx, o.opts.Locators.Password, password); err != nil {
		return err
	}
	return o.click(ctx, o.opts.Locators.Submit)
}

// loginInstead retries an already registered address through the login form.
func (o *Orchestrator) loginInstead(ctx context.Context, id identity.Identity) error {
	if err := o.page.Navigate(ctx, o.opts.LoginURL); err != nil {
		return fmt.Errorf("opening login page: %w", err)
	}

	err := o.fill(ctx, o.opts.Locators.Email, id.Email)
	switch {
	case browser.IsNotFound(err):
		o.log.Warn(ctx, "login form not found")
		return nil
	case err != nil:
		return err
	}
	if err := o.click(ctx, o.opts.Locators.Submit); err != nil {
		return err
	}

	if err := o.solveChallenge(ctx, "login"); err != nil {
		return err
	}
	return o.submitPassword(ctx, id.Password)
}

type stage int

const (
	stageUnknown stage = iota
	stageComplete
	stageCode
)

// awaitCodeEntry polls for either the completed-account page or the first
// code input.
func (o *Orchestrator) awaitCodeEntry(ctx context.Context) stage {
	for check := 1; check <= o.opts.CodeChecks; check++ {
		done, err := browser.Present(ctx, o.page, o.opts.Locators.Complete, 0)
		if err != nil {
			o.log.Warn(ctx, "completion check failed", "check", check, "error", err)
		}
		if done {
			return stageComplete
		}

		needsCode, err := browser.Present(ctx, o.page, o.opts.Locators.CodeDigit(0), 0)
		if err != nil {
			o.log.Warn(ctx, "code input check failed", "check", check, "error", err)
		}
		if needsCode {
			return stageCode
		}

		if check < o.opts.CodeChecks {
			if err := o.pacer.Sleep(ctx, o.opts.CodeCheckInterval); err != nil {
				return stageUnknown
			}
		}
	}
	return stageUnknown
}

// enterCode fetches the verification code and types it digit by digit.
// A non-empty reason aborts the attempt; err is fatal.
func (o *Orchestrator) enterCode(ctx context.Context, id identity.Identity) (string, error) {
	o.log.Info(ctx, "fetching verification code", "backend", o.mail.Kind())
	code, err := o.mail.FetchCode(ctx, id.Email, o.opts.MailAttempts, o.opts.MailInterval)
	if mail.IsTimeout(err) {
		o.log.Error(ctx, "verification code not received", "error", err)
		return "verification code not received", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetching verification code: %w", err)
	}

	for i, digit := range code {
		el, err := o.page.Find(ctx, o.opts.Locators.CodeDigit(i), o.opts.FieldTimeout)
		if err == nil {
			err = el.Input(ctx, string(digit))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			o.log.Warn(ctx, "typing code digit failed", "index", i, "error", err)
			return "", nil
		}
		if err := o.pacer.Between(ctx, o.opts.DigitPause); err != nil {
			return "", err
		}
	}

	o.log.Info(ctx, "verification code entered")
	return "", nil
}

// readUsage reads the usage text from the settings page, best effort.
func (o *Orchestrator) readUsage(ctx context.Context) (string, string) {
	if o.opts.SettingsURL == "" || o.opts.Locators.Usage == "" {
		return "", ""
	}
	if err := o.page.Navigate(ctx, o.opts.SettingsURL); err != nil {
		o.log.Warn(ctx, "opening settings page failed", "error", err)
		return "", ""
	}

	el, err := o.page.Find(ctx, o.opts.Locators.Usage, o.opts.FieldTimeout)
	if err != nil {
		o.log.Warn(ctx, "usage element not found", "error", err)
		return "", ""
	}
	text, err := el.Text(ctx)
	if err != nil {
		o.log.Warn(ctx, "reading usage failed", "error", err)
		return "", ""
	}

	parts := strings.Split(text, "/")
	limit := strings.TrimSpace(parts[len(parts)-1])
	o.log.Info(ctx, "account usage", "usage", text, "limit", limit)
	return strings.TrimSpace(text), limit
}

func (o *Orchestrator) fill(ctx context.Context, loc browser.Locator, text string) error {
	el, err := o.page.Find(ctx, loc, o.opts.FieldTimeout)
	if err != nil {
		return fmt.Errorf("locating %s: %w", loc, err)
	}
	if err := el.Click(ctx); err != nil {
		return fmt.Errorf("focusing %s: %w", loc, err)
	}
	if err := el.Input(ctx, text); err != nil {
		return fmt.Errorf("typing into %s: %w", loc, err)
	}
	return o.pacer.Between(ctx, o.opts.FieldPause)
}

func (o *Orchestrator) click(ctx context.Context, loc browser.Locator) error {
	el, err := o.page.Find(ctx, loc, o.opts.FieldTimeout)
	if err != nil {
		return fmt.Errorf("locating %s: %w", loc, err)
	}
	if err := el.Click(ctx); err != nil {
		return fmt.Errorf("clicking %s: %w", loc, err)
	}
	return nil
}

func isFatal(err error) bool {
	return challenge.IsError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
