// Package app wires configuration, storage, the browser and the
// registration pipeline into a runnable provisioner.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/challenge"
	"github.com/nhle/provisioner/internal/identity"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/mail"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/oauth"
	"github.com/nhle/provisioner/internal/pace"
	"github.com/nhle/provisioner/internal/register"
	"github.com/nhle/provisioner/internal/store"
)

// httpTimeout bounds every outbound API call that has no timeout of its own.
const httpTimeout = 30 * time.Second

// Browser opens tabs for registration attempts.
type Browser interface {
	NewTab(ctx context.Context) (browser.Tab, error)
	Close() error
}

// Launcher starts a Browser.
type Launcher func(cfg model.BrowserConfig) (Browser, error)

// Summary reports the results of a Run.
type Summary struct {
	Requested int
	Outcomes  []register.Outcome
}

// Succeeded counts successful outcomes.
func (s Summary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// App holds the long-lived collaborators of the provisioner.
type App struct {
	cfg        *model.AppConfig
	log        logging.Logger
	store      store.Store
	pacer      *pace.Pacer
	identities identity.Source
	backend    mail.Backend
	strategy   register.Strategy
	launch     Launcher
}

// Option customises an App.
type Option func(*App)

// WithLauncher replaces the go-rod launcher.
func WithLauncher(l Launcher) Option {
	return func(a *App) { a.launch = l }
}

// WithPacer replaces the wall-clock pacer.
func WithPacer(p *pace.Pacer) Option {
	return func(a *App) { a.pacer = p }
}

// WithIdentities replaces the configured identity generator.
func WithIdentities(src identity.Source) Option {
	return func(a *App) { a.identities = src }
}

// New validates cfg and builds the mail backend and session strategy.
func New(cfg *model.AppConfig, st store.Store, log logging.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  st,
		pacer:  pace.New(),
		launch: LaunchRod,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.identities == nil {
		src, err := identity.NewSource(cfg.Identity, nil, log)
		if err != nil {
			return nil, err
		}
		a.identities = src
	}

	client := &http.Client{Timeout: httpTimeout}
	backend, err := mail.NewBackend(cfg.Mail, mail.Deps{
		HTTPClient: client,
		Tokens:     oauth.NewProvider(client, oauth.DefaultEndpoints(), log),
		Pacer:      a.pacer,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}
	a.backend = backend

	strategy, err := register.NewStrategy(cfg.Session, client, a.pacer, log)
	if err != nil {
		return nil, err
	}
	a.strategy = strategy

	return a, nil
}

// Run provisions up to n accounts one after another in a single browser.
// Identities are generated up front. Each attempt gets a fresh tab and is
// recorded in the store. Run stops early on cancellation or on a fault
// that would fail every later attempt too.
func (a *App) Run(ctx context.Context, n int) (Summary, error) {
	sum := Summary{Requested: n}

	ids := identity.GenerateBatch(ctx, n, a.identities, a.log)
	if len(ids) == 0 {
		return sum, errors.New("no identities could be generated")
	}
	a.log.Info(ctx, "identities ready", "requested", n, "generated", len(ids))

	b, err := a.launch(a.cfg.Browser)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Warn(ctx, "closing browser failed", "error", err)
		}
	}()

	for i, id := range ids {
		out, err := a.attempt(ctx, b, id)
		a.record(ctx, out, err)
		sum.Outcomes = append(sum.Outcomes, out)

		if err != nil {
			if stopsRun(err) {
				return sum, err
			}
			a.log.Error(ctx, "attempt failed", "attempt", i+1, "email", id.Email, "error", err)
		}
	}

	a.log.Info(ctx, "run finished", "attempts", len(sum.Outcomes), "succeeded", sum.Succeeded())
	return sum, nil
}

func (a *App) attempt(ctx context.Context, b Browser, id identity.Identity) (register.Outcome, error) {
	out := register.Outcome{Identity: id, Strategy: a.strategy.Kind()}

	tab, err := b.NewTab(ctx)
	if err != nil {
		return out, err
	}
	defer func() {
		if err := tab.Close(); err != nil {
			a.log.Warn(ctx, "closing tab failed", "error", err)
		}
	}()

	return a.orchestrator(tab, id, a.store).Register(ctx, id)
}

func (a *App) orchestrator(tab browser.Page, id identity.Identity, rec register.Recorder) *register.Orchestrator {
	solver := challenge.NewSolver(tab, challengeOptions(a.cfg.Challenge), a.pacer, a.evidence(id), a.log)
	return register.NewOrchestrator(
		tab, solver, a.backend, a.strategy, rec,
		register.OptionsFromConfig(a.cfg), a.pacer, a.log,
	)
}

// Refresh signs the stored account for email in again and replaces its
// record with one carrying the new session credentials. The old record
// is kept when no credentials are obtained.
func (a *App) Refresh(ctx context.Context, email string) (register.Outcome, error) {
	acct, err := a.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return register.Outcome{}, err
	}
	id := identity.Identity{Email: acct.Email, Password: acct.Password}
	out := register.Outcome{Identity: id, Strategy: a.strategy.Kind()}

	b, err := a.launch(a.cfg.Browser)
	if err != nil {
		return out, err
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.log.Warn(ctx, "closing browser failed", "error", err)
		}
	}()

	tab, err := b.NewTab(ctx)
	if err != nil {
		return out, err
	}
	defer func() {
		if err := tab.Close(); err != nil {
			a.log.Warn(ctx, "closing tab failed", "error", err)
		}
	}()

	out, err = a.orchestrator(tab, id, nil).SignIn(ctx, id)
	a.record(ctx, out, err)
	if err != nil || !out.Success {
		return out, err
	}

	usage := out.Usage
	if usage == "" {
		usage = acct.Usage
	}
	err = a.store.SaveAccount(ctx, model.Account{
		Email:        acct.Email,
		Password:     acct.Password,
		Token:        out.Credentials.AccessToken,
		RefreshToken: out.Credentials.RefreshToken,
		Usage:        usage,
	})
	if err != nil {
		return out, fmt.Errorf("saving refreshed account: %w", err)
	}
	if err := a.store.DeleteAccount(ctx, acct.ID); err != nil {
		a.log.Warn(ctx, "removing superseded account record failed", "id", acct.ID, "error", err)
	}
	a.log.Info(ctx, "session refreshed", "email", acct.Email)
	return out, nil
}

func (a *App) evidence(id identity.Identity) browser.Evidence {
	if a.cfg.Challenge.ScreenshotDir == "" {
		return browser.NopEvidence{}
	}
	return browser.NewDirEvidence(a.cfg.Challenge.ScreenshotDir, id.FirstName, a.log)
}

func (a *App) record(ctx context.Context, out register.Outcome, err error) {
	reason := out.Reason
	if err != nil {
		reason = err.Error()
	}
	rec := model.Attempt{
		Email:    out.Identity.Email,
		Strategy: string(out.Strategy),
		Success:  out.Success,
		Reason:   reason,
	}
	if err := a.store.RecordAttempt(ctx, rec); err != nil {
		a.log.Warn(ctx, "recording attempt failed", "email", rec.Email, "error", err)
	}
}

func challengeOptions(cfg model.ChallengeConfig) challenge.Options {
	signals := make([]challenge.Signal, 0, len(cfg.Signals))
	for _, s := range cfg.Signals {
		signals = append(signals, challenge.Signal{Name: s.Name, Locator: browser.Locator(s.Locator)})
	}
	return challenge.DefaultOptions(browser.Locator(cfg.Widget), signals)
}

// stopsRun reports whether err would fail every remaining attempt.
func stopsRun(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		model.IsConfigError(err) ||
		mail.IsAuthError(err)
}

// rodBrowser adapts browser.RodBrowser to Browser.
type rodBrowser struct {
	*browser.RodBrowser
	userAgent string
}

func (b rodBrowser) NewTab(context.Context) (browser.Tab, error) {
	page, err := b.NewPage(b.userAgent)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// LaunchRod starts a local Chromium through go-rod.
func LaunchRod(cfg model.BrowserConfig) (Browser, error) {
	b, err := browser.LaunchRod(cfg.Headless)
	if err != nil {
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	return rodBrowser{RodBrowser: b, userAgent: cfg.UserAgent}, nil
}
