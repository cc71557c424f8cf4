package register

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/browser/browsertest"
	"github.com/nhle/provisioner/internal/challenge"
	"github.com/nhle/provisioner/internal/identity"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/mail"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

const (
	signupURL   = "https://auth.example.org/sign-up"
	loginURL    = "https://auth.example.org/login"
	settingsURL = "https://example.org/settings"
	cookieName  = "SessionToken"
)

var locators = Locators{
	FirstName:  "input[name=first_name]",
	LastName:   "input[name=last_name]",
	Email:      "input[name=email]",
	Password:   "input[name=password]",
	Submit:     "button[type=submit]",
	EmailInUse: "text:This email is not available",
	Complete:   "text:Account Settings",
	Usage:      "div.usage",
	CodeInput:  "input[data-index='%d']",
}

var person = identity.Identity{
	FirstName: "Ada",
	LastName:  "Moss",
	Email:     "ada1234@example.org",
	Password:  "s3cret-Pass!",
}

type fakeSolver struct {
	calls int
	err   error
}

func (s *fakeSolver) Solve(context.Context, int, pace.Range) (challenge.Result, error) {
	s.calls++
	if s.err != nil {
		return challenge.Result{Status: challenge.Failed}, s.err
	}
	return challenge.Result{Status: challenge.Solved, Signal: "password_page"}, nil
}

type fakeBackend struct {
	code       string
	err        error
	recipients []string
}

func (b *fakeBackend) Kind() mail.Kind { return model.MailBackendInboxAPI }

func (b *fakeBackend) FetchCode(_ context.Context, recipient string, _ int, _ time.Duration) (string, error) {
	b.recipients = append(b.recipients, recipient)
	return b.code, b.err
}

type fakeStrategy struct {
	creds Credentials
	ok    bool
	err   error
	calls int
}

func (s *fakeStrategy) Kind() model.StrategyKind { return model.StrategyPollingBased }

func (s *fakeStrategy) Acquire(context.Context, browser.Page) (Credentials, bool, error) {
	s.calls++
	return s.creds, s.ok, s.err
}

type fakeRecorder struct {
	saved []model.Account
	err   error
}

func (r *fakeRecorder) SaveAccount(_ context.Context, a model.Account) error {
	r.saved = append(r.saved, a)
	return r.err
}

func testOptions() Options {
	return Options{
		SignupURL:         signupURL,
		LoginURL:          loginURL,
		SettingsURL:       settingsURL,
		Locators:          locators,
		ChallengeRetries:  2,
		ChallengeInterval: pace.Range{Min: time.Second, Max: 2 * time.Second},
		FieldTimeout:      10 * time.Second,
		SignalTimeout:     2 * time.Second,
		FieldPause:        pace.Range{Min: time.Second, Max: 3 * time.Second},
		CodeChecks:        30,
		CodeCheckInterval: 750 * time.Millisecond,
		DigitPause:        pace.Range{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond},
		MailAttempts:      5,
		MailInterval:      time.Minute,
		SettleDelay:       pace.Range{Min: 3 * time.Second, Max: 6 * time.Second},
		SessionWait:       5 * time.Second,
	}
}

// signupPage returns a page where every form field is present.
func signupPage() *browsertest.Page {
	page := browsertest.NewPage()
	for _, loc := range []browser.Locator{
		locators.FirstName, locators.LastName, locators.Email,
		locators.Password, locators.Submit, locators.Usage,
	} {
		page.Set(loc, true)
	}
	page.Element(locators.Usage).TextValue = "Usage 12 / 150 "
	return page
}

type harness struct {
	page     *browsertest.Page
	solver   *fakeSolver
	backend  *fakeBackend
	recorder *fakeRecorder
	rec      *pace.Recorder
}

func newHarness() *harness {
	return &harness{
		page:     signupPage(),
		solver:   &fakeSolver{},
		backend:  &fakeBackend{code: "482913"},
		recorder: &fakeRecorder{},
		rec:      &pace.Recorder{},
	}
}

func (h *harness) orchestrator(strategy Strategy) *Orchestrator {
	pacer := pace.NewFixed(7, h.rec.Sleep)
	return NewOrchestrator(h.page, h.solver, h.backend, strategy, h.recorder, testOptions(), pacer, logging.Nop())
}

func (h *harness) requireCode() {
	for i := range 6 {
		h.page.Set(locators.CodeDigit(i), true)
	}
}

func TestRegister_CodeEntryAndCookieToken(t *testing.T) {
	h := newHarness()
	h.requireCode()
	h.page.CookieJar = []browser.Cookie{
		{Name: "other", Value: "x::y"},
		{Name: cookieName, Value: "user_01%3A%3Atok-abc"},
	}
	strategy := NewCodeBased(cookieName, pace.NewFixed(1, h.rec.Sleep), logging.Nop())

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, model.StrategyCodeBased, out.Strategy)
	assert.Equal(t, "tok-abc", out.Credentials.AccessToken)
	assert.Equal(t, "Usage 12 / 150", out.Usage)
	assert.Equal(t, "150", out.UsageLimit)

	assert.Equal(t, []string{signupURL, settingsURL}, h.page.Navigated)
	assert.Equal(t, 3, h.solver.calls)
	assert.Equal(t, []string{person.Email}, h.backend.recipients)

	assert.Equal(t, []string{person.FirstName}, h.page.Element(locators.FirstName).Inputs)
	assert.Equal(t, []string{person.Email}, h.page.Element(locators.Email).Inputs)
	assert.Equal(t, []string{person.Password}, h.page.Element(locators.Password).Inputs)
	for i, digit := range "482913" {
		assert.Equal(t, []string{string(digit)}, h.page.Element(locators.CodeDigit(i)).Inputs)
	}

	require.Len(t, h.recorder.saved, 1)
	saved := h.recorder.saved[0]
	assert.Equal(t, person.Email, saved.Email)
	assert.Equal(t, person.Password, saved.Password)
	assert.Equal(t, "tok-abc", saved.Token)
	assert.Equal(t, "Usage 12 / 150", saved.Usage)

	assert.Equal(t, 1, h.rec.Count(5*time.Second), "session wait")
}

func TestRegister_CompletedWithoutCode(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	strategy := &fakeStrategy{ok: true, creds: Credentials{AccessToken: "at", RefreshToken: "rt", AuthID: "auth0|1"}}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	require.True(t, out.Success)
	assert.Empty(t, h.backend.recipients)
	assert.Zero(t, h.page.FindCount(locators.CodeDigit(0)))
	assert.Equal(t, "rt", out.Credentials.RefreshToken)
	require.Len(t, h.recorder.saved, 1)
	assert.Equal(t, "rt", h.recorder.saved[0].RefreshToken)
}

func TestRegister_MissingSignupFormAborts(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.FirstName, false)
	strategy := &fakeStrategy{ok: true}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "signup form unavailable")
	assert.Zero(t, h.solver.calls)
	assert.Zero(t, strategy.calls)
	assert.Empty(t, h.recorder.saved)
}

func TestRegister_MissingPasswordFieldAborts(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Password, false)
	strategy := &fakeStrategy{ok: true}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "password could not be set")
	assert.Equal(t, 1, h.solver.calls)
	assert.Zero(t, strategy.calls)
}

func TestRegister_MailTimeoutFailsAttempt(t *testing.T) {
	h := newHarness()
	h.requireCode()
	h.backend.err = &mail.TimeoutError{Kind: model.MailBackendInboxAPI, Recipient: person.Email, Attempts: 5}
	strategy := &fakeStrategy{ok: true}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, "verification code not received", out.Reason)
	assert.Zero(t, strategy.calls)
	assert.Empty(t, h.page.Element(locators.CodeDigit(0)).Inputs)
}

func TestRegister_FatalMailErrorEscalates(t *testing.T) {
	h := newHarness()
	h.requireCode()
	h.backend.err = &mail.AuthError{Kind: model.MailBackendIMAP, User: "box", Message: "login rejected"}

	_, err := h.orchestrator(&fakeStrategy{ok: true}).Register(context.Background(), person)
	require.Error(t, err)
	assert.True(t, mail.IsAuthError(err))
}

func TestRegister_EmailInUseLogsIn(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.EmailInUse, true)
	h.page.Set(locators.Complete, true)
	strategy := &fakeStrategy{ok: true, creds: Credentials{AccessToken: "at"}}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	require.True(t, out.Success)
	assert.Equal(t, []string{signupURL, loginURL, settingsURL}, h.page.Navigated)
	assert.Equal(t, 4, h.solver.calls)
	assert.Equal(t, []string{person.Email, person.Email}, h.page.Element(locators.Email).Inputs)
	assert.Equal(t, []string{person.Password, person.Password}, h.page.Element(locators.Password).Inputs)
}

func TestRegister_ChallengeFaultEscalates(t *testing.T) {
	h := newHarness()
	fault := &challenge.Error{Attempt: 1, Err: errors.New("target crashed")}
	h.solver.err = fault
	strategy := &fakeStrategy{ok: true}

	_, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.Error(t, err)

	assert.True(t, challenge.IsError(err))
	assert.Empty(t, h.page.Element(locators.Password).Inputs)
	assert.Zero(t, strategy.calls)
}

func TestRegister_CodeDetectionIsBounded(t *testing.T) {
	h := newHarness()
	strategy := &fakeStrategy{ok: true, creds: Credentials{AccessToken: "at"}}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 30, h.page.FindCount(locators.Complete))
	assert.Equal(t, 30, h.page.FindCount(locators.CodeDigit(0)))
	assert.Equal(t, 29, h.rec.Count(750*time.Millisecond))
	assert.Empty(t, h.backend.recipients)
}

func TestRegister_NoCredentialsIsFailure(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	strategy := &fakeStrategy{ok: false}

	out, err := h.orchestrator(strategy).Register(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, "session credentials not obtained", out.Reason)
	assert.Empty(t, h.recorder.saved)
}

func TestRegister_RecorderFailureKeepsSuccess(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	h.recorder.err = errors.New("disk full")

	out, err := h.orchestrator(&fakeStrategy{ok: true}).Register(context.Background(), person)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Len(t, h.recorder.saved, 1)
}

func TestRegister_UsageIsBestEffort(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	h.page.Set(locators.Usage, false)

	out, err := h.orchestrator(&fakeStrategy{ok: true}).Register(context.Background(), person)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Empty(t, out.Usage)
	assert.Empty(t, out.UsageLimit)
}

func TestRegister_PacingBounds(t *testing.T) {
	h := newHarness()
	h.requireCode()

	_, err := h.orchestrator(&fakeStrategy{ok: true}).Register(context.Background(), person)
	require.NoError(t, err)

	var field, digit, settle int
	for _, d := range h.rec.Sleeps {
		switch {
		case d >= 100*time.Millisecond && d <= 300*time.Millisecond:
			digit++
		case d >= time.Second && d <= 3*time.Second:
			field++
		case d > 3*time.Second && d <= 6*time.Second && d != 5*time.Second:
			settle++
		}
	}
	assert.Equal(t, 6, digit)
	assert.Equal(t, 4, field, "first name, last name, email and password pauses")
	assert.Equal(t, 1, settle)
}

func TestSignIn_ReturnsFreshCredentialsWithoutSaving(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	strategy := &fakeStrategy{ok: true, creds: Credentials{AccessToken: "fresh", RefreshToken: "rt"}}

	out, err := h.orchestrator(strategy).SignIn(context.Background(), person)
	require.NoError(t, err)

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, "fresh", out.Credentials.AccessToken)
	assert.Equal(t, "150", out.UsageLimit)
	assert.Equal(t, []string{loginURL, settingsURL}, h.page.Navigated)
	assert.Equal(t, 3, h.solver.calls)
	assert.Equal(t, []string{person.Email}, h.page.Element(locators.Email).Inputs)
	assert.Equal(t, []string{person.Password}, h.page.Element(locators.Password).Inputs)
	assert.Empty(t, h.page.Element(locators.FirstName).Inputs)
	assert.Empty(t, h.backend.recipients)
	assert.Empty(t, h.recorder.saved)
}

func TestSignIn_EntersRequestedCode(t *testing.T) {
	h := newHarness()
	h.requireCode()
	strategy := &fakeStrategy{ok: true, creds: Credentials{AccessToken: "fresh"}}

	out, err := h.orchestrator(strategy).SignIn(context.Background(), person)
	require.NoError(t, err)

	require.True(t, out.Success, out.Reason)
	assert.Equal(t, []string{person.Email}, h.backend.recipients)
	for i, digit := range "482913" {
		assert.Equal(t, []string{string(digit)}, h.page.Element(locators.CodeDigit(i)).Inputs)
	}
}

func TestSignIn_MissingPasswordFieldAborts(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Password, false)
	strategy := &fakeStrategy{ok: true}

	out, err := h.orchestrator(strategy).SignIn(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "login failed")
	assert.Zero(t, strategy.calls)
}

func TestSignIn_NoCredentialsIsFailure(t *testing.T) {
	h := newHarness()
	h.page.Set(locators.Complete, true)
	strategy := &fakeStrategy{ok: false}

	out, err := h.orchestrator(strategy).SignIn(context.Background(), person)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, "session credentials not obtained", out.Reason)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &model.AppConfig{}
	cfg.Site.SignupURL = signupURL
	cfg.Site.CodeInputPrefix = "input[data-index='%d']"
	cfg.Site.UsageLocator = "div.usage"
	cfg.Challenge.MaxRetries = 2
	cfg.Challenge.RetryMinMs = 1000
	cfg.Challenge.RetryMaxMs = 2000
	cfg.Mail.MaxAttempts = 5
	cfg.Mail.RetryIntervalSec = 60

	opts := OptionsFromConfig(cfg)

	assert.Equal(t, signupURL, opts.SignupURL)
	assert.Equal(t, browser.Locator("input[data-index='3']"), opts.Locators.CodeDigit(3))
	assert.Equal(t, browser.Locator("div.usage"), opts.Locators.Usage)
	assert.Equal(t, pace.Range{Min: time.Second, Max: 2 * time.Second}, opts.ChallengeInterval)
	assert.Equal(t, time.Minute, opts.MailInterval)
	assert.Equal(t, 30, opts.CodeChecks)
	assert.Equal(t, pace.Range{Min: 3 * time.Second, Max: 6 * time.Second}, opts.SettleDelay)
}
