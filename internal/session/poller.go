package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/pace"
)

// Status is the terminal state of a token acquisition.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	default:
		return "pending"
	}
}

// Outcome is the result of a token acquisition. On timeout both tokens
// are empty.
type Outcome struct {
	Status       Status
	AuthID       string
	AccessToken  string
	RefreshToken string
	Attempts     int
}

// OK reports whether the auth id and both tokens were obtained.
func (o Outcome) OK() bool {
	return o.Status == StatusOK && o.AuthID != "" && o.AccessToken != "" && o.RefreshToken != ""
}

// PollFunc performs one status poll and returns the HTTP status and body.
type PollFunc func(ctx context.Context, params ChallengeParams) (int, []byte, error)

// HTTPPoll polls GET pollURL?uuid=&verifier= with client.
func HTTPPoll(client *http.Client, pollURL string) PollFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, params ChallengeParams) (int, []byte, error) {
		q := url.Values{}
		q.Set("uuid", params.UUID)
		q.Set("verifier", params.Verifier)

		sep := "?"
		if strings.Contains(pollURL, "?") {
			sep = "&"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL+sep+q.Encode(), nil)
		if err != nil {
			return 0, nil, fmt.Errorf("creating poll request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("polling %s: %w", pollURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("reading poll response: %w", err)
		}
		return resp.StatusCode, body, nil
	}
}

// Options configures a Poller.
type Options struct {
	DeepLinkURL string

	// ConfirmSignal marks a page that is already logged in; ConfirmScript
	// then clicks the grant button. The script depends on the provider's
	// markup and breaks silently when it changes.
	ConfirmSignal   browser.Locator
	ConfirmScript   string
	ConfirmAttempts int
	ConfirmInterval time.Duration

	PollAttempts int
	PollInterval time.Duration
}

// DefaultOptions returns the standard timings: 10 confirm checks one
// second apart, then 30 polls two seconds apart.
func DefaultOptions(deepLinkURL string) Options {
	return Options{
		DeepLinkURL:     deepLinkURL,
		ConfirmAttempts: 10,
		ConfirmInterval: time.Second,
		PollAttempts:    30,
		PollInterval:    2 * time.Second,
	}
}

// Poller runs the deep-link login handshake.
type Poller struct {
	opts   Options
	pacer  *pace.Pacer
	log    logging.Logger
	random io.Reader
}

// NewPoller creates a Poller.
func NewPoller(opts Options, pacer *pace.Pacer, log logging.Logger) *Poller {
	return &Poller{
		opts:  opts,
		pacer: pacer,
		log:   log.With("component", "token_poller"),
	}
}

type pollResponse struct {
	AuthID       string `json:"authId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (r pollResponse) complete() bool {
	return r.AuthID != "" && r.AccessToken != "" && r.RefreshToken != ""
}

// AcquireSessionToken opens the deep link in page, confirms the grant if
// the browser is already logged in and polls until tokens are issued.
// Exhaustion is a StatusTimeout outcome, not an error.
func (p *Poller) AcquireSessionToken(
	ctx context.Context, page browser.Page, poll PollFunc,
) (Outcome, error) {
	params, err := NewChallengeParams(p.random)
	if err != nil {
		return Outcome{}, err
	}

	link, err := p.deepLink(params)
	if err != nil {
		return Outcome{}, err
	}
	p.log.Info(ctx, "opening login deep link", "uuid", params.UUID)
	if err := page.Navigate(ctx, link); err != nil {
		return Outcome{}, fmt.Errorf("navigating to deep link: %w", err)
	}

	if err := p.confirm(ctx, page); err != nil {
		return Outcome{}, err
	}

	return p.poll(ctx, params, poll)
}

func (p *Poller) deepLink(params ChallengeParams) (string, error) {
	u, err := url.Parse(p.opts.DeepLinkURL)
	if err != nil {
		return "", fmt.Errorf("parsing deep link URL: %w", err)
	}
	q := u.Query()
	q.Set("challenge", params.Challenge)
	q.Set("uuid", params.UUID)
	q.Set("mode", "login")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// confirm runs the grant script once the logged-in signal shows up.
// Lookup and script failures are logged only.
func (p *Poller) confirm(ctx context.Context, page browser.Page) error {
	if p.opts.ConfirmSignal == "" {
		return nil
	}

	for attempt := 1; attempt <= p.opts.ConfirmAttempts; attempt++ {
		found, err := browser.Present(ctx, page, p.opts.ConfirmSignal, 0)
		if err != nil {
			p.log.Warn(ctx, "confirm signal lookup failed", "attempt", attempt, "error", err)
		}
		if found {
			if p.opts.ConfirmScript == "" {
				return nil
			}
			if _, err := page.Eval(ctx, p.opts.ConfirmScript); err != nil {
				p.log.Warn(ctx, "confirm script failed", "error", err)
			} else {
				p.log.Info(ctx, "login grant confirmed")
			}
			return nil
		}

		if attempt < p.opts.ConfirmAttempts {
			if err := p.pacer.Sleep(ctx, p.opts.ConfirmInterval); err != nil {
				return err
			}
		}
	}

	p.log.Warn(ctx, "logged-in page not detected", "attempts", p.opts.ConfirmAttempts)
	return nil
}

func (p *Poller) poll(ctx context.Context, params ChallengeParams, poll PollFunc) (Outcome, error) {
	for attempt := 1; attempt <= p.opts.PollAttempts; attempt++ {
		status, body, err := poll(ctx, params)
		switch {
		case err != nil:
			p.log.Warn(ctx, "token poll failed", "attempt", attempt, "error", err)
		case status == http.StatusNotFound:
			p.log.Debug(ctx, "login not completed yet", "attempt", attempt)
		case status == http.StatusOK:
			var resp pollResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				p.log.Warn(ctx, "unusable token poll response", "attempt", attempt, "error", err)
				break
			}
			if !resp.complete() {
				p.log.Warn(ctx, "incomplete token poll response", "attempt", attempt,
					"has_auth_id", resp.AuthID != "",
					"has_access_token", resp.AccessToken != "",
					"has_refresh_token", resp.RefreshToken != "")
				break
			}
			p.log.Info(ctx, "session tokens acquired", "attempt", attempt, "auth_id", resp.AuthID)
			return Outcome{
				Status:       StatusOK,
				AuthID:       resp.AuthID,
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
				Attempts:     attempt,
			}, nil
		default:
			p.log.Warn(ctx, "unexpected token poll status", "attempt", attempt, "status", status)
		}

		if attempt < p.opts.PollAttempts {
			if err := p.pacer.Sleep(ctx, p.opts.PollInterval); err != nil {
				return Outcome{}, err
			}
		}
	}

	p.log.Warn(ctx, "token polling timed out", "attempts", p.opts.PollAttempts)
	return Outcome{Status: StatusTimeout, Attempts: p.opts.PollAttempts}, nil
}
