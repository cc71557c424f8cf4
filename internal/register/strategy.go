package register

import (
	"context"
	"net/http"
	"time"

	"github.com/nhle/provisioner/internal/browser"
	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
	"github.com/nhle/provisioner/internal/session"
)

// Credentials are the session credentials obtained for an account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	AuthID       string
}

// Strategy obtains session credentials once the account exists. ok is
// false when the strategy ran out of attempts; err is reserved for faults.
type Strategy interface {
	Kind() model.StrategyKind
	Acquire(ctx context.Context, page browser.Page) (creds Credentials, ok bool, err error)
}

// CodeBased reads the bare session token from the session cookie.
type CodeBased struct {
	CookieName string
	Attempts   int
	Interval   time.Duration

	pacer *pace.Pacer
	log   logging.Logger
}

// NewCodeBased returns a cookie strategy that looks 3 times, 2s apart.
func NewCodeBased(cookieName string, pacer *pace.Pacer, log logging.Logger) *CodeBased {
	return &CodeBased{
		CookieName: cookieName,
		Attempts:   3,
		Interval:   2 * time.Second,
		pacer:      pacer,
		log:        log.With("strategy", model.StrategyCodeBased),
	}
}

func (s *CodeBased) Kind() model.StrategyKind {
	return model.StrategyCodeBased
}

// Acquire looks for the session cookie. Cookie read failures are retried.
func (s *CodeBased) Acquire(ctx context.Context, page browser.Page) (Credentials, bool, error) {
	for attempt := 1; attempt <= s.Attempts; attempt++ {
		cookies, err := page.Cookies(ctx)
		if err != nil {
			s.log.Warn(ctx, "reading cookies failed", "attempt", attempt, "error", err)
		}
		for _, c := range cookies {
			if c.Name != s.CookieName {
				continue
			}
			if token, ok := session.TokenFromCookie(c.Value); ok {
				s.log.Info(ctx, "session token found", "attempt", attempt)
				return Credentials{AccessToken: token}, true, nil
			}
		}

		s.log.Debug(ctx, "session cookie not present", "attempt", attempt)
		if attempt < s.Attempts {
			if err := s.pacer.Sleep(ctx, s.Interval); err != nil {
				return Credentials{}, false, err
			}
		}
	}

	s.log.Warn(ctx, "session cookie not found", "attempts", s.Attempts)
	return Credentials{}, false, nil
}

// PollingBased runs the deep-link handshake and polls for a token pair.
type PollingBased struct {
	poller *session.Poller
	poll   session.PollFunc
}

// NewPollingBased creates a polling strategy.
func NewPollingBased(poller *session.Poller, poll session.PollFunc) *PollingBased {
	return &PollingBased{poller: poller, poll: poll}
}

// NewHTTPPollingBased wires a Poller to the HTTP poll endpoint in cfg.
func NewHTTPPollingBased(
	cfg model.SessionConfig, client *http.Client, pacer *pace.Pacer, log logging.Logger,
) *PollingBased {
	opts := session.DefaultOptions(cfg.DeepLinkURL)
	opts.ConfirmSignal = browser.Locator(cfg.ConfirmSignal)
	opts.ConfirmScript = cfg.ConfirmScript
	return NewPollingBased(
		session.NewPoller(opts, pacer, log),
		session.HTTPPoll(client, cfg.PollURL),
	)
}

func (s *PollingBased) Kind() model.StrategyKind {
	return model.StrategyPollingBased
}

func (s *PollingBased) Acquire(ctx context.Context, page browser.Page) (Credentials, bool, error) {
	out, err := s.poller.AcquireSessionToken(ctx, page, s.poll)
	if err != nil {
		return Credentials{}, false, err
	}
	if !out.OK() {
		return Credentials{}, false, nil
	}
	return Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		AuthID:       out.AuthID,
	}, true, nil
}

// NewStrategy builds the strategy selected by cfg.Strategy.
func NewStrategy(
	cfg model.SessionConfig, client *http.Client, pacer *pace.Pacer, log logging.Logger,
) (Strategy, error) {
	switch cfg.Strategy {
	case model.StrategyCodeBased:
		return NewCodeBased(cfg.CookieName, pacer, log), nil
	case model.StrategyPollingBased:
		return NewHTTPPollingBased(cfg, client, pacer, log), nil
	default:
		return nil, &model.ConfigError{Key: "session.strategy", Message: "unknown strategy " + string(cfg.Strategy)}
	}
}
