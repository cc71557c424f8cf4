package mail

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

// ScanCeiling bounds the scans of connection-based backends no matter
// what the caller asks for.
const ScanCeiling = 20

// defaultAttempts is used when neither the caller nor a ceiling sets a bound.
const defaultAttempts = 5

// VerificationAttempt tracks one code request: how many scans were made
// and how many are allowed. It is created per request and discarded after.
type VerificationAttempt struct {
	Kind          Kind
	Recipient     string
	Attempt       int
	MaxAttempts   int
	RetryInterval time.Duration
}

// NewVerificationAttempt validates the retry policy and applies ceiling
// (0 means uncapped). A non-positive maxAttempts means "as many as allowed".
func NewVerificationAttempt(
	kind Kind,
	recipient string,
	maxAttempts int,
	retryInterval time.Duration,
	ceiling int,
) (*VerificationAttempt, error) {
	if retryInterval <= 0 {
		return nil, &model.ConfigError{Key: "mail.retry_interval_sec", Message: "retry interval must be positive"}
	}

	switch {
	case ceiling > 0 && (maxAttempts <= 0 || maxAttempts > ceiling):
		maxAttempts = ceiling
	case maxAttempts <= 0:
		maxAttempts = defaultAttempts
	}

	return &VerificationAttempt{
		Kind:          kind,
		Recipient:     recipient,
		MaxAttempts:   maxAttempts,
		RetryInterval: retryInterval,
	}, nil
}

// scanFunc performs one scan. It returns the code, ErrNoMessages,
// ErrNoCode, a permanent error, or a transient failure.
type scanFunc func(ctx context.Context) (string, error)

// Run scans until a code is found, a permanent error occurs or the
// attempts are used up.
func (a *VerificationAttempt) Run(
	ctx context.Context,
	pacer *pace.Pacer,
	log logging.Logger,
	scan scanFunc,
) (string, error) {
	var (
		sawMessages bool
		lastErr     error
	)

	for a.Attempt < a.MaxAttempts {
		a.Attempt++
		log.Info(ctx, "fetching verification code",
			"attempt", a.Attempt, "max_attempts", a.MaxAttempts)

		code, err := scan(ctx)
		switch {
		case err == nil && code != "":
			log.Info(ctx, "verification code found", "attempt", a.Attempt)
			return code, nil
		case err == nil, errors.Is(err, ErrNoCode):
			sawMessages = true
		case errors.Is(err, ErrNoMessages):
			log.Debug(ctx, "no messages yet", "attempt", a.Attempt)
		case permanent(err):
			return "", err
		default:
			log.Warn(ctx, "mail scan failed", "attempt", a.Attempt, "error", err)
			lastErr = err
		}

		if a.Attempt < a.MaxAttempts {
			if err := pacer.Sleep(ctx, a.RetryInterval); err != nil {
				return "", err
			}
		}
	}

	return "", &TimeoutError{
		Kind:        a.Kind,
		Recipient:   a.Recipient,
		Attempts:    a.Attempt,
		SawMessages: sawMessages,
		LastErr:     lastErr,
	}
}

func permanent(err error) bool {
	return IsAuthError(err) ||
		model.IsConfigError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
