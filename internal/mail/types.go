// Package mail retrieves short-lived numeric verification codes from a
// mailbox. Three backends share one contract: a disposable-mailbox HTTP
// API, IMAP (password or OAuth2) and POP3.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/nhle/provisioner/internal/model"
)

// Kind identifies a mail backend variant.
type Kind = model.MailBackendKind

// Backend fetches the verification code sent to recipient, scanning up to
// maxAttempts times and sleeping retryInterval between scans. Exhaustion
// returns a *TimeoutError.
type Backend interface {
	Kind() Kind
	FetchCode(ctx context.Context, recipient string, maxAttempts int, retryInterval time.Duration) (string, error)
}

// Message is a parsed, read-only mail message.
type Message struct {
	From       []string
	To         []string
	Subject    string
	Text       string
	ReceivedAt time.Time
}

// SentTo reports whether addr is one of the message's To recipients,
// compared case-insensitively.
func (m *Message) SentTo(addr string) bool {
	for _, to := range m.To {
		if equalFold(to, addr) {
			return true
		}
	}
	return false
}

// SentBy reports whether any From address contains sender.
func (m *Message) SentBy(sender string) bool {
	for _, from := range m.From {
		if containsFold(from, sender) {
			return true
		}
	}
	return false
}

var (
	// ErrNoMessages means the scan found no candidate message at all;
	// the mail has most likely not arrived yet.
	ErrNoMessages = errors.New("no candidate messages")

	// ErrNoCode means candidate messages were read but none carried a code.
	ErrNoCode = errors.New("no verification code in messages")
)

// TimeoutError reports that every scan was used without finding a code.
type TimeoutError struct {
	Kind      Kind
	Recipient string
	Attempts  int

	// SawMessages is false when no scan ever found a candidate message,
	// which often points at a misconfigured mailbox rather than slow mail.
	SawMessages bool

	// LastErr is the last transient failure, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf(
		"no verification code for %s via %s after %d attempts",
		e.Recipient, e.Kind, e.Attempts,
	)
	if !e.SawMessages {
		msg += " (no messages arrived; check the mailbox configuration)"
	}
	if e.LastErr != nil {
		msg += fmt.Sprintf(": last error: %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err (or any error in its chain) is a TimeoutError.
func IsTimeout(err error) bool {
	var tErr *TimeoutError
	return errors.As(err, &tErr)
}

// AuthError indicates that mailbox authentication failed and no fallback
// was available. It is never retried.
type AuthError struct {
	Kind    Kind
	User    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s, %s): %s: %v", e.Kind, e.User, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s, %s): %s", e.Kind, e.User, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// transportFailure reports whether err came from the connection rather
// than from a server reply. Such failures are retried like any other
// transient scan error.
func transportFailure(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
