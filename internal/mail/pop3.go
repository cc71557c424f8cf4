package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/knadh/go-pop3"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

// pop3ScanDepth is how many of the newest messages one scan reads.
const pop3ScanDepth = 10

// pop3Conn is the subset of a POP3 connection the client needs.
// *pop3.Conn satisfies it.
type pop3Conn interface {
	Auth(user, password string) error
	Stat() (count int, size int, err error)
	Retr(id int) (*message.Entity, error)
	Quit() error
}

type pop3Dialer func(ctx context.Context, cfg model.POP3Config) (pop3Conn, error)

func dialPOP3(_ context.Context, cfg model.POP3Config) (pop3Conn, error) {
	client := pop3.New(pop3.Opt{
		Host:        cfg.Host,
		Port:        cfg.Port,
		TLSEnabled:  true,
		DialTimeout: 30 * time.Second,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connecting to POP3 %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// POP3Client reads codes over POP3 with TLS, scanning the newest messages.
type POP3Client struct {
	cfg   model.POP3Config
	pacer *pace.Pacer
	log   logging.Logger
	dial  pop3Dialer
}

// NewPOP3Client creates a POP3 backend.
func NewPOP3Client(cfg model.POP3Config, pacer *pace.Pacer, log logging.Logger) *POP3Client {
	if cfg.Port == 0 {
		cfg.Port = 995
	}
	return &POP3Client{
		cfg:   cfg,
		pacer: pacer,
		log:   log.With("backend", model.MailBackendPOP3),
		dial:  dialPOP3,
	}
}

func (c *POP3Client) Kind() Kind {
	return model.MailBackendPOP3
}

// FetchCode scans the newest messages, optionally only those from the
// configured sender. At most ScanCeiling scans are made.
func (c *POP3Client) FetchCode(
	ctx context.Context,
	recipient string,
	maxAttempts int,
	retryInterval time.Duration,
) (string, error) {
	attempt, err := NewVerificationAttempt(c.Kind(), recipient, maxAttempts, retryInterval, ScanCeiling)
	if err != nil {
		return "", err
	}
	return attempt.Run(ctx, c.pacer, c.log, func(ctx context.Context) (string, error) {
		return c.scan(ctx, recipient)
	})
}

func (c *POP3Client) scan(ctx context.Context, recipient string) (string, error) {
	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Auth(c.cfg.Username, c.cfg.Password); err != nil {
		if transportFailure(err) {
			return "", fmt.Errorf("POP3 login: %w", err)
		}
		// Anything else is the server's -ERR reply.
		return "", &AuthError{
			Kind:    c.Kind(),
			User:    c.cfg.Username,
			Message: "POP3 login failed",
			Err:     err,
		}
	}

	count, _, err := conn.Stat()
	if err != nil {
		return "", fmt.Errorf("reading mailbox status: %w", err)
	}
	if count == 0 {
		return "", ErrNoMessages
	}

	oldest := max(1, count-pop3ScanDepth+1)
	for id := count; id >= oldest; id-- {
		entity, err := conn.Retr(id)
		if err != nil {
			c.log.Debug(ctx, "skipping unreadable message", "id", id, "error", err)
			continue
		}

		msg := parseEntity(entity)
		if c.cfg.Sender != "" && !msg.SentBy(c.cfg.Sender) {
			continue
		}
		if code, ok := ExtractCode(msg.Text, recipient, false); ok {
			return code, nil
		}
	}

	return "", ErrNoCode
}
