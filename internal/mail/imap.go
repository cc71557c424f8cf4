package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/oauth"
	"github.com/nhle/provisioner/internal/pace"
)

// TokenSource issues OAuth2 access tokens. *oauth.Provider implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, user string, cred oauth.Credential) (string, error)
}

// These providers need an ID command after login and do not search by
// recipient reliably.
var idQuirkDomains = map[string]bool{
	"163.com":  true,
	"126.com":  true,
	"yeah.net": true,
}

// IMAPClient reads codes over IMAP, opening one connection per scan.
type IMAPClient struct {
	cfg    model.IMAPConfig
	tokens TokenSource
	pacer  *pace.Pacer
	log    logging.Logger
	dial   imapDialer
	now    func() time.Time

	mu          sync.Mutex
	accessToken string
}

// NewIMAPClient creates an IMAP backend.
func NewIMAPClient(
	cfg model.IMAPConfig,
	tokens TokenSource,
	pacer *pace.Pacer,
	log logging.Logger,
) *IMAPClient {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == "" {
		cfg.Port = "993"
	}
	return &IMAPClient{
		cfg:    cfg,
		tokens: tokens,
		pacer:  pacer,
		log:    log.With("backend", model.MailBackendIMAP),
		dial:   dialIMAP,
		now:    time.Now,
	}
}

func (c *IMAPClient) Kind() Kind {
	return model.MailBackendIMAP
}

// FetchCode scans the mailbox for a code sent to recipient. At most
// ScanCeiling scans are made.
func (c *IMAPClient) FetchCode(
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

func (c *IMAPClient) scan(ctx context.Context, recipient string) (string, error) {
	sess, err := c.dial(ctx, c.cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Logout() }()

	if err := c.authenticate(ctx, sess); err != nil {
		return "", err
	}

	byDate := c.searchesByDate()
	if byDate {
		if err := sess.ID(c.idData()); err != nil {
			c.log.Warn(ctx, "IMAP ID command failed", "error", err)
		}
	}

	if err := sess.Select(c.cfg.Mailbox); err != nil {
		return "", fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err)
	}

	uids, err := sess.Search(c.criteria(recipient, byDate))
	if err != nil {
		return "", fmt.Errorf("searching messages: %w", err)
	}
	if len(uids) == 0 {
		return "", ErrNoMessages
	}

	for i := len(uids) - 1; i >= 0; i-- {
		uid := uids[i]
		raw, err := sess.FetchRaw(uid)
		if err != nil {
			c.log.Debug(ctx, "skipping unreadable message", "uid", uid, "error", err)
			continue
		}

		msg := parseRaw(raw)
		if byDate && !msg.SentTo(recipient) {
			continue
		}

		code, ok := ExtractCode(msg.Text, recipient, true)
		if !ok {
			continue
		}

		if err := sess.MarkDeleted(uid); err != nil {
			c.log.Warn(ctx, "could not delete message", "uid", uid, "error", err)
		}
		return code, nil
	}

	return "", ErrNoCode
}

// authenticate tries XOAUTH2 first when configured and falls back to
// LOGIN. A refusal with no password to fall back on is fatal, as is a
// refused password. Connection failures stay transient.
func (c *IMAPClient) authenticate(ctx context.Context, sess imapSession) error {
	if c.cfg.OAuth2Enabled() {
		err := c.authenticateOAuth2(ctx, sess)
		if err == nil {
			return nil
		}
		c.log.Warn(ctx, "oauth2 authentication failed", "error", err)
		if c.cfg.Password == "" {
			if oauthTransient(err) {
				return fmt.Errorf("oauth2 authentication: %w", err)
			}
			return &AuthError{
				Kind:    c.Kind(),
				User:    c.cfg.Username,
				Message: "oauth2 authentication failed and no password is configured",
				Err:     err,
			}
		}
		c.log.Info(ctx, "falling back to password authentication")
	}

	if err := sess.Login(c.cfg.Username, c.cfg.Password); err != nil {
		var imapErr *imap.Error
		if !errors.As(err, &imapErr) {
			return fmt.Errorf("password login: %w", err)
		}
		return &AuthError{
			Kind:    c.Kind(),
			User:    c.cfg.Username,
			Message: "password login failed",
			Err:     err,
		}
	}
	return nil
}

// oauthTransient reports whether an XOAUTH2 failure may clear up on the
// next scan: the server never answered, or the token endpoint was
// unreachable or failing.
func oauthTransient(err error) bool {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return false
	}
	var tokErr *oauth.TokenError
	if errors.As(err, &tokErr) {
		return tokErr.Temporary()
	}
	return transportFailure(err)
}

func (c *IMAPClient) authenticateOAuth2(ctx context.Context, sess imapSession) error {
	token := c.cachedToken()
	if token == "" {
		if c.tokens == nil {
			return errors.New("no oauth2 token source configured")
		}
		t, err := c.tokens.AccessToken(ctx, c.cfg.Username, c.credential())
		if err != nil {
			return err
		}
		token = t
	}

	if err := sess.Authenticate(oauth.NewXOAuth2Client(c.cfg.Username, token)); err != nil {
		c.setCachedToken("")
		return fmt.Errorf("authenticating with %s: %w", oauth.XOAuth2, err)
	}

	c.setCachedToken(token)
	return nil
}

func (c *IMAPClient) credential() oauth.Credential {
	return oauth.Credential{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RefreshToken: c.cfg.RefreshToken,
		AccessToken:  c.cfg.AccessToken,
		TokenURL:     c.cfg.TokenURL,
	}
}

func (c *IMAPClient) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *IMAPClient) setCachedToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *IMAPClient) searchesByDate() bool {
	at := strings.LastIndex(c.cfg.Username, "@")
	if at < 0 {
		return false
	}
	return idQuirkDomains[strings.ToLower(c.cfg.Username[at+1:])]
}

func (c *IMAPClient) idData() *imap.IDData {
	local, _, _ := strings.Cut(c.cfg.Username, "@")
	return &imap.IDData{
		Name:    local,
		Version: "1.0.0",
		Vendor:  "provisioner",
		Address: c.cfg.Username,
	}
}

// criteria searches today's unseen mail for quirky providers and the To
// header everywhere else.
func (c *IMAPClient) criteria(recipient string, byDate bool) *imap.SearchCriteria {
	if !byDate {
		return &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "To", Value: recipient}},
		}
	}

	y, m, d := c.now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	return &imap.SearchCriteria{
		Since:   today,
		Before:  today.AddDate(0, 0, 1),
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
}
