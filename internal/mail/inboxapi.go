package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

const (
	inboxPageSize     = 20
	inboxCallPause    = 500 * time.Millisecond
	inboxDeleteTries  = 5
	inboxDeletePause  = 500 * time.Millisecond
	inboxDefaultLimit = 15 * time.Second
)

// InboxAPI reads codes from a disposable-mailbox HTTP API.
type InboxAPI struct {
	cfg    model.InboxConfig
	client *http.Client
	pacer  *pace.Pacer
	log    logging.Logger

	// deletePause separates delete retries.
	deletePause time.Duration
}

// NewInboxAPI creates an InboxAPI backend. A nil client gets the
// configured timeout (15s by default).
func NewInboxAPI(
	cfg model.InboxConfig,
	client *http.Client,
	pacer *pace.Pacer,
	log logging.Logger,
) *InboxAPI {
	if client == nil {
		timeout := inboxDefaultLimit
		if cfg.TimeoutSec > 0 {
			timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &InboxAPI{
		cfg:         cfg,
		client:      client,
		pacer:       pacer,
		log:         log.With("backend", model.MailBackendInboxAPI),
		deletePause: inboxDeletePause,
	}
}

func (b *InboxAPI) Kind() Kind {
	return model.MailBackendInboxAPI
}

// FetchCode polls the inbox, uses the newest message and deletes it once a
// code has been extracted. The API has no scan ceiling.
func (b *InboxAPI) FetchCode(
	ctx context.Context,
	recipient string,
	maxAttempts int,
	retryInterval time.Duration,
) (string, error) {
	addr := b.cfg.Address()
	attempt, err := NewVerificationAttempt(b.Kind(), recipient, maxAttempts, retryInterval, 0)
	if err != nil {
		return "", err
	}

	return attempt.Run(ctx, b.pacer, b.log, func(ctx context.Context) (string, error) {
		code, id, err := b.latestCode(ctx, addr, recipient)
		if err != nil {
			return "", err
		}
		if !b.deleteMessage(ctx, addr, id) {
			b.log.Warn(ctx, "could not delete message", "first_id", id)
		}
		return code, nil
	})
}

// mailID accepts both numeric and string identifiers.
type mailID string

func (id *mailID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = mailID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding mail id %s: %w", data, err)
	}
	if n == "0" {
		*id = ""
		return nil
	}
	*id = mailID(n.String())
	return nil
}

type mailListResponse struct {
	Result  bool   `json:"result"`
	FirstID mailID `json:"first_id"`
}

type mailDetailResponse struct {
	Result  bool   `json:"result"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type deleteResponse struct {
	Result bool `json:"result"`
}

func (b *InboxAPI) latestCode(ctx context.Context, addr, recipient string) (string, mailID, error) {
	q := b.query(addr)
	q.Set("limit", fmt.Sprint(inboxPageSize))

	var list mailListResponse
	if err := b.getJSON(ctx, "/mails", q, &list); err != nil {
		return "", "", err
	}
	if !list.Result || list.FirstID == "" {
		return "", "", ErrNoMessages
	}

	var detail mailDetailResponse
	if err := b.getJSON(ctx, "/mails/"+url.PathEscape(string(list.FirstID)), b.query(addr), &detail); err != nil {
		return "", "", err
	}
	if !detail.Result {
		return "", "", ErrNoMessages
	}

	b.log.Info(ctx, "found message", "subject", detail.Subject, "first_id", list.FirstID)
	code, ok := ExtractCode(detail.Text, recipient, true)
	if !ok {
		return "", "", ErrNoCode
	}
	return code, list.FirstID, nil
}

func (b *InboxAPI) query(addr string) url.Values {
	q := url.Values{}
	q.Set("email", addr)
	q.Set("epin", b.cfg.Epin)
	return q
}

func (b *InboxAPI) endpoint(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + path
}

func (b *InboxAPI) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(path)+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inbox API %s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return b.pacer.Sleep(ctx, inboxCallPause)
}

// deleteMessage removes the used message, best effort.
func (b *InboxAPI) deleteMessage(ctx context.Context, addr string, id mailID) bool {
	form := url.Values{}
	form.Set("email", addr)
	form.Set("first_id", string(id))
	form.Set("epin", b.cfg.Epin)

	pause := b.deletePause
	if pause <= 0 {
		pause = time.Millisecond
	}
	backoff := retry.WithMaxRetries(inboxDeleteTries-1, retry.NewConstant(pause))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := b.deleteOnce(ctx, form)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(errors.New("delete not confirmed"))
		}
		return nil
	})
	if err != nil {
		b.log.Debug(ctx, "delete message failed", "first_id", id, "error", err)
		return false
	}
	return true
}

func (b *InboxAPI) deleteOnce(ctx context.Context, form url.Values) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, b.endpoint("/mails/"), strings.NewReader(form.Encode()),
	)
	if err != nil {
		return false, fmt.Errorf("creating delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("deleting message: %w", err)
	}
	defer resp.Body.Close()

	var out deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding delete response: %w", err)
	}
	return out.Result, nil
}
