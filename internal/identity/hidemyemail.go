package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
)

const hmeDefaultTimeout = 10 * time.Second

// HideMyEmail issues relay addresses from an iCloud+ account. Each
// Generate call asks the service for a candidate address and reserves it
// under the configured label, so mail sent to it is forwarded to the
// account owner.
type HideMyEmail struct {
	*namePool

	cfg    model.HideMyEmailConfig
	client *http.Client
	log    logging.Logger
}

// NewHideMyEmail creates a Hide My Email source. A nil client gets the
// configured timeout (10s by default).
func NewHideMyEmail(cfg model.IdentityConfig, client *http.Client, log logging.Logger) (*HideMyEmail, error) {
	hme := cfg.HideMyEmail
	hme.Cookies = strings.TrimSpace(hme.Cookies)
	if hme.Cookies == "" {
		return nil, &model.ConfigError{Key: "identity.hide_my_email.cookies", Message: "required for the hide_my_email source"}
	}
	if hme.BaseURL == "" {
		return nil, &model.ConfigError{Key: "identity.hide_my_email.base_url", Message: "must not be empty"}
	}

	pool, err := newNamePool(cfg.NamesFile, log)
	if err != nil {
		return nil, err
	}

	if client == nil {
		timeout := hmeDefaultTimeout
		if hme.TimeoutSec > 0 {
			timeout = time.Duration(hme.TimeoutSec) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HideMyEmail{
		namePool: pool,
		cfg:      hme,
		client:   client,
		log:      log.With("source", model.IdentitySourceHideMyEmail),
	}, nil
}

// hmeResponse is the envelope shared by the generate and reserve calls.
type hmeResponse struct {
	Success bool `json:"success"`
	Result  struct {
		HME json.RawMessage `json:"hme"`
	} `json:"result"`
	Error  *hmeError `json:"error"`
	Reason string    `json:"reason"`
}

type hmeError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (r hmeResponse) failure() string {
	switch {
	case r.Reason != "":
		return r.Reason
	case r.Error != nil && r.Error.ErrorMessage != "":
		return r.Error.ErrorMessage
	default:
		return "unknown error"
	}
}

// Generate reserves a new relay address and pairs it with random names
// and a password.
func (h *HideMyEmail) Generate(ctx context.Context) (Identity, error) {
	email, err := h.generateAddress(ctx)
	if err != nil {
		return Identity{}, err
	}
	if err := h.reserve(ctx, email); err != nil {
		return Identity{}, err
	}
	h.log.Info(ctx, "relay address reserved", "email", email)

	first, last := h.pick()
	password, err := h.password()
	if err != nil {
		return Identity{}, err
	}
	return Identity{FirstName: first, LastName: last, Email: email, Password: password}, nil
}

func (h *HideMyEmail) generateAddress(ctx context.Context) (string, error) {
	var out hmeResponse
	if err := h.post(ctx, "/generate", map[string]string{"langCode": "en-us"}, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("generating relay address: %s", out.failure())
	}

	var email string
	if err := json.Unmarshal(out.Result.HME, &email); err != nil || email == "" {
		return "", fmt.Errorf("generating relay address: response carries no address")
	}
	return email, nil
}

func (h *HideMyEmail) reserve(ctx context.Context, email string) error {
	payload := map[string]string{
		"hme":   email,
		"label": h.cfg.Label,
		"note":  h.cfg.Note,
	}
	var out hmeResponse
	if err := h.post(ctx, "/reserve", payload, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("reserving relay address %s: %s", email, out.failure())
	}
	return nil
}

func (h *HideMyEmail) endpoint(path string) string {
	q := url.Values{}
	q.Set("clientBuildNumber", h.cfg.ClientBuildNumber)
	q.Set("clientMasteringNumber", h.cfg.ClientMasteringNumber)
	q.Set("clientId", "")
	q.Set("dsid", "")
	return strings.TrimRight(h.cfg.BaseURL, "/") + path + "?" + q.Encode()
}

func (h *HideMyEmail) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", "https://www.icloud.com")
	req.Header.Set("Referer", "https://www.icloud.com/")
	req.Header.Set("Cookie", h.cfg.Cookies)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &model.ConfigError{
			Key:     "identity.hide_my_email.cookies",
			Message: fmt.Sprintf("rejected by the relay service (%d); sign in again and refresh the cookies", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay service %s returned %d: %s", path, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
