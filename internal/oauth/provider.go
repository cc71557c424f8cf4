package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/provisioner/internal/logging"
)

// Credential is the caller-owned OAuth2 configuration for one mailbox.
// AccessToken, when set, is used as-is instead of refreshing.
type Credential struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenURL     string
}

// Enabled reports whether the credential can be used for a refresh exchange.
func (c Credential) Enabled() bool {
	return c.ClientID != "" && c.RefreshToken != ""
}

// TokenError reports a failed refresh exchange. Callers treat it as a
// reason to fall back to another authentication method.
type TokenError struct {
	TokenURL string
	Status   int
	Err      error
}

func (e *TokenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("oauth2 token exchange at %s failed: HTTP %d: %v", e.TokenURL, e.Status, e.Err)
	}
	return fmt.Sprintf("oauth2 token exchange at %s failed: %v", e.TokenURL, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the exchange may succeed if retried: the
// endpoint answered 5xx or could not be reached at all.
func (e *TokenError) Temporary() bool {
	if e.Status >= http.StatusInternalServerError {
		return true
	}
	if e.Status != 0 {
		return false
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) ||
		errors.Is(e.Err, io.EOF) ||
		errors.Is(e.Err, io.ErrUnexpectedEOF)
}

// IsTokenError reports whether err (or any error in its chain) is a TokenError.
func IsTokenError(err error) bool {
	var tErr *TokenError
	return errors.As(err, &tErr)
}

// Provider performs refresh-token exchanges.
type Provider struct {
	client    *http.Client
	endpoints Endpoints
	log       logging.Logger
}

// NewProvider creates a Provider. A nil client gets a 30s timeout client.
func NewProvider(client *http.Client, endpoints Endpoints, log logging.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		client:    client,
		endpoints: endpoints,
		log:       log.With("component", "oauth"),
	}
}

// Resolve picks the token endpoint: the credential's explicit TokenURL,
// otherwise the table entry for user's mail domain.
func (p *Provider) Resolve(user string, cred Credential) (Endpoint, error) {
	if cred.TokenURL != "" {
		return Endpoint{TokenURL: cred.TokenURL}, nil
	}
	ep, ok := p.endpoints.ForAddress(user)
	if !ok {
		return Endpoint{}, &TokenError{
			Err: fmt.Errorf("no token endpoint configured or known for %q", user),
		}
	}
	return ep, nil
}

// AccessToken exchanges cred's refresh token for an access token. Any
// non-200 answer or a response without access_token is a *TokenError.
func (p *Provider) AccessToken(
	ctx context.Context, user string, cred Credential,
) (string, error) {
	if cred.AccessToken != "" {
		return cred.AccessToken, nil
	}

	ep, err := p.Resolve(user, cred)
	if err != nil {
		return "", err
	}
	p.log.Info(ctx, "requesting oauth2 access token", "token_url", ep.TokenURL)

	cfg := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  ep.RedirectURI,
		Scopes:       ep.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  ep.TokenURL,
			AuthURL:   ep.AuthURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		tErr := &TokenError{TokenURL: ep.TokenURL, Err: err}
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			tErr.Status = rErr.Response.StatusCode
		}
		p.log.Warn(ctx, "oauth2 access token request failed", "error", tErr)
		return "", tErr
	}
	if tok.AccessToken == "" {
		return "", &TokenError{TokenURL: ep.TokenURL, Err: errors.New("response missing access_token")}
	}

	return tok.AccessToken, nil
}
