// Package oauth exchanges refresh tokens for short-lived access tokens
// used to authenticate mailbox connections via SASL XOAUTH2.
package oauth

import (
	"slices"
	"strings"
)

// Endpoint describes a provider's OAuth2 endpoints and required scopes.
type Endpoint struct {
	TokenURL    string
	AuthURL     string
	RedirectURI string
	Scopes      []string
}

// Endpoints maps mail domains to provider endpoints. It is built once and
// never mutated; Lookup hands out copies.
type Endpoints struct {
	byDomain map[string]Endpoint
}

var (
	microsoft = Endpoint{
		TokenURL:    "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		AuthURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		RedirectURI: "http://localhost:8000",
		Scopes: []string{
			"offline_access",
			"https://graph.microsoft.com/Mail.ReadWrite",
			"https://graph.microsoft.com/Mail.Send",
			"https://graph.microsoft.com/User.Read",
		},
	}
	yahoo = Endpoint{
		TokenURL:    "https://api.login.yahoo.com/oauth2/get_token",
		AuthURL:     "https://api.login.yahoo.com/oauth2/request_auth",
		RedirectURI: "https://tempmail.plus/imap",
		Scopes:      []string{"mail-rws", "mail-rw"},
	}
	google = Endpoint{
		TokenURL: "https://oauth2.googleapis.com/token",
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		Scopes:   []string{"https://mail.google.com/"},
	}
)

// DefaultEndpoints returns the built-in table for common consumer mail domains.
func DefaultEndpoints() Endpoints {
	return NewEndpoints(map[string]Endpoint{
		"outlook.com":    microsoft,
		"hotmail.com":    microsoft,
		"live.com":       microsoft,
		"office365.com":  microsoft,
		"microsoft.com":  microsoft,
		"yahoo.com":      yahoo,
		"ymail.com":      yahoo,
		"gmail.com":      google,
		"googlemail.com": google,
	})
}

// NewEndpoints copies m into an immutable table.
func NewEndpoints(m map[string]Endpoint) Endpoints {
	byDomain := make(map[string]Endpoint, len(m))
	for domain, ep := range m {
		ep.Scopes = slices.Clone(ep.Scopes)
		byDomain[strings.ToLower(domain)] = ep
	}
	return Endpoints{byDomain: byDomain}
}

// Lookup returns the endpoint registered for domain.
func (e Endpoints) Lookup(domain string) (Endpoint, bool) {
	ep, ok := e.byDomain[strings.ToLower(domain)]
	if !ok {
		return Endpoint{}, false
	}
	ep.Scopes = slices.Clone(ep.Scopes)
	return ep, true
}

// ForAddress looks up the endpoint for the domain part of an email address.
func (e Endpoints) ForAddress(addr string) (Endpoint, bool) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return Endpoint{}, false
	}
	return e.Lookup(addr[at+1:])
}
