package session

import (
	"net/url"
	"strings"
)

const cookieSeparator = "::"

// TokenFromCookie returns the session token carried in the second
// "::"-separated segment of a session cookie value. The value may be
// URL-escaped.
func TokenFromCookie(value string) (string, bool) {
	if unescaped, err := url.PathUnescape(value); err == nil {
		value = unescaped
	}
	parts := strings.Split(value, cookieSeparator)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
