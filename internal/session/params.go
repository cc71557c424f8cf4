// Package session acquires session credentials after registration:
// through a deep-link login handshake polled over HTTP, or directly from
// the session cookie.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const verifierBytes = 32

// ChallengeParams is the PKCE-style proof pair and correlation id for one
// login handshake. It is never reused.
type ChallengeParams struct {
	Verifier  string
	Challenge string
	UUID      string
}

// NewChallengeParams draws a fresh verifier and correlation id from r
// (crypto/rand when nil).
func NewChallengeParams(r io.Reader) (ChallengeParams, error) {
	if r == nil {
		r = rand.Reader
	}

	raw := make([]byte, verifierBytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		return ChallengeParams{}, fmt.Errorf("reading verifier bytes: %w", err)
	}
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return ChallengeParams{}, fmt.Errorf("generating correlation id: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return ChallengeParams{
		Verifier:  verifier,
		Challenge: ChallengeFor(verifier),
		UUID:      id.String(),
	}, nil
}

// ChallengeFor derives the S256 challenge for verifier.
func ChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
