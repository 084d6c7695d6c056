// Package oauth implements the client side of the OAuth 2.1 login:
// PKCE material, dynamic client registration (RFC 7591), the loopback
// callback listener, endpoint discovery, and the authorization flow
// state machine that ties them together.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// verifierBytes is the entropy of a code verifier. 32 random bytes
	// base64url-encode to 43 characters, the RFC 7636 minimum.
	verifierBytes = 32

	// stateBytes is the entropy of the CSRF state parameter.
	stateBytes = 32
)

// PKCESession holds the per-login PKCE and CSRF material. It lives only
// in memory for the duration of one authorization attempt and is never
// persisted.
type PKCESession struct {
	Verifier    string
	Challenge   string
	State       string
	RedirectURI string
	CreatedAt   time.Time
}

// NewPKCESession generates fresh verifier, challenge, and state values
// bound to the given redirect URI. Every call produces new material;
// sessions are never reused.
func NewPKCESession(redirectURI string) (*PKCESession, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	return &PKCESession{
		Verifier:    verifier,
		Challenge:   ChallengeS256(verifier),
		State:       state,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
	}, nil
}

// GenerateVerifier returns a new PKCE code verifier (RFC 7636):
// 32 random bytes encoded as unpadded base64url, 43 characters.
func GenerateVerifier() (string, error) {
	return randomURLSafe(verifierBytes)
}

// ChallengeS256 derives the S256 code challenge from a verifier:
// unpadded base64url of SHA-256 over the verifier's ASCII bytes.
func ChallengeS256(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// GenerateState returns a CSRF state value, generated independently of
// the verifier.
func GenerateState() (string, error) {
	return randomURLSafe(stateBytes)
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
