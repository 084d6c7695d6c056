package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/hitl-agent/internal/config"
	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/oauth"
	"github.com/alexjbarnes/hitl-agent/internal/secrets"
)

// legacyTokenFile holds a static JWT from installs that predate the
// OAuth login. It has no refresh token and no tracked expiry.
const legacyTokenFile = "legacy.json"

// Kind tags the credential variant resolved at session start.
type Kind int

const (
	// KindOAuth is a refreshable OAuth token set managed by the Store.
	KindOAuth Kind = iota

	// KindLegacyJWT is a static bearer JWT; presented as-is until the
	// server rejects it.
	KindLegacyJWT
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindOAuth:
		return "oauth"
	case KindLegacyJWT:
		return "legacy_jwt"
	default:
		return "unknown"
	}
}

// Credentials is the tagged credential resolved once per process and
// consumed polymorphically by the transport layer.
type Credentials struct {
	kind      Kind
	store     *Store
	legacy    string
	agentName string
}

// legacyRecord is the legacy token file layout.
type legacyRecord struct {
	AccessToken string `json:"access_token"`
}

// ResolveCredentials picks the credential kind for this session: the
// OAuth token set when one is on record, otherwise a legacy static
// JWT. Returns ErrNotLoggedIn when neither exists.
func ResolveCredentials(cfg *config.Config, store *Store) (*Credentials, error) {
	ts, err := store.Load()
	if err != nil {
		return nil, err
	}

	if ts != nil {
		return &Credentials{kind: KindOAuth, store: store, agentName: cfg.AgentName}, nil
	}

	var legacy legacyRecord
	if err := secrets.ReadJSON(filepath.Join(cfg.ConfigDir, legacyTokenFile), &legacy); err == nil && legacy.AccessToken != "" {
		return &Credentials{kind: KindLegacyJWT, legacy: legacy.AccessToken, agentName: cfg.AgentName}, nil
	} else if err != nil && !os.IsNotExist(unwrapAll(err)) {
		return nil, err
	}

	return nil, apperrors.ErrNotLoggedIn
}

// Kind returns the resolved credential kind.
func (c *Credentials) Kind() Kind {
	return c.kind
}

// AccessToken returns a bearer token safe to present right now. For the
// OAuth kind this goes through the store's refresh logic.
func (c *Credentials) AccessToken(ctx context.Context) (string, error) {
	switch c.kind {
	case KindOAuth:
		ts, err := c.store.GetValid(ctx)
		if err != nil {
			return "", err
		}

		return ts.AccessToken, nil
	case KindLegacyJWT:
		return c.legacy, nil
	default:
		return "", fmt.Errorf("unknown credential kind %d", c.kind)
	}
}

// AgentID extracts the agent_id claim from the JWT payload. The
// signature is deliberately not verified: the value is used for
// display and bookkeeping, never authorization.
func (c *Credentials) AgentID(ctx context.Context) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	return jwtClaim(token, "agent_id")
}

// RoundTripper wraps base so every outbound request carries the bearer
// authorization header and the agent identity header.
func (c *Credentials) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	return &bearerTransport{base: base, creds: c}
}

type bearerTransport struct {
	base  http.RoundTripper
	creds *Credentials
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.creds.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	// Per RoundTripper contract the request must not be mutated.
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	clone.Header.Set(oauth.AgentNameHeader, t.creds.agentName)

	return t.base.RoundTrip(clone)
}

// jwtClaim decodes a JWT's payload segment and returns the named claim,
// or "" when absent.
func jwtClaim(token, claim string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", fmt.Errorf("decoding JWT payload: %w", err)
	}

	return gjson.GetBytes(payload, claim).String(), nil
}
