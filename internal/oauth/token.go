package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/models"
)

// AgentNameHeader identifies the agent on token-endpoint and relay
// requests.
const AgentNameHeader = "X-Agent-Name"

// maxTokenBytes caps the token response body read.
const maxTokenBytes = 64 * 1024

// tokenResponse is the token endpoint's success body for both the
// authorization_code and refresh_token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenError is the RFC 6749 error body.
type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// TransientError marks a token-endpoint failure where the server never
// evaluated the grant: network errors and 429/5xx responses. Callers
// may retry; the presented credentials are not implicated.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable transport failure
// rather than a rejection of the grant.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ExchangeCode submits an authorization code with its PKCE verifier to
// the token endpoint and returns the resulting token set. The caller's
// agent name rides along in the identity header.
func ExchangeCode(ctx context.Context, httpClient *http.Client, tokenEndpoint string, reg *models.ClientRegistration, code, verifier, agentName string) (*models.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {reg.RedirectURI},
		"client_id":     {reg.ClientID},
		"code_verifier": {verifier},
	}
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}

	ts, err := postTokenForm(ctx, httpClient, tokenEndpoint, form, agentName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTokenExchange, err)
	}

	ts.AgentName = agentName

	return ts, nil
}

// RefreshToken exchanges a refresh token for a new token set. A rotated
// refresh token replaces the old one; a response without one keeps it,
// supporting both rotating and non-rotating providers.
func RefreshToken(ctx context.Context, httpClient *http.Client, tokenEndpoint string, reg *models.ClientRegistration, prev *models.TokenSet) (*models.TokenSet, error) {
	if prev.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token held", apperrors.ErrTokenRefresh)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {prev.RefreshToken},
		"client_id":     {reg.ClientID},
	}
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}

	ts, err := postTokenForm(ctx, httpClient, tokenEndpoint, form, prev.AgentName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTokenRefresh, err)
	}

	if ts.RefreshToken == "" {
		ts.RefreshToken = prev.RefreshToken
	}

	ts.AgentName = prev.AgentName

	return ts, nil
}

// IsInvalidClient reports whether a token endpoint error names the
// registered client as unknown, meaning the cached registration must
// be discarded and re-created.
func IsInvalidClient(err error) bool {
	return err != nil && strings.Contains(err.Error(), "invalid_client")
}

func postTokenForm(ctx context.Context, httpClient *http.Client, endpoint string, form url.Values, agentName string) (*models.TokenSet, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if agentName != "" {
		req.Header.Set(AgentNameHeader, agentName)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError

		statusErr := fmt.Errorf("server returned %d: %s", resp.StatusCode, sanitizeBody(body))
		if json.Unmarshal(body, &te) == nil && te.Error != "" {
			statusErr = fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, te.Error, te.Description)
		}

		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: statusErr}
		}

		return nil, statusErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	ts := &models.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		Scope:        tr.Scope,
	}

	// Absolute expiry is computed at receipt; a response without
	// expires_in yields a zero ExpiresAt, which the store treats as
	// already expired.
	if tr.ExpiresIn > 0 {
		ts.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return ts, nil
}

// isTransientStatus returns true for status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeBody truncates and sanitizes a response body for inclusion in
// error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	sanitized := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return ' '
		}
		return r
	}, strings.ToValidUTF8(string(body), string(utf8.RuneError)))

	return sanitized
}
