// Package backend talks to the relay backend's REST API: device public
// keys, agent directory, and key registration. Authentication is
// injected through the http.Client's transport, so this package never
// touches tokens directly.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/hitl-agent/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// maxAttempts bounds the retry loop for transient failures.
	maxAttempts = 3

	// retryBaseDelay is the first backoff step; each retry doubles it
	// and adds jitter.
	retryBaseDelay = 500 * time.Millisecond
)

// Client talks to the relay backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents bearer tokens from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client rooted at baseURL. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect
// policy is created. Callers needing authenticated requests pass a
// client whose transport injects the bearer header.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// APIError is the backend's JSON error body.
type APIError struct {
	Error string `json:"error"`
}

// devicePublicKeysResponse mirrors GET /api/v1/devices/public-keys.
type devicePublicKeysResponse struct {
	PublicKeys []string `json:"public_keys"`
}

// DevicePublicKeys returns the base64-encoded public keys of the
// user's registered devices. An empty list means no device can receive
// encrypted messages yet.
func (c *Client) DevicePublicKeys(ctx context.Context) ([]string, error) {
	var resp devicePublicKeysResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/public-keys", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching device public keys: %w", err)
	}

	return resp.PublicKeys, nil
}

// keyRegistration mirrors POST /api/v1/keys/register.
type keyRegistration struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PublicKey  string `json:"public_key"`
}

// RegisterPublicKey publishes the agent's public key so devices can
// seal responses to it.
func (c *Client) RegisterPublicKey(ctx context.Context, agentID, publicKey string) error {
	body := keyRegistration{
		EntityType: "agent",
		EntityID:   agentID,
		PublicKey:  publicKey,
	}

	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/register", body, nil); err != nil {
		return fmt.Errorf("registering public key: %w", err)
	}

	return nil
}

// ListAgents returns the user's agent directory.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &agents); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	return agents, nil
}

// CreateAgent registers a new agent name and returns the created record.
func (c *Client) CreateAgent(ctx context.Context, name string) (*models.Agent, error) {
	body := map[string]string{"name": name}

	var agent models.Agent
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents", body, &agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	return &agent, nil
}

// RenameAgent updates an agent's display name.
func (c *Client) RenameAgent(ctx context.Context, id, name string) (*models.Agent, error) {
	body := map[string]string{"name": name}

	var agent models.Agent
	if err := c.do(ctx, http.MethodPatch, "/api/v1/agents/"+url.PathEscape(id), body, &agent); err != nil {
		return nil, fmt.Errorf("renaming agent: %w", err)
	}

	return &agent, nil
}

// do sends one request with bounded retries for transient failures.
// Client errors, including authorization failures, are never retried.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var lastErr error

	for attempt := range maxAttempts {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			c.logger.Debug("retrying backend request",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.doOnce(ctx, method, endpoint, body, result)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// backoffDelay doubles the base delay per attempt and adds up to 50%
// jitter so synchronized clients do not stampede the backend.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			err := fmt.Errorf("backend %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
			if isTransientStatus(resp.StatusCode) {
				return &TransientError{Err: err}
			}

			return err
		}

		err := fmt.Errorf("backend %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
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

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
