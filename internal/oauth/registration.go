package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/models"
	"github.com/alexjbarnes/hitl-agent/internal/secrets"
)

// registrationFile is the on-disk client registration record name.
const registrationFile = "client.json"

// maxRegistrationBytes caps the registration response body read.
const maxRegistrationBytes = 64 * 1024

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the subset of the DCR response this client
// consumes.
type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	ClientName   string `json:"client_name,omitempty"`
}

// Registrar performs dynamic client registration, reusing a cached
// registration record when one exists for the same authorization
// server.
type Registrar struct {
	httpClient *http.Client
	issuer     string
	scope      string
	recordPath string
	logger     *slog.Logger
}

// NewRegistrar creates a registrar persisting its record under dir.
func NewRegistrar(httpClient *http.Client, issuer, scope, dir string, logger *slog.Logger) *Registrar {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Registrar{
		httpClient: httpClient,
		issuer:     issuer,
		scope:      scope,
		recordPath: filepath.Join(dir, registrationFile),
		logger:     logger,
	}
}

// Cached returns the persisted registration when it was issued by this
// registrar's authorization server, or nil. Unreadable or mismatched
// records are treated as absent.
func (r *Registrar) Cached() *models.ClientRegistration {
	var reg models.ClientRegistration
	if err := secrets.ReadJSON(r.recordPath, &reg); err != nil {
		return nil
	}

	if reg.ClientID == "" || reg.Issuer != r.issuer {
		return nil
	}

	return &reg
}

// Register returns a client registration for this agent, reusing the
// cached record without a network call when possible. A new
// registration is persisted before it is returned.
func (r *Registrar) Register(ctx context.Context, endpoint, agentName, redirectURI string) (*models.ClientRegistration, error) {
	if cached := r.Cached(); cached != nil {
		r.logger.Debug("reusing cached client registration",
			slog.String("client_id", cached.ClientID))
		return cached, nil
	}

	req := registrationRequest{
		ClientName:              "HITL Agent - " + agentName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
		Scope:                   r.scope,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", apperrors.ErrRegistration, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", apperrors.ErrRegistration, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRegistration, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistrationBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", apperrors.ErrRegistration, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: server returned %d: %s",
			apperrors.ErrRegistration, resp.StatusCode, sanitizeBody(respBody))
	}

	var regResp registrationResponse
	if err := json.Unmarshal(respBody, &regResp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", apperrors.ErrRegistration, err)
	}

	if regResp.ClientID == "" {
		return nil, fmt.Errorf("%w: response missing client_id", apperrors.ErrRegistration)
	}

	reg := &models.ClientRegistration{
		ClientID:     regResp.ClientID,
		ClientSecret: regResp.ClientSecret,
		ClientName:   regResp.ClientName,
		RedirectURI:  redirectURI,
		Issuer:       r.issuer,
		RegisteredAt: time.Now(),
	}

	// Persist before returning so a crash after registration does not
	// orphan the server-side client.
	if err := secrets.WriteJSON(r.recordPath, reg); err != nil {
		return nil, fmt.Errorf("persisting client registration: %w", err)
	}

	r.logger.Info("registered dynamic OAuth client",
		slog.String("client_id", reg.ClientID),
		slog.Bool("confidential", reg.ClientSecret != ""))

	return reg, nil
}

// Invalidate discards the cached registration so the next login
// re-registers. Called when the authorization server rejects the
// stored client.
func (r *Registrar) Invalidate() error {
	return secrets.Remove(r.recordPath)
}
