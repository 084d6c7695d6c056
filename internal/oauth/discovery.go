package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/hitl-agent/internal/state"
)

const (
	// wellKnownPath is the RFC 8414 discovery document location.
	wellKnownPath = "/.well-known/oauth-authorization-server"

	// metadataTTL bounds how long a cached discovery document is
	// trusted before it is refetched.
	metadataTTL = 24 * time.Hour

	// maxMetadataBytes caps the discovery response body read.
	maxMetadataBytes = 64 * 1024
)

// Conventional endpoint paths used when the server publishes no
// discovery document.
const (
	defaultRegisterPath  = "/api/v1/oauth/register"
	defaultAuthorizePath = "/api/v1/oauth/authorize"
	defaultTokenPath     = "/api/v1/oauth/token"
)

// EndpointResolver resolves the authorization server's endpoints via
// RFC 8414 discovery, with a bbolt-backed cache so repeat logins and
// proxy startups skip the metadata round-trip.
type EndpointResolver struct {
	httpClient *http.Client
	issuer     string
	cache      *state.State
	logger     *slog.Logger
}

// NewEndpointResolver creates a resolver for the given issuer. cache
// may be nil, in which case every Resolve hits the network.
func NewEndpointResolver(httpClient *http.Client, issuer string, cache *state.State, logger *slog.Logger) *EndpointResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &EndpointResolver{
		httpClient: httpClient,
		issuer:     strings.TrimRight(issuer, "/"),
		cache:      cache,
		logger:     logger,
	}
}

// Resolve returns the issuer's endpoint set, from cache when fresh.
// A server without a discovery document gets the conventional paths.
func (r *EndpointResolver) Resolve(ctx context.Context) (state.ASMetadata, error) {
	if r.cache != nil {
		cached, err := r.cache.GetMetadata(r.issuer)
		if err == nil && cached != nil && time.Since(cached.FetchedAt) < metadataTTL {
			return *cached, nil
		}
	}

	meta, err := r.fetch(ctx)
	if err != nil {
		return state.ASMetadata{}, err
	}

	if r.cache != nil {
		if err := r.cache.SetMetadata(meta); err != nil {
			r.logger.Warn("caching discovery metadata failed", slog.String("error", err.Error()))
		}
	}

	return meta, nil
}

func (r *EndpointResolver) fetch(ctx context.Context) (state.ASMetadata, error) {
	fallback := state.ASMetadata{
		Issuer:                r.issuer,
		RegistrationEndpoint:  r.issuer + defaultRegisterPath,
		AuthorizationEndpoint: r.issuer + defaultAuthorizePath,
		TokenEndpoint:         r.issuer + defaultTokenPath,
		FetchedAt:             time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.issuer+wellKnownPath, nil)
	if err != nil {
		return state.ASMetadata{}, fmt.Errorf("building discovery request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// Discovery is best-effort: a server that cannot be probed now
		// may still accept the conventional endpoints.
		r.logger.Debug("discovery request failed, using conventional endpoints",
			slog.String("error", err.Error()))
		return fallback, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fallback, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return state.ASMetadata{}, fmt.Errorf("reading discovery response: %w", err)
	}

	var doc struct {
		Issuer                string `json:"issuer"`
		RegistrationEndpoint  string `json:"registration_endpoint"`
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return state.ASMetadata{}, fmt.Errorf("decoding discovery document: %w", err)
	}

	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return fallback, nil
	}

	meta := state.ASMetadata{
		Issuer:                r.issuer,
		RegistrationEndpoint:  doc.RegistrationEndpoint,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		FetchedAt:             time.Now(),
	}
	if meta.RegistrationEndpoint == "" {
		meta.RegistrationEndpoint = fallback.RegistrationEndpoint
	}

	return meta, nil
}
