// Package auth owns the persisted token set and the credential kinds
// consumed by outbound transports. It refreshes expired access tokens
// transparently, deduplicating concurrent refreshes.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/hitl-agent/internal/config"
	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/models"
	"github.com/alexjbarnes/hitl-agent/internal/oauth"
	"github.com/alexjbarnes/hitl-agent/internal/secrets"
)

// tokenFile is the on-disk token record name.
const tokenFile = "token.json"

const (
	// refreshMaxAttempts bounds retries of a transient refresh failure.
	refreshMaxAttempts = 3

	// refreshBaseDelay is the first retry delay; later attempts back
	// off exponentially.
	refreshBaseDelay = 500 * time.Millisecond
)

// Store persists and refreshes the agent's token set. All mutation goes
// through atomic file writes; refreshes within one process are
// single-flight so concurrent callers share one network round-trip.
type Store struct {
	path       string
	skew       time.Duration
	httpClient *http.Client
	registrar  *oauth.Registrar
	resolver   *oauth.EndpointResolver
	logger     *slog.Logger

	sf singleflight.Group
}

// NewStore creates a token store rooted in the config directory.
func NewStore(cfg *config.Config, httpClient *http.Client, registrar *oauth.Registrar, resolver *oauth.EndpointResolver, logger *slog.Logger) *Store {
	return &Store{
		path:       filepath.Join(cfg.ConfigDir, tokenFile),
		skew:       cfg.TokenSkew,
		httpClient: httpClient,
		registrar:  registrar,
		resolver:   resolver,
		logger:     logger,
	}
}

// Load returns the persisted token set, or nil when none exists.
func (s *Store) Load() (*models.TokenSet, error) {
	var ts models.TokenSet
	if err := secrets.ReadJSON(s.path, &ts); err != nil {
		if os.IsNotExist(unwrapAll(err)) {
			return nil, nil
		}

		return nil, err
	}

	if ts.AccessToken == "" {
		return nil, nil
	}

	return &ts, nil
}

// Save persists a token set with owner-only permissions.
func (s *Store) Save(ts *models.TokenSet) error {
	return secrets.WriteJSON(s.path, ts)
}

// Clear deletes the token record entirely.
func (s *Store) Clear() error {
	return secrets.Remove(s.path)
}

// Expired reports whether a token set needs refreshing: true when the
// current time has reached expiry minus the safety skew. A zero expiry
// counts as expired.
func Expired(ts *models.TokenSet, skew time.Duration) bool {
	if ts.ExpiresAt.IsZero() {
		return true
	}

	return !time.Now().Before(ts.ExpiresAt.Add(-skew))
}

// GetValid returns a token set that is safe to present: loaded from
// disk and refreshed first if it is within the skew window of expiry.
// Concurrent callers share a single in-flight refresh.
func (s *Store) GetValid(ctx context.Context) (*models.TokenSet, error) {
	v, err, _ := s.sf.Do("token", func() (any, error) {
		ts, err := s.Load()
		if err != nil {
			return nil, err
		}

		if ts == nil {
			return nil, apperrors.ErrNotLoggedIn
		}

		if !Expired(ts, s.skew) {
			return ts, nil
		}

		return s.Refresh(ctx, ts)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.TokenSet), nil
}

// Refresh exchanges the refresh token for a new token set and persists
// it. Only a server rejection purges the store: the refresh token may
// be revoked or expired, and the caller must re-run the full login.
// Transient transport failures are retried with bounded backoff and
// leave the stored token set untouched; the server never evaluated the
// grant, so the credential is still good.
func (s *Store) Refresh(ctx context.Context, ts *models.TokenSet) (*models.TokenSet, error) {
	reg := s.registrar.Cached()
	if reg == nil {
		s.purge()
		return nil, fmt.Errorf("%w: no client registration on record", apperrors.ErrReauthenticationRequired)
	}

	meta, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving endpoints: %w", err)
	}

	fresh, err := s.refreshWithRetry(ctx, meta.TokenEndpoint, reg, ts)
	if err != nil {
		if oauth.IsTransient(err) {
			return nil, err
		}

		s.purge()

		return nil, fmt.Errorf("%w: %v", apperrors.ErrReauthenticationRequired, err)
	}

	if err := s.Save(fresh); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}

	s.logger.Debug("access token refreshed",
		slog.Time("expires_at", fresh.ExpiresAt))

	return fresh, nil
}

// refreshWithRetry retries transient token-endpoint failures with
// exponential backoff. A rejection returns immediately.
func (s *Store) refreshWithRetry(ctx context.Context, tokenEndpoint string, reg *models.ClientRegistration, ts *models.TokenSet) (*models.TokenSet, error) {
	var lastErr error

	for attempt := 1; attempt <= refreshMaxAttempts; attempt++ {
		fresh, err := oauth.RefreshToken(ctx, s.httpClient, tokenEndpoint, reg, ts)
		if err == nil {
			return fresh, nil
		}

		lastErr = err

		if !oauth.IsTransient(err) || attempt == refreshMaxAttempts {
			break
		}

		delay := refreshBaseDelay << (attempt - 1)
		s.logger.Debug("transient refresh failure, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, &oauth.TransientError{Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (s *Store) purge() {
	if err := s.Clear(); err != nil {
		s.logger.Warn("clearing token store failed", slog.String("error", err.Error()))
	}
}

// unwrapAll walks to the innermost error so os.IsNotExist sees the
// original syscall error through the wrapping added by the secrets
// package.
func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}

		inner := u.Unwrap()
		if inner == nil {
			return err
		}

		err = inner
	}
}
