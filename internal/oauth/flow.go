package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/hitl-agent/internal/config"
	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/models"
)

// FlowState is the authorization flow's current position.
type FlowState int

const (
	StateInit FlowState = iota
	StateAwaitingCallback
	StateCodeReceived
	StateExchanging
	StateComplete
	StateFailed
)

// String returns the state name for logging.
func (s FlowState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateCodeReceived:
		return "code_received"
	case StateExchanging:
		return "exchanging"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flow drives one authorization attempt: registration, browser
// redirect, callback, and code exchange. A Flow is single-use.
type Flow struct {
	cfg        *config.Config
	registrar  *Registrar
	resolver   *EndpointResolver
	httpClient *http.Client
	logger     *slog.Logger

	// openBrowser is swapped out in tests.
	openBrowser func(string) error

	state FlowState
}

// NewFlow creates a single-use authorization flow.
func NewFlow(cfg *config.Config, registrar *Registrar, resolver *EndpointResolver, httpClient *http.Client, logger *slog.Logger) *Flow {
	return &Flow{
		cfg:         cfg,
		registrar:   registrar,
		resolver:    resolver,
		httpClient:  httpClient,
		logger:      logger,
		openBrowser: OpenBrowser,
		state:       StateInit,
	}
}

// State returns the flow's current state.
func (f *Flow) State() FlowState {
	return f.state
}

// Run executes the flow to completion and returns the exchanged token
// set. The callback listener is released and the PKCE session
// discarded on every exit path.
func (f *Flow) Run(ctx context.Context) (*models.TokenSet, error) {
	meta, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, f.fail(fmt.Errorf("resolving endpoints: %w", err))
	}

	listener, err := f.bindListener()
	if err != nil {
		return nil, f.fail(err)
	}
	defer listener.Close()

	reg, err := f.registrar.Register(ctx, meta.RegistrationEndpoint, f.cfg.AgentName, listener.RedirectURI())
	if err != nil {
		return nil, f.fail(err)
	}

	session, err := NewPKCESession(reg.RedirectURI)
	if err != nil {
		return nil, f.fail(fmt.Errorf("creating PKCE session: %w", err))
	}

	authURL := buildAuthorizationURL(meta.AuthorizationEndpoint, reg, session, f.cfg.Scope)

	f.state = StateAwaitingCallback
	f.logger.Info("opening browser for authorization",
		slog.String("authorization_endpoint", meta.AuthorizationEndpoint),
		slog.Int("callback_port", listener.Port()))

	if err := f.openBrowser(authURL); err != nil {
		f.logger.Warn("could not open browser, open the URL manually",
			slog.String("url", authURL),
			slog.String("error", err.Error()))
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.CallbackTimeout)
	defer cancel()

	res, err := listener.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, f.fail(apperrors.ErrAuthorizationTimeout)
		}

		return nil, f.fail(err)
	}

	if res.ErrorCode != "" {
		return nil, f.fail(fmt.Errorf("%w: %s: %s",
			apperrors.ErrAuthorizationDenied, res.ErrorCode, res.ErrorDescription))
	}

	f.state = StateCodeReceived

	// The state echo must match exactly, or the code is never
	// exchanged: a mismatch means the redirect was not a response to
	// this session.
	if res.State != session.State {
		return nil, f.fail(apperrors.ErrStateMismatch)
	}

	if res.Code == "" {
		return nil, f.fail(fmt.Errorf("%w: no authorization code in callback", apperrors.ErrTokenExchange))
	}

	f.state = StateExchanging

	ts, err := ExchangeCode(ctx, f.httpClient, meta.TokenEndpoint, reg, res.Code, session.Verifier, f.cfg.AgentName)
	if err != nil {
		// A registration the server no longer recognizes is purged so
		// the next login re-registers instead of failing the same way.
		if IsInvalidClient(err) {
			if ierr := f.registrar.Invalidate(); ierr != nil {
				f.logger.Warn("invalidating client registration failed",
					slog.String("error", ierr.Error()))
			}
		}

		return nil, f.fail(err)
	}

	f.state = StateComplete
	f.logger.Info("authorization complete",
		slog.String("agent", f.cfg.AgentName),
		slog.Time("expires_at", ts.ExpiresAt))

	return ts, nil
}

func (f *Flow) fail(err error) error {
	f.state = StateFailed
	return err
}

// bindListener binds the callback listener. A cached registration pins
// the redirect URI, so its port is reused; if that port is taken the
// registration is invalidated and an ephemeral port is used instead.
func (f *Flow) bindListener() (*Listener, error) {
	port := f.cfg.CallbackPort

	if cached := f.registrar.Cached(); cached != nil {
		if p := redirectPort(cached.RedirectURI); p > 0 {
			listener, err := NewListener(p)
			if err == nil {
				return listener, nil
			}

			f.logger.Warn("cached callback port unavailable, re-registering",
				slog.Int("port", p),
				slog.String("error", err.Error()))

			if ierr := f.registrar.Invalidate(); ierr != nil {
				return nil, ierr
			}
		}
	}

	return NewListener(port)
}

func redirectPort(redirectURI string) int {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return 0
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}

	return port
}

func buildAuthorizationURL(endpoint string, reg *models.ClientRegistration, session *PKCESession, scope string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {reg.ClientID},
		"redirect_uri":          {session.RedirectURI},
		"scope":                 {scope},
		"state":                 {session.State},
		"code_challenge":        {session.Challenge},
		"code_challenge_method": {"S256"},
	}

	return endpoint + "?" + params.Encode()
}
