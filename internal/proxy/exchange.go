package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
)

// Exchange is one in-flight proxied call. The plaintext payload lives
// only in the handler's stack; the exchange records identity and
// cancellation, nothing sensitive.
type Exchange struct {
	ID        string
	Tool      string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context returns the exchange's context. It is cancelled with
// ErrCancelled when the proxy shuts down.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// Exchanges tracks in-flight proxied calls by correlation id. Matching
// is strictly by id, so concurrent exchanges never cross-talk, and
// shutdown can cancel everything still outstanding.
type Exchanges struct {
	mu     sync.Mutex
	active map[string]*Exchange
	closed bool
}

// NewExchanges creates an empty registry.
func NewExchanges() *Exchanges {
	return &Exchanges{active: make(map[string]*Exchange)}
}

// Begin registers a new exchange with a fresh correlation id. After
// Shutdown it refuses new exchanges with ErrCancelled.
func (x *Exchanges) Begin(ctx context.Context, tool string) (*Exchange, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, apperrors.ErrCancelled
	}

	exCtx, cancel := context.WithCancelCause(ctx)
	ex := &Exchange{
		ID:        uuid.NewString(),
		Tool:      tool,
		StartedAt: time.Now(),
		ctx:       exCtx,
		cancel:    cancel,
	}

	x.active[ex.ID] = ex

	return ex, nil
}

// End removes a completed exchange and releases its context.
func (x *Exchanges) End(ex *Exchange) {
	x.mu.Lock()
	delete(x.active, ex.ID)
	x.mu.Unlock()

	ex.cancel(nil)
}

// Len returns the number of exchanges currently in flight.
func (x *Exchanges) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return len(x.active)
}

// Shutdown cancels every outstanding exchange with ErrCancelled and
// refuses new ones. Each cancelled handler unwinds and reports the
// cancellation for its own exchange only.
func (x *Exchanges) Shutdown() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.closed = true

	for _, ex := range x.active {
		ex.cancel(apperrors.ErrCancelled)
	}
}
