package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackPath is the path component of the loopback redirect URI.
const CallbackPath = "/callback"

// CallbackResult carries the query parameters of one authorization
// redirect.
type CallbackResult struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

const successPage = `<html><body>
<h1>Authentication Successful</h1>
<p>You can close this window and return to the CLI.</p>
</body></html>`

const failurePage = `<html><body>
<h1>Authentication Failed</h1>
<p>You can close this window.</p>
</body></html>`

// Listener is the ephemeral loopback endpoint that receives the
// authorization redirect. It accepts exactly one redirect; Close is
// safe to call multiple times and from any exit path.
type Listener struct {
	ln      net.Listener
	srv     *http.Server
	results chan CallbackResult

	closeOnce sync.Once
	closeErr  error
}

// NewListener binds a loopback listener. Port 0 picks an ephemeral
// port; a fixed port is used when a cached client registration pins
// the redirect URI.
func NewListener(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding callback listener: %w", err)
	}

	l := &Listener{
		ln: ln,
		// Buffered so the handler never blocks if the browser retries
		// the redirect after the first result was already consumed.
		results: make(chan CallbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, l.handleRedirect)

	l.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		// ErrServerClosed is the normal shutdown path; anything else
		// surfaces as an authorization timeout to the waiting flow.
		_ = l.srv.Serve(ln)
	}()

	return l, nil
}

func (l *Listener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	res := CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html")
	if res.ErrorCode != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, failurePage)
	} else {
		fmt.Fprint(w, successPage)
	}

	select {
	case l.results <- res:
	default:
		// A result is already pending; drop duplicates.
	}
}

// RedirectURI returns the loopback URI the browser is sent back to.
func (l *Listener) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", l.Port(), CallbackPath)
}

// Port returns the bound local port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Wait blocks until one redirect arrives or ctx is done.
func (l *Listener) Wait(ctx context.Context) (CallbackResult, error) {
	select {
	case res := <-l.results:
		return res, nil
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Close releases the listening socket. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.closeErr = l.srv.Shutdown(shutdownCtx)
	})

	return l.closeErr
}
