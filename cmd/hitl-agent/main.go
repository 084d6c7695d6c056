package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/hitl-agent/internal/auth"
	"github.com/alexjbarnes/hitl-agent/internal/backend"
	"github.com/alexjbarnes/hitl-agent/internal/config"
	"github.com/alexjbarnes/hitl-agent/internal/keys"
	"github.com/alexjbarnes/hitl-agent/internal/logging"
	"github.com/alexjbarnes/hitl-agent/internal/models"
	"github.com/alexjbarnes/hitl-agent/internal/oauth"
	"github.com/alexjbarnes/hitl-agent/internal/proxy"
	"github.com/alexjbarnes/hitl-agent/internal/secrets"
	"github.com/alexjbarnes/hitl-agent/internal/state"
)

var Version = "dev"

const usage = `usage: hitl-agent <command> [arguments]

commands:
  login                        authorize this agent with the relay backend
  logout                       discard the stored token set
  proxy [relay-url]            run the encrypting MCP proxy on stdio
  request [flags] <prompt>     ask the human a question, end-to-end encrypted
  notify [flags] <message>     send the human an encrypted notification
  agents list                  list registered agents
  agents create --name NAME    register a new agent
  agents rename --id ID --name NAME
  whoami                       show the authenticated agent identity
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	if err := secrets.EnsureDir(cfg.ConfigDir); err != nil {
		return fmt.Errorf("preparing config dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "login":
		return app.login(ctx)
	case "logout":
		return app.logout()
	case "proxy":
		relayURL := cfg.BackendEndpoint("/mcp")
		if len(args) > 0 {
			relayURL = args[0]
		}

		return app.proxy(ctx, relayURL)
	case "request":
		return app.request(ctx, args)
	case "notify":
		return app.notify(ctx, args)
	case "agents":
		return app.agents(ctx, args)
	case "whoami":
		return app.whoami(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires the shared collaborators once per invocation. No hidden
// globals: every command receives its dependencies from here.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	httpClient *http.Client
	appState   *state.State
	registrar  *oauth.Registrar
	resolver   *oauth.EndpointResolver
	store      *auth.Store
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	appState, err := state.Load(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("opening state cache: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	registrar := oauth.NewRegistrar(httpClient, cfg.BackendURL, cfg.Scope, cfg.ConfigDir, logger)
	resolver := oauth.NewEndpointResolver(httpClient, cfg.BackendURL, appState, logger)
	store := auth.NewStore(cfg, httpClient, registrar, resolver, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		appState:   appState,
		registrar:  registrar,
		resolver:   resolver,
		store:      store,
	}, nil
}

func (a *app) Close() {
	if err := a.appState.Close(); err != nil {
		a.logger.Warn("closing state cache", slog.String("error", err.Error()))
	}
}

// login runs the authorization flow, persists the token set, and makes
// sure the encryption keypair exists and is known to the backend.
func (a *app) login(ctx context.Context) error {
	flow := oauth.NewFlow(a.cfg, a.registrar, a.resolver, a.httpClient, a.logger)

	ts, err := flow.Run(ctx)
	if err != nil {
		return err
	}

	ts.AgentName = a.cfg.AgentName
	if err := a.store.Save(ts); err != nil {
		return fmt.Errorf("persisting token set: %w", err)
	}

	kp, generated, err := keys.NewManager(a.cfg.ConfigDir, a.logger).Ensure()
	if err != nil {
		return fmt.Errorf("ensuring keypair: %w", err)
	}

	if generated {
		a.registerPublicKey(ctx, kp)
	}

	fmt.Printf("Logged in as %s.\n\n", a.cfg.AgentName)
	fmt.Println("Add the proxy to your MCP client configuration:")
	fmt.Printf(`
  {
    "mcpServers": {
      "hitl": {
        "command": "hitl-agent",
        "args": ["proxy"]
      }
    }
  }
`)

	return nil
}

// registerPublicKey publishes a freshly generated public key. Failure is
// logged, not fatal: the next proxy run can retry by regenerating
// nothing and calling again.
func (a *app) registerPublicKey(ctx context.Context, kp *keys.KeyPair) {
	creds, err := auth.ResolveCredentials(a.cfg, a.store)
	if err != nil {
		a.logger.Warn("skipping public key registration", slog.String("error", err.Error()))
		return
	}

	agentID, err := creds.AgentID(ctx)
	if err != nil {
		a.logger.Warn("skipping public key registration", slog.String("error", err.Error()))
		return
	}

	client := backend.NewClient(a.cfg.BackendURL, a.authedClient(creds, 30*time.Second), a.logger)
	if err := client.RegisterPublicKey(ctx, agentID, kp.PublicBase64()); err != nil {
		a.logger.Warn("public key registration failed", slog.String("error", err.Error()))
		return
	}

	a.logger.Info("public key registered with backend")
}

// logout discards the token set. The client registration and keypair
// survive so the next login skips re-registration.
func (a *app) logout() error {
	if err := a.store.Clear(); err != nil {
		return fmt.Errorf("clearing token set: %w", err)
	}

	fmt.Println("Logged out.")

	return nil
}

// connectProxy resolves credentials, ensures the keypair, and opens the
// relay session shared by the proxy and the direct commands.
func (a *app) connectProxy(ctx context.Context, relayURL string) (*proxy.Proxy, error) {
	creds, err := auth.ResolveCredentials(a.cfg, a.store)
	if err != nil {
		return nil, err
	}

	kp, generated, err := keys.NewManager(a.cfg.ConfigDir, a.logger).Ensure()
	if err != nil {
		return nil, fmt.Errorf("ensuring keypair: %w", err)
	}

	if generated {
		a.registerPublicKey(ctx, kp)
	}

	session, err := proxy.Connect(ctx, relayURL, Version, a.authedClient(creds, a.cfg.CallTimeout))
	if err != nil {
		return nil, err
	}

	backendClient := backend.NewClient(a.cfg.BackendURL, a.authedClient(creds, 30*time.Second), a.logger)

	a.logger.Info("connected to relay",
		slog.String("version", Version),
		slog.String("relay", relayURL),
		slog.String("credentials", creds.Kind().String()))

	return proxy.New(session, backendClient, kp, a.logger), nil
}

// proxy runs the encrypting MCP proxy until interrupted.
func (a *app) proxy(ctx context.Context, relayURL string) error {
	p, err := a.connectProxy(ctx, relayURL)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(gctx, Version)
	})

	return g.Wait()
}

// request asks the human one question over the sealed exchange path and
// prints the reply, verdict, and any attachments.
func (a *app) request(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	choices := fs.String("choices", "", "comma-separated response choices")
	timeout := fs.Duration("timeout", a.cfg.CallTimeout, "how long to wait for the human")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: hitl-agent request [flags] <prompt>")
	}

	toolArgs := map[string]any{"prompt": strings.Join(fs.Args(), " ")}
	if *choices != "" {
		toolArgs["choices"] = strings.Split(*choices, ",")
	}

	res, err := a.sealedRoundTrip(ctx, "request_human_input", toolArgs, *timeout)
	if err != nil {
		return err
	}

	fmt.Println(res.Text)

	if res.Approved != nil {
		if *res.Approved {
			fmt.Println("Approved.")
		} else {
			fmt.Println("Declined.")
		}
	}

	for _, att := range res.Attachments {
		fmt.Printf("Attachment: %s (%s) %s\n", att.Filename, att.ContentType, att.DownloadURL)
	}

	return nil
}

// notify sends the human a one-way encrypted notification.
func (a *app) notify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	timeout := fs.Duration("timeout", a.cfg.CallTimeout, "how long to wait for delivery")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: hitl-agent notify [flags] <message>")
	}

	res, err := a.sealedRoundTrip(ctx, "notify_human",
		map[string]any{"message": strings.Join(fs.Args(), " ")}, *timeout)
	if err != nil {
		return err
	}

	if res.Text != "" {
		fmt.Println(res.Text)
	} else {
		fmt.Println("Notification delivered.")
	}

	return nil
}

// sealedRoundTrip opens a relay session for one encrypted
// human-interaction exchange and tears it down afterwards.
func (a *app) sealedRoundTrip(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*models.HumanResponse, error) {
	p, err := a.connectProxy(ctx, a.cfg.BackendEndpoint("/mcp"))
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := p.Close(); err != nil {
			a.logger.Warn("closing relay session", slog.String("error", err.Error()))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.Request(callCtx, tool, args)
}

// agents dispatches the agent directory subcommands.
func (a *app) agents(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hitl-agent agents <list|create|rename>")
	}

	creds, err := auth.ResolveCredentials(a.cfg, a.store)
	if err != nil {
		return err
	}

	client := backend.NewClient(a.cfg.BackendURL, a.authedClient(creds, 30*time.Second), a.logger)

	switch args[0] {
	case "list":
		agents, fromCache, err := agentDirectory(ctx, client, a.appState, a.logger)
		if err != nil {
			return err
		}

		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}

		if fromCache {
			fmt.Println("Backend unavailable; showing cached directory.")
		}

		fmt.Printf("%-36s  %s\n", "ID", "NAME")
		for _, agent := range agents {
			fmt.Printf("%-36s  %s\n", agent.ID, agent.Name)
		}

		return nil
	case "create":
		fs := flag.NewFlagSet("agents create", flag.ContinueOnError)
		name := fs.String("name", "", "agent display name")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		if *name == "" {
			return fmt.Errorf("--name is required")
		}

		agent, err := client.CreateAgent(ctx, *name)
		if err != nil {
			return err
		}

		fmt.Printf("Created agent %s (%s).\n", agent.Name, agent.ID)

		return nil
	case "rename":
		fs := flag.NewFlagSet("agents rename", flag.ContinueOnError)
		id := fs.String("id", "", "agent id")
		name := fs.String("name", "", "new display name")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		if *id == "" || *name == "" {
			return fmt.Errorf("--id and --name are required")
		}

		agent, err := client.RenameAgent(ctx, *id, *name)
		if err != nil {
			return err
		}

		fmt.Printf("Renamed agent %s to %s.\n", agent.ID, agent.Name)

		return nil
	default:
		return fmt.Errorf("unknown agents subcommand %q", args[0])
	}
}

// whoami shows the resolved credential kind and agent identity.
func (a *app) whoami(ctx context.Context) error {
	creds, err := auth.ResolveCredentials(a.cfg, a.store)
	if err != nil {
		return err
	}

	agentID, err := creds.AgentID(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Agent:       %s\n", a.cfg.AgentName)
	fmt.Printf("Agent ID:    %s\n", agentID)
	fmt.Printf("Credentials: %s\n", creds.Kind())
	fmt.Printf("Backend:     %s\n", a.cfg.BackendURL)

	return nil
}

// agentDirectory returns the backend agent directory, refreshing the
// local cache on success and serving the cache when the backend is
// unreachable. The second return reports whether the cache was used.
func agentDirectory(ctx context.Context, client *backend.Client, cache *state.State, logger *slog.Logger) ([]models.Agent, bool, error) {
	agents, err := client.ListAgents(ctx)
	if err == nil {
		if cerr := cache.SetAgents(agents); cerr != nil {
			logger.Warn("caching agent directory", slog.String("error", cerr.Error()))
		}

		return agents, false, nil
	}

	cached, cerr := cache.Agents()
	if cerr != nil || len(cached) == 0 {
		return nil, false, err
	}

	logger.Warn("backend unavailable, serving cached agent directory",
		slog.String("error", err.Error()))

	return cached, true, nil
}

// authedClient builds an HTTP client whose transport injects the bearer
// token and agent identity header.
func (a *app) authedClient(creds *auth.Credentials, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: creds.RoundTripper(nil),
		Timeout:   timeout,
	}
}
