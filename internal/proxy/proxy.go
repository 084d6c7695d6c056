// Package proxy runs the encrypting MCP proxy: a stdio server mirroring
// the relay's plaintext tool surface, with human-interaction tools
// transparently rerouted through their encrypted variants. The local
// client never sees the encryption, and the relay never sees the
// plaintext.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/keys"
	"github.com/alexjbarnes/hitl-agent/internal/models"
)

// RelaySession is the slice of mcp.ClientSession the proxy consumes.
type RelaySession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// DeviceKeySource provides the recipient public keys for sealing.
type DeviceKeySource interface {
	DevicePublicKeys(ctx context.Context) ([]string, error)
}

// Proxy bridges a local stdio MCP client to the remote relay.
type Proxy struct {
	relay     RelaySession
	keySource DeviceKeySource
	kp        *keys.KeyPair
	exchanges *Exchanges
	logger    *slog.Logger
}

// New creates a proxy over an established relay session.
func New(relay RelaySession, keySource DeviceKeySource, kp *keys.KeyPair, logger *slog.Logger) *Proxy {
	return &Proxy{
		relay:     relay,
		keySource: keySource,
		kp:        kp,
		exchanges: NewExchanges(),
		logger:    logger,
	}
}

// Connect opens an MCP session to the relay over streamable HTTP. The
// http.Client's transport injects the bearer token, so expired tokens
// are refreshed without the session noticing.
func Connect(ctx context.Context, relayURL, version string, httpClient *http.Client) (*mcp.ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "hitl-agent", Version: version}, nil)

	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   relayURL,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay %s: %w", relayURL, err)
	}

	return session, nil
}

// BuildServer mirrors the relay's tool surface onto a local MCP server.
// Encrypted variants are hidden, sensitive tools get sealing handlers,
// and everything else passes through untouched.
func (p *Proxy) BuildServer(ctx context.Context, version string) (*mcp.Server, error) {
	remote, err := p.relay.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("listing relay tools: %w", err)
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "hitl-e2ee-proxy", Version: version},
		nil,
	)

	var exposed, hidden int

	for _, tool := range remote.Tools {
		if isEncryptedVariant(tool.Name) {
			hidden++
			continue
		}

		local := *tool
		if local.InputSchema == nil {
			local.InputSchema = &jsonschema.Schema{Type: "object"}
		}
		exposed++

		if isSensitive(tool.Name) {
			server.AddTool(&local, p.sensitiveHandler(tool.Name))
		} else {
			server.AddTool(&local, p.passthroughHandler(tool.Name))
		}
	}

	p.logger.Info("mirrored relay tool surface",
		slog.Int("exposed", exposed),
		slog.Int("hidden_encrypted_variants", hidden))

	return server, nil
}

// Run serves the proxy on stdio until ctx is cancelled or the client
// disconnects. Outstanding exchanges are cancelled on the way out.
func (p *Proxy) Run(ctx context.Context, version string) error {
	server, err := p.BuildServer(ctx, version)
	if err != nil {
		return err
	}

	defer func() {
		if err := p.Close(); err != nil {
			p.logger.Warn("closing relay session", slog.String("error", err.Error()))
		}
	}()

	p.logger.Info("proxy serving on stdio")

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving stdio: %w", err)
	}

	return nil
}

// Close cancels outstanding exchanges and closes the relay session.
func (p *Proxy) Close() error {
	p.exchanges.Shutdown()

	return p.relay.Close()
}

// Request drives one sealed human-interaction round-trip directly,
// without a local MCP client attached, and parses the decrypted reply.
// Used by the request and notify CLI commands.
func (p *Proxy) Request(ctx context.Context, tool string, args map[string]any) (*models.HumanResponse, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshalling arguments: %w", err)
	}

	res, err := p.sealedCall(ctx, tool, data)
	if err != nil {
		return nil, err
	}

	if res.IsError {
		text, _ := resultText(res)
		return nil, fmt.Errorf("relay rejected %s: %s", tool, text)
	}

	text, err := resultText(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecryption, err)
	}

	return parseHumanResponse([]byte(text)), nil
}

// sensitiveHandler routes a local call for a human-interaction tool
// through the sealed exchange path. Any sealing or opening failure
// aborts this exchange only.
func (p *Proxy) sensitiveHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := rawArguments(req)
		if err != nil {
			return nil, err
		}

		return p.sealedCall(ctx, name, args)
	}
}

// sealedCall seals the arguments to the user's device key, calls the
// relay's encrypted variant, and decrypts the response. A relay-reported
// failure carries no envelope and is surfaced as-is.
func (p *Proxy) sealedCall(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ex, err := p.exchanges.Begin(ctx, name)
	if err != nil {
		return nil, err
	}
	defer p.exchanges.End(ex)

	logger := p.logger.With(
		slog.String("exchange_id", ex.ID),
		slog.String("tool", name))

	deviceKeys, err := p.keySource.DevicePublicKeys(ex.Context())
	if err != nil {
		return nil, p.exchangeErr(ex, err)
	}

	if len(deviceKeys) == 0 {
		return nil, fmt.Errorf("%w: no device public keys registered", apperrors.ErrEncryption)
	}

	// Sealed to the first registered device. Multi-recipient
	// fan-out would seal one envelope per key.
	peer, err := keys.DecodeKey(deviceKeys[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrEncryption, err)
	}

	payload, err := sealArguments(args, peer, p.kp)
	if err != nil {
		return nil, err
	}

	logger.Debug("forwarding sealed exchange")

	res, err := p.relay.CallTool(ex.Context(), &mcp.CallToolParams{
		Name:      name + e2eeSuffix,
		Arguments: map[string]any{encryptedPayloadKey: payload},
	})
	if err != nil {
		return nil, p.exchangeErr(ex, err)
	}

	if res.IsError {
		return res, nil
	}

	opened, err := openResult(res, peer, p.kp)
	if err != nil {
		logger.Warn("response failed decryption", slog.String("error", err.Error()))
		return nil, err
	}

	return opened, nil
}

// passthroughHandler forwards a non-sensitive call to the relay's
// plaintext endpoint unmodified.
func (p *Proxy) passthroughHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ex, err := p.exchanges.Begin(ctx, name)
		if err != nil {
			return nil, err
		}
		defer p.exchanges.End(ex)

		args, err := rawArguments(req)
		if err != nil {
			return nil, err
		}

		res, err := p.relay.CallTool(ex.Context(), &mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return nil, p.exchangeErr(ex, err)
		}

		return res, nil
	}
}

// exchangeErr maps a failure during an exchange: shutdown cancellation
// becomes ErrCancelled, everything else passes through.
func (p *Proxy) exchangeErr(ex *Exchange, err error) error {
	if cause := context.Cause(ex.Context()); errors.Is(cause, apperrors.ErrCancelled) {
		return apperrors.ErrCancelled
	}

	return err
}
