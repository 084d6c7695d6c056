package proxy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/nacl/box"

	"github.com/alexjbarnes/hitl-agent/internal/envelope"
	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/keys"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// proxyFixture wires a Proxy over gomock collaborators plus a real
// agent keypair and a simulated device keypair.
type proxyFixture struct {
	proxy      *Proxy
	relay      *MockRelaySession
	keySource  *MockDeviceKeySource
	agent      *keys.KeyPair
	devicePub  *[32]byte
	devicePriv *[32]byte
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()

	ctrl := gomock.NewController(t)

	agent, _, err := keys.NewManager(t.TempDir(), discardLogger()).Ensure()
	require.NoError(t, err)

	devicePub, devicePriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := &proxyFixture{
		relay:      NewMockRelaySession(ctrl),
		keySource:  NewMockDeviceKeySource(ctrl),
		agent:      agent,
		devicePub:  devicePub,
		devicePriv: devicePriv,
	}
	f.proxy = New(f.relay, f.keySource, agent, discardLogger())

	return f
}

func (f *proxyFixture) deviceKeyB64() string {
	return base64.StdEncoding.EncodeToString(f.devicePub[:])
}

// deviceDecrypt opens an encrypted_payload the way the mobile device
// would, returning the plaintext arguments.
func (f *proxyFixture) deviceDecrypt(t *testing.T, encoded string) []byte {
	t.Helper()

	env, err := envelope.Decode(encoded)
	require.NoError(t, err)

	nonceRaw, err := base64.StdEncoding.DecodeString(env.Nonce)
	require.NoError(t, err)
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)

	var nonce [24]byte
	copy(nonce[:], nonceRaw)

	plaintext, ok := box.Open(nil, ciphertext, &nonce, f.agent.Public(), f.devicePriv)
	require.True(t, ok, "device must be able to open the sealed payload")

	return plaintext
}

// deviceReply seals a response from the device to the agent and wraps
// it as the relay's text result.
func (f *proxyFixture) deviceReply(t *testing.T, plaintext []byte) *mcp.CallToolResult {
	t.Helper()

	var nonce [24]byte
	_, err := rand.Read(nonce[:])
	require.NoError(t, err)

	ciphertext := box.Seal(nil, plaintext, &nonce, f.agent.Public(), f.devicePriv)

	env := &envelope.Envelope{
		Version:    envelope.Version,
		Sender:     f.deviceKeyB64(),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	encoded, err := env.Encode()
	require.NoError(t, err)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: encoded}},
	}
}

func callRequest(name string, args string) *mcp.CallToolRequest {
	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{
			Name:      name,
			Arguments: json.RawMessage(args),
		},
	}
}

func TestSensitiveHandler_SealsAndDecrypts(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return([]string{f.deviceKeyB64()}, nil)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			assert.Equal(t, "request_human_input_e2ee", params.Name)

			args, ok := params.Arguments.(map[string]any)
			require.True(t, ok)
			payload, ok := args[encryptedPayloadKey].(string)
			require.True(t, ok)

			// The relay sees only the sealed payload; the device can
			// open it and read the original arguments.
			plaintext := f.deviceDecrypt(t, payload)
			assert.JSONEq(t, `{"prompt":"deploy to prod?","choices":["yes","no"]}`, string(plaintext))

			return f.deviceReply(t, []byte(`{"text":"yes","approved":true}`)), nil
		})

	handler := f.proxy.sensitiveHandler("request_human_input")
	res, err := handler(context.Background(), callRequest("request_human_input", `{"prompt":"deploy to prod?","choices":["yes","no"]}`))
	require.NoError(t, err)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"yes","approved":true}`, text.Text)
}

func TestSensitiveHandler_NoDeviceKeysFailsClosed(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return(nil, nil)

	handler := f.proxy.sensitiveHandler("notify_human")
	_, err := handler(context.Background(), callRequest("notify_human", `{"message":"hi"}`))

	assert.ErrorIs(t, err, apperrors.ErrEncryption)
}

func TestSensitiveHandler_TamperedResponseFailsClosed(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return([]string{f.deviceKeyB64()}, nil)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			res := f.deviceReply(t, []byte(`{"text":"yes"}`))

			// Corrupt one byte of the encoded envelope in transit.
			text := res.Content[0].(*mcp.TextContent)
			raw := []byte(text.Text)
			raw[len(raw)/2] ^= 0x01
			text.Text = string(raw)

			return res, nil
		})

	handler := f.proxy.sensitiveHandler("request_human_input")
	_, err := handler(context.Background(), callRequest("request_human_input", `{"prompt":"x"}`))

	assert.ErrorIs(t, err, apperrors.ErrDecryption)
}

func TestSensitiveHandler_RelayErrorResultPassesThrough(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return([]string{f.deviceKeyB64()}, nil)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).Return(&mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "no devices online"}},
	}, nil)

	handler := f.proxy.sensitiveHandler("request_human_input")
	res, err := handler(context.Background(), callRequest("request_human_input", `{"prompt":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPassthroughHandler_ForwardsUnmodified(t *testing.T) {
	f := newProxyFixture(t)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			assert.Equal(t, "list_pending_requests", params.Name)

			raw, ok := params.Arguments.(json.RawMessage)
			require.True(t, ok)
			assert.JSONEq(t, `{"limit":5}`, string(raw))

			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "[]"}},
			}, nil
		})

	handler := f.proxy.passthroughHandler("list_pending_requests")
	res, err := handler(context.Background(), callRequest("list_pending_requests", `{"limit":5}`))
	require.NoError(t, err)

	text := res.Content[0].(*mcp.TextContent)
	assert.Equal(t, "[]", text.Text)
}

func TestShutdown_CancelsInFlightExchange(t *testing.T) {
	f := newProxyFixture(t)

	started := make(chan struct{})

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	handler := f.proxy.passthroughHandler("list_pending_requests")

	done := make(chan error, 1)
	go func() {
		_, err := handler(context.Background(), callRequest("list_pending_requests", `{}`))
		done <- err
	}()

	<-started
	f.proxy.exchanges.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not unwind after shutdown")
	}
}

func TestBuildServer_HidesEncryptedVariants(t *testing.T) {
	f := newProxyFixture(t)

	f.relay.EXPECT().ListTools(gomock.Any(), gomock.Any()).Return(&mcp.ListToolsResult{
		Tools: []*mcp.Tool{
			{Name: "request_human_input", Description: "ask the human"},
			{Name: "request_human_input_e2ee", Description: "internal"},
			{Name: "notify_human", Description: "notify the human"},
			{Name: "notify_human_e2ee", Description: "internal"},
			{Name: "list_pending_requests", Description: "list open requests"},
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := f.proxy.BuildServer(ctx, "test")
	require.NoError(t, err)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	_, err = server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range listed.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"request_human_input", "notify_human", "list_pending_requests"}, names)
	assert.NotContains(t, names, "request_human_input_e2ee")
	assert.NotContains(t, names, "notify_human_e2ee")
}

func TestConcurrentExchanges_NoCrossTalk(t *testing.T) {
	f := newProxyFixture(t)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			raw := params.Arguments.(json.RawMessage)

			var args struct {
				Limit int `json:"limit"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}

			body, _ := json.Marshal(map[string]int{"echo": args.Limit})

			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
			}, nil
		}).Times(10)

	handler := f.proxy.passthroughHandler("list_pending_requests")

	results := make([]string, 10)
	errs := make([]error, 10)
	done := make(chan int, 10)

	for i := range 10 {
		go func() {
			body, _ := json.Marshal(map[string]int{"limit": i})
			res, err := handler(context.Background(), callRequest("list_pending_requests", string(body)))
			errs[i] = err
			if err == nil {
				results[i] = res.Content[0].(*mcp.TextContent).Text
			}
			done <- i
		}()
	}

	for range 10 {
		<-done
	}

	for i := range 10 {
		require.NoError(t, errs[i])
		assert.JSONEq(t, string(mustJSON(t, map[string]int{"echo": i})), results[i],
			"response %d must match its own request", i)
	}
}

func TestRequest_ParsesHumanResponse(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return([]string{f.deviceKeyB64()}, nil)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			assert.Equal(t, "request_human_input_e2ee", params.Name)

			args, ok := params.Arguments.(map[string]any)
			require.True(t, ok)

			plaintext := f.deviceDecrypt(t, args[encryptedPayloadKey].(string))
			assert.JSONEq(t, `{"prompt":"ship it?"}`, string(plaintext))

			reply := mustJSON(t, map[string]any{
				"text":     "looks good",
				"approved": true,
				"attachments": []map[string]any{{
					"download_url": "https://hitlrelay.app/files/f1",
					"filename":     "diff.patch",
					"content_type": "text/x-patch",
					"file_size":    2048,
				}},
			})

			return f.deviceReply(t, reply), nil
		})

	res, err := f.proxy.Request(context.Background(), "request_human_input", map[string]any{"prompt": "ship it?"})
	require.NoError(t, err)

	assert.Equal(t, "looks good", res.Text)
	require.NotNil(t, res.Approved)
	assert.True(t, *res.Approved)

	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "diff.patch", res.Attachments[0].Filename)
	assert.Equal(t, "https://hitlrelay.app/files/f1", res.Attachments[0].DownloadURL)
	assert.EqualValues(t, 2048, res.Attachments[0].FileSize)
}

func TestRequest_RelayErrorSurfaces(t *testing.T) {
	f := newProxyFixture(t)

	f.keySource.EXPECT().DevicePublicKeys(gomock.Any()).Return([]string{f.deviceKeyB64()}, nil)

	f.relay.EXPECT().CallTool(gomock.Any(), gomock.Any()).Return(&mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "no devices online"}},
	}, nil)

	_, err := f.proxy.Request(context.Background(), "notify_human", map[string]any{"message": "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no devices online")
}

func TestParseHumanResponse(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
		wantText  string
	}{
		{name: "structured reply", plaintext: `{"text":"yes","approved":true}`, wantText: "yes"},
		{name: "bare text reply", plaintext: "just a note from the human", wantText: "just a note from the human"},
		{name: "empty object", plaintext: `{}`, wantText: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hr := parseHumanResponse([]byte(tt.plaintext))
			require.NotNil(t, hr)
			assert.Equal(t, tt.wantText, hr.Text)
		})
	}
}

func TestParseHumanResponse_ApprovedAbsentIsNil(t *testing.T) {
	hr := parseHumanResponse([]byte(`{"text":"noted"}`))
	assert.Nil(t, hr.Approved, "absent verdict must stay distinguishable from false")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}
