package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/hitl-agent/internal/envelope"
	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/keys"
	"github.com/alexjbarnes/hitl-agent/internal/models"
)

// e2eeSuffix marks the relay's encrypted-variant tool names.
const e2eeSuffix = "_e2ee"

// encryptedPayloadKey is the single argument the encrypted variants
// accept.
const encryptedPayloadKey = "encrypted_payload"

// sensitiveTools are the human-interaction tools whose arguments and
// responses must never transit the relay in plaintext.
var sensitiveTools = map[string]bool{
	"request_human_input": true,
	"notify_human":        true,
}

// isSensitive reports whether a tool carries human-interaction content.
func isSensitive(name string) bool {
	return sensitiveTools[name]
}

// isEncryptedVariant reports whether a relay tool is an encrypted
// variant that must stay hidden from the local client.
func isEncryptedVariant(name string) bool {
	return strings.HasSuffix(name, e2eeSuffix)
}

// rawArguments normalizes a call's arguments to JSON. The SDK delivers
// server-received arguments as json.RawMessage; anything else is
// marshalled.
func rawArguments(req *mcp.CallToolRequest) (json.RawMessage, error) {
	args := req.Params.Arguments
	if len(args) == 0 {
		return json.RawMessage("{}"), nil
	}

	return args, nil
}

// sealArguments encrypts an arguments document to the recipient and
// returns the encoded envelope for the encrypted_payload argument.
func sealArguments(args json.RawMessage, recipient *[keys.KeySize]byte, kp *keys.KeyPair) (string, error) {
	env, err := envelope.Seal(args, recipient, kp)
	if err != nil {
		return "", err
	}

	return env.Encode()
}

// openResult decrypts an encrypted-variant response. The relay returns
// one text content block holding an encoded envelope; anything else
// fails closed.
func openResult(res *mcp.CallToolResult, peer *[keys.KeySize]byte, kp *keys.KeyPair) (*mcp.CallToolResult, error) {
	encoded, err := resultText(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecryption, err)
	}

	env, err := envelope.Decode(encoded)
	if err != nil {
		return nil, err
	}

	plaintext, err := envelope.Open(env, peer, kp)
	if err != nil {
		return nil, err
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(plaintext)}},
	}, nil
}

// parseHumanResponse interprets a decrypted human reply. Devices send a
// JSON object carrying text, an approval verdict, and any file
// attachments; a reply that is not JSON is treated as bare text.
func parseHumanResponse(plaintext []byte) *models.HumanResponse {
	var hr models.HumanResponse
	if err := json.Unmarshal(plaintext, &hr); err != nil {
		return &models.HumanResponse{Text: string(plaintext)}
	}

	return &hr
}

// resultText extracts the single text block from a tool result.
func resultText(res *mcp.CallToolResult) (string, error) {
	if res == nil || len(res.Content) == 0 {
		return "", fmt.Errorf("empty tool result")
	}

	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		return "", fmt.Errorf("unexpected content type %T", res.Content[0])
	}

	return text.Text, nil
}
