// Package envelope implements the sealed message format exchanged with
// mobile devices through the relay. Messages are encrypted with NaCl
// box (X25519 + XSalsa20-Poly1305), so the relay never observes
// plaintext and any tampering fails authentication.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	apperrors "github.com/alexjbarnes/hitl-agent/internal/errors"
	"github.com/alexjbarnes/hitl-agent/internal/keys"
)

// Version is the current envelope format version.
const Version = 1

// NonceSize is the NaCl box nonce length in bytes.
const NonceSize = 24

// Envelope is one sealed message. It is constructed per call and never
// cached or reused.
type Envelope struct {
	Version    int    `json:"v"`
	Sender     string `json:"sender"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plaintext to the recipient's public key with a fresh
// random nonce.
func Seal(plaintext []byte, recipient *[keys.KeySize]byte, kp *keys.KeyPair) (*Envelope, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", apperrors.ErrEncryption, err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, recipient, kp.Private())

	return &Envelope{
		Version:    Version,
		Sender:     kp.PublicBase64(),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open authenticates and decrypts an envelope sealed by the holder of
// peer's private key. It fails closed: version, format, and
// authentication failures all return ErrDecryption and no plaintext.
// The peer key comes from the backend's device directory, not from the
// envelope's sender field, so a forged sender cannot redirect trust.
func Open(env *Envelope, peer *[keys.KeySize]byte, kp *keys.KeyPair) ([]byte, error) {
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", apperrors.ErrDecryption, env.Version)
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding nonce: %v", apperrors.ErrDecryption, err)
	}

	if len(nonceRaw) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, expected %d", apperrors.ErrDecryption, len(nonceRaw), NonceSize)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", apperrors.ErrDecryption, err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceRaw)

	plaintext, ok := box.Open(nil, ciphertext, &nonce, peer, kp.Private())
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", apperrors.ErrDecryption)
	}

	return plaintext, nil
}

// Encode returns the envelope's wire form: base64 over compact JSON.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: encoding envelope: %v", apperrors.ErrEncryption, err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses the wire form produced by Encode. Malformed input
// returns ErrDecryption so callers fail closed without distinguishing
// transport corruption from tampering.
func Decode(encoded string) (*Envelope, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", apperrors.ErrDecryption, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: parsing envelope: %v", apperrors.ErrDecryption, err)
	}

	return &env, nil
}
