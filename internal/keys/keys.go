// Package keys owns the agent's long-lived asymmetric keypair used for
// end-to-end encryption. The private half never leaves local storage
// and never appears in logs or serialized output.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/alexjbarnes/hitl-agent/internal/secrets"
)

// keyFile is the on-disk keypair record name.
const keyFile = "agent.key"

// KeySize is the NaCl box key length in bytes.
const KeySize = 32

// KeyPair is the agent's encryption keypair. The private key is
// unexported and reachable only through Private, which the envelope
// package consumes directly.
type KeyPair struct {
	public    *[KeySize]byte
	private   *[KeySize]byte
	CreatedAt time.Time
}

// Public returns the public key.
func (kp *KeyPair) Public() *[KeySize]byte {
	return kp.public
}

// Private returns the private key for use by the sealing routines.
// Never log or serialize the result.
func (kp *KeyPair) Private() *[KeySize]byte {
	return kp.private
}

// PublicBase64 returns the public key in the wire encoding shared with
// the backend and mobile devices.
func (kp *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}

// String identifies the keypair by its public half only.
func (kp *KeyPair) String() string {
	return "keypair(public=" + kp.PublicBase64() + ")"
}

// LogValue keeps the private key out of structured logs even when a
// KeyPair is logged directly.
func (kp *KeyPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("public_key", kp.PublicBase64()),
		slog.Time("created_at", kp.CreatedAt),
	)
}

// keyRecord is the on-disk layout.
type keyRecord struct {
	PublicKey  string    `json:"public_key"`
	PrivateKey string    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manager loads or creates the agent keypair record.
type Manager struct {
	path   string
	logger *slog.Logger
}

// NewManager creates a manager storing the keypair under dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		path:   filepath.Join(dir, keyFile),
		logger: logger,
	}
}

// Ensure returns the agent keypair, generating and persisting a new one
// when none exists. The second return reports whether a fresh pair was
// generated, so the caller can register the public key with the
// backend.
func (m *Manager) Ensure() (*KeyPair, bool, error) {
	kp, err := m.load()
	if err == nil {
		return kp, false, nil
	}

	if !os.IsNotExist(innermost(err)) {
		return nil, false, err
	}

	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generating keypair: %w", err)
	}

	kp = &KeyPair{public: public, private: private, CreatedAt: time.Now()}

	record := keyRecord{
		PublicKey:  base64.StdEncoding.EncodeToString(public[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(private[:]),
		CreatedAt:  kp.CreatedAt,
	}

	if err := secrets.WriteJSON(m.path, record); err != nil {
		return nil, false, fmt.Errorf("persisting keypair: %w", err)
	}

	m.logger.Info("generated agent keypair", slog.Any("keypair", kp))

	return kp, true, nil
}

func (m *Manager) load() (*KeyPair, error) {
	var record keyRecord
	if err := secrets.ReadJSON(m.path, &record); err != nil {
		return nil, err
	}

	public, err := DecodeKey(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key in %s: %w", keyFile, err)
	}

	private, err := DecodeKey(record.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", keyFile, err)
	}

	return &KeyPair{public: public, private: private, CreatedAt: record.CreatedAt}, nil
}

// DecodeKey parses a base64-encoded 32-byte key.
func DecodeKey(encoded string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}

	if len(raw) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, expected %d", len(raw), KeySize)
	}

	var key [KeySize]byte
	copy(key[:], raw)

	return &key, nil
}

func innermost(err error) error {
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
