// Package state wraps a bbolt database holding non-secret local caches:
// authorization-server discovery metadata and the backend agent
// directory. Credential records live in owner-only JSON files handled
// by the secrets package, not here.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/hitl-agent/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	metadataBucket = []byte("as_metadata")
	agentsBucket   = []byte("agents")
)

// ASMetadata is a cached authorization-server discovery document
// (RFC 8414), reduced to the endpoints this client consumes.
type ASMetadata struct {
	Issuer                string    `json:"issuer"`
	RegistrationEndpoint  string    `json:"registration_endpoint"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint"`
	FetchedAt             time.Time `json:"fetched_at"`
}

// State wraps a bbolt database for all cached application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at <dir>/state.db, creating it if it
// does not exist. Buckets are created on open.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(agentsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetMetadata returns the cached discovery document for an issuer, or
// nil if absent. Corrupt entries are dropped rather than returned.
func (s *State) GetMetadata(issuer string) (*ASMetadata, error) {
	var m *ASMetadata

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)

		v := b.Get([]byte(issuer))
		if v == nil {
			return nil
		}

		m = &ASMetadata{}
		if err := json.Unmarshal(v, m); err != nil {
			m = nil
			return b.Delete([]byte(issuer))
		}

		return nil
	})

	return m, err
}

// SetMetadata caches a discovery document, keyed by issuer.
func (s *State) SetMetadata(m ASMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket(metadataBucket).Put([]byte(m.Issuer), data)
	})
}

// DeleteMetadata removes the cached discovery document for an issuer.
func (s *State) DeleteMetadata(issuer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Delete([]byte(issuer))
	})
}

// Agents returns the cached backend agent directory.
func (s *State) Agents() ([]models.Agent, error) {
	var agents []models.Agent

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)

		return b.ForEach(func(k, v []byte) error {
			var a models.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			agents = append(agents, a)

			return nil
		})
	})

	return agents, err
}

// SetAgents replaces the cached agent directory.
func (s *State) SetAgents(agents []models.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(agentsBucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(agentsBucket)
		if err != nil {
			return err
		}

		for _, a := range agents {
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(a.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}
