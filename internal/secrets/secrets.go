// Package secrets handles the on-disk credential records: the client
// registration, the token set, and the agent keypair. All records are
// owner-only JSON files written atomically so a concurrent reader in
// another process invocation never observes a partial write.
package secrets

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// dirPerm is the permission mode for the record directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for every record file.
	filePerm = fs.FileMode(0o600)
)

// EnsureDir creates the record directory with owner-only permissions.
// An existing directory with looser permissions is tightened.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}

	if err := os.Chmod(dir, dirPerm); err != nil {
		return fmt.Errorf("restricting record directory: %w", err)
	}

	return nil
}

// WriteFile writes data to path atomically: the bytes land in a temp
// file in the same directory, get 0600 permissions, and are renamed
// into place.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// WriteJSON marshals v and writes it atomically to path.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return WriteFile(path, data)
}

// ReadJSON reads path into v. Returns os.ErrNotExist (wrapped) when the
// record does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding record %s: %w", filepath.Base(path), err)
	}

	return nil
}

// Remove deletes a record file. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing record: %w", err)
	}

	return nil
}
