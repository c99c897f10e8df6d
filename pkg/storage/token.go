package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TokenStore persists the cloud session token as a plain file at a
// configured path, matching what the vendor's desktop tooling expects.
type TokenStore struct {
	path string
}

// NewTokenStore builds a store for the given path. Parent directories are
// created on first write.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Path returns the configured token file location.
func (s *TokenStore) Path() string {
	return s.path
}

// Read returns the stored token with surrounding whitespace stripped. A
// missing file is not an error; it returns "".
func (s *TokenStore) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", errors.Wrapf(err, "read token file %s", s.path)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write replaces the stored token atomically (temp file + rename) so a
// crash mid-write never leaves a truncated token behind.
func (s *TokenStore) Write(token string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create token dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".authtoken-*")
	if err != nil {
		return errors.Wrap(err, "create temp token file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp token file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp token file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "chmod temp token file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename token file into %s", s.path)
	}
	return nil
}
