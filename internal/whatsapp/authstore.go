package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// credsFile is the on-disk credential document.
type credsFile struct {
	Registered bool            `json:"registered"`
	Creds      json.RawMessage `json:"creds"`
}

// FileAuthStore is the file-backed AuthStore reference implementation:
// a single creds.json under a session directory. Not safe for
// concurrent writers across processes.
type FileAuthStore struct {
	dir string
}

// NewFileAuthStore creates a store rooted at dir, creating it if
// missing.
func NewFileAuthStore(dir string) (*FileAuthStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileAuthStore{dir: dir}, nil
}

func (s *FileAuthStore) path() string {
	return filepath.Join(s.dir, "creds.json")
}

// LoadState implements AuthStore. A missing file yields an empty,
// unregistered state.
func (s *FileAuthStore) LoadState() (AuthState, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return AuthState{}, nil
	}
	if err != nil {
		return AuthState{}, fmt.Errorf("read creds: %w", err)
	}

	var f credsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return AuthState{}, fmt.Errorf("parse creds: %w", err)
	}
	return AuthState{Creds: f.Creds, Registered: f.Registered}, nil
}

// SaveCreds implements AuthStore. Saved credentials always mark the
// session registered; writes go through a temp file and rename.
func (s *FileAuthStore) SaveCreds(creds []byte) error {
	doc, err := json.Marshal(credsFile{Registered: true, Creds: creds})
	if err != nil {
		return fmt.Errorf("marshal creds: %w", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return fmt.Errorf("write creds: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("commit creds: %w", err)
	}
	return nil
}

// ClearState implements AuthStore. Clearing an empty store is a no-op.
func (s *FileAuthStore) ClearState() error {
	err := os.Remove(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// HasExistingState implements AuthStore.
func (s *FileAuthStore) HasExistingState() bool {
	_, err := os.Stat(s.path())
	return err == nil
}
