package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// FileStore keeps the token pair in a JSON file. Writes go through a temp
// file and rename so a crash never leaves a truncated file behind.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a FileStore at path.
func NewFile(path string) *FileStore {
	if path == "" {
		path = "amo_tokens.json"
	}
	return &FileStore{path: path}
}

// Load returns nil, nil when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (*amocrm.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "file store: read %s", s.path)
	}
	var tok amocrm.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, eris.Wrapf(err, "file store: decode %s", s.path)
	}
	return &tok, nil
}

func (s *FileStore) Save(_ context.Context, tok amocrm.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return eris.Wrap(err, "file store: encode token")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".amo_tokens-*")
	if err != nil {
		return eris.Wrap(err, "file store: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "file store: write temp file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "file store: chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "file store: close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return eris.Wrapf(err, "file store: rename to %s", s.path)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
