// Package file implements store.Store on a directory of JSON documents.
//
// Each collection lives in its own file holding a single top-level list,
// ordered newest-first. Writes serialize to a sibling temp file and rename
// it over the target, so readers never observe a partial document. The
// audit stream is a separate append-only JSONL file.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/porterolabs/portero/internal/store"
)

// Store persists every collection under a single base directory. One mutex
// per collection serializes read-modify-write cycles within the process.
type Store struct {
	dir string

	tasksMu     sync.Mutex
	grantsMu    sync.Mutex
	rulesMu     sync.Mutex
	adminMu     sync.Mutex
	approvalsMu sync.Mutex
	auditMu     sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open prepares the base directory and returns a Store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the base directory the store operates on.
func (s *Store) Dir() string { return s.dir }

// Close satisfies store.Store; file handles are not held between calls.
func (s *Store) Close() error { return nil }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// readDoc loads a collection document. A missing file yields the zero
// document, which is the documented empty shape for every collection.
func readDoc[T any](path string) (T, error) {
	var doc T
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("%w: read %s: %v", store.ErrUnavailable, filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: parse %s: %v", store.ErrUnavailable, filepath.Base(path), err)
	}
	return doc, nil
}

// writeDoc serializes a collection document and commits it atomically.
func writeDoc(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", store.ErrUnavailable, filepath.Base(path), err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", store.ErrUnavailable, filepath.Base(path), err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target's directory and
// renames it over the target. A crash in between leaves the previous
// committed content untouched.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
