package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/porterolabs/portero/internal/store"
)

// DefaultFile is the secrets file name inside the data directory.
const DefaultFile = "secrets.age"

// Manager reads and writes the encrypted secrets file. The plaintext is a
// flat key/value JSON object; every change rewrites the whole file through
// a temp-and-rename cycle so a crash never leaves partial ciphertext.
type Manager struct {
	mu   sync.Mutex
	path string
	enc  *AgeEncryptor
}

// NewManager creates a Manager over the file at path. The file may not
// exist yet; it appears on the first Put.
func NewManager(path string, enc *AgeEncryptor) *Manager {
	return &Manager{path: path, enc: enc}
}

// Put stores value under key, creating or replacing it.
func (m *Manager) Put(key, value string) error {
	if key == "" {
		return errors.New("secret key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	vals, err := m.load()
	if err != nil {
		return err
	}
	vals[key] = value
	return m.save(vals)
}

// Get returns the value stored under key. Missing keys yield
// store.ErrNotFound.
func (m *Manager) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vals, err := m.load()
	if err != nil {
		return "", err
	}
	v, ok := vals[key]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", key, store.ErrNotFound)
	}
	return v, nil
}

// List returns the stored key names in sorted order, never the values.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vals, err := m.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key. Missing keys yield store.ErrNotFound.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vals, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := vals[key]; !ok {
		return fmt.Errorf("secret %s: %w", key, store.ErrNotFound)
	}
	delete(vals, key)
	return m.save(vals)
}

// Lookup resolves key for config placeholder expansion. Unreadable state
// is logged and treated as a miss so startup can continue on the
// environment alone.
func (m *Manager) Lookup(key string) (string, bool) {
	v, err := m.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("secrets lookup failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (m *Manager) load() (map[string]string, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	plaintext, err := m.enc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	var vals map[string]string
	if err := json.Unmarshal(plaintext, &vals); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	if vals == nil {
		vals = make(map[string]string)
	}
	return vals, nil
}

func (m *Manager) save(vals map[string]string) error {
	plaintext, err := json.Marshal(vals)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	ciphertext, err := m.enc.Encrypt(plaintext)
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}
