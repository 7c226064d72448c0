// Package secrets keeps deployment credentials in a single age-encrypted
// file, so ${VAR} references in config never require plaintext on disk.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
)

// AgeEncryptor seals and opens blobs with a single X25519 identity.
type AgeEncryptor struct {
	identity *age.X25519Identity
}

// NewAgeEncryptor loads an identity from an age key file. Comment lines
// and blank lines are ignored, matching age-keygen output.
func NewAgeEncryptor(keyPath string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	id, err := parseKeyFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse age key %s: %w", keyPath, err)
	}
	return &AgeEncryptor{identity: id}, nil
}

// EnsureKeyFile loads the key at path, generating and persisting a fresh
// identity first when the file does not exist.
func EnsureKeyFile(path string) (*AgeEncryptor, error) {
	if _, err := os.Stat(path); err == nil {
		return NewAgeEncryptor(path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat age key: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# public key: %s\n", id.Recipient())
	fmt.Fprintf(&b, "%s\n", id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return nil, fmt.Errorf("write age key: %w", err)
	}
	return &AgeEncryptor{identity: id}, nil
}

// NewEphemeralEncryptor generates a process-lifetime identity. Anything it
// seals is unreadable after a restart.
func NewEphemeralEncryptor() (*AgeEncryptor, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &AgeEncryptor{identity: id}, nil
}

// Recipient returns the public half of the identity.
func (e *AgeEncryptor) Recipient() string {
	return e.identity.Recipient().String()
}

// Encrypt seals plaintext for the encryptor's own recipient.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens a blob sealed by Encrypt.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plaintext, nil
}

func parseKeyFile(data []byte) (*age.X25519Identity, error) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return age.ParseX25519Identity(line)
	}
	return nil, errors.New("no identity line found")
}
