// Package keys manages the local master key used to encrypt pool values and
// rollback snapshots at rest and to derive the audit-chain signing key.
//
// The key is stored in the OS keychain when one is available, falling back
// to a 0600 file under the birch data directory. Provider credentials are
// never handled here; connectors read their own environment.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/birchsec/birch/internal/secure"
)

const (
	keyringService = "birch"
	keyringUser    = "master-key"
	keyFileName    = "master-key"
	masterKeySize  = 32
)

// Material holds the master key in protected memory.
type Material struct {
	master *secure.Buffer
}

// Load retrieves the master key, generating and persisting a fresh one on
// first use. baseDir is the birch data directory used for the file fallback.
func Load(baseDir string) (*Material, error) {
	if raw, err := fromKeyring(); err == nil {
		return &Material{master: secure.NewBuffer(raw)}, nil
	}

	raw, err := fromFile(baseDir)
	if err != nil {
		return nil, err
	}
	return &Material{master: secure.NewBuffer(raw)}, nil
}

func fromKeyring() ([]byte, error) {
	encoded, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		raw, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(raw) != masterKeySize {
			return nil, fmt.Errorf("malformed master key in keyring")
		}
		return raw, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	raw := make([]byte, masterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

func fromFile(baseDir string) ([]byte, error) {
	path := filepath.Join(baseDir, keyFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != masterKeySize {
			return nil, fmt.Errorf("master key file %s is corrupt (%d bytes)", path, len(raw))
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	raw = make([]byte, masterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	return raw, nil
}

// LoadFromFile bypasses the OS keychain and uses the file store directly.
// The daemon uses this so headless hosts never block on a keychain prompt.
func LoadFromFile(baseDir string) (*Material, error) {
	raw, err := fromFile(baseDir)
	if err != nil {
		return nil, err
	}
	return &Material{master: secure.NewBuffer(raw)}, nil
}

// WithMasterKey exposes the raw master key to fn. The slice must not
// escape fn.
func (m *Material) WithMasterKey(fn func(key []byte) error) error {
	return m.master.Use(fn)
}

// EncryptString seals value with ChaCha20-Poly1305 under the master key and
// returns base64(nonce || ciphertext).
func (m *Material) EncryptString(value string) (string, error) {
	var out string
	err := m.master.Use(func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return err
		}

		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		sealed := aead.Seal(nil, nonce, []byte(value), nil)
		out = base64.StdEncoding.EncodeToString(append(nonce, sealed...))
		return nil
	})
	return out, err
}

// DecryptString reverses EncryptString.
func (m *Material) DecryptString(encrypted string) (string, error) {
	var out string
	err := m.master.Use(func(key []byte) error {
		combined, err := base64.StdEncoding.DecodeString(encrypted)
		if err != nil {
			return fmt.Errorf("failed to decode encrypted value: %w", err)
		}
		if len(combined) < chacha20poly1305.NonceSize {
			return fmt.Errorf("encrypted value too short")
		}

		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return err
		}

		nonce, ciphertext := combined[:chacha20poly1305.NonceSize], combined[chacha20poly1305.NonceSize:]
		plain, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return fmt.Errorf("failed to decrypt value: %w", err)
		}
		out = string(plain)
		return nil
	})
	return out, err
}

// Destroy releases the protected key material.
func (m *Material) Destroy() {
	m.master.Destroy()
}
