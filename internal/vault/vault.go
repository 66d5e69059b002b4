// Package vault stores provider credentials encrypted at rest, separate
// from the gateway database. Secrets are only ever handed out in memory;
// nothing here logs or serialises them outside the sealed blob.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

const (
	// FileName is the sealed blob's name inside the data directory.
	FileName = "credentials.enc"

	saltLen = 16
	keyLen  = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	// ErrVaultAuth is returned when the blob fails to decrypt, which in
	// practice means a wrong master key.
	ErrVaultAuth = errors.New("vault authentication failed: wrong master key")

	// ErrDisabled is returned from every operation when no master key is
	// configured.
	ErrDisabled = errors.New("credential vault is disabled")

	// ErrNotFound is returned for unknown credential ids.
	ErrNotFound = errors.New("credential not found")
)

// Metadata describes a stored credential without its secret.
type Metadata struct {
	ID          string    `json:"id"`
	ProviderKey string    `json:"provider_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// credential is the sealed on-disk record. The secret never leaves the
// blob except through Resolve.
type credential struct {
	ID          string    `json:"id"`
	ProviderKey string    `json:"provider_key"`
	Secret      string    `json:"secret"`
	CreatedAt   time.Time `json:"created_at"`
}

// Vault is a file-backed credential store sealed with AES-256-GCM under a
// scrypt-derived key. Every operation reloads and decrypts the blob, so a
// wrong master key surfaces on first use rather than at startup.
type Vault struct {
	path      string
	masterKey []byte
	logger    *slog.Logger

	mu sync.Mutex
}

// Open prepares a vault rooted in dataDir. An empty master key yields a
// disabled vault whose operations return ErrDisabled.
func Open(dataDir, masterKey string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		path:   filepath.Join(dataDir, FileName),
		logger: logger.With("component", "vault"),
	}
	if masterKey != "" {
		v.masterKey = []byte(masterKey)
	}
	return v
}

// Enabled reports whether a master key is configured.
func (v *Vault) Enabled() bool { return v.masterKey != nil }

// Put stores a secret under a provider key and returns the credential id.
func (v *Vault) Put(providerKey, secret string) (string, error) {
	if !v.Enabled() {
		return "", ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	creds, err := v.load()
	if err != nil {
		return "", err
	}
	cred := credential{
		ID:          uuid.New().String(),
		ProviderKey: providerKey,
		Secret:      secret,
		CreatedAt:   time.Now().UTC(),
	}
	creds = append(creds, cred)
	if err := v.save(creds); err != nil {
		return "", err
	}
	v.logger.Info("credential stored", "credential_id", cred.ID, "provider_key", providerKey)
	return cred.ID, nil
}

// List returns credential metadata. Secrets are not included.
func (v *Vault) List() ([]Metadata, error) {
	if !v.Enabled() {
		return nil, ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	creds, err := v.load()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(creds))
	for _, c := range creds {
		out = append(out, Metadata{ID: c.ID, ProviderKey: c.ProviderKey, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

// Delete removes a credential.
func (v *Vault) Delete(id string) error {
	if !v.Enabled() {
		return ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	creds, err := v.load()
	if err != nil {
		return err
	}
	kept := creds[:0]
	found := false
	for _, c := range creds {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return ErrNotFound
	}
	if err := v.save(kept); err != nil {
		return err
	}
	v.logger.Info("credential removed", "credential_id", id)
	return nil
}

// Resolve returns the secret for a credential id. Callers keep it in
// memory only; it must never be logged or returned over the API.
func (v *Vault) Resolve(id string) (string, error) {
	if !v.Enabled() {
		return "", ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	creds, err := v.load()
	if err != nil {
		return "", err
	}
	for _, c := range creds {
		if c.ID == id {
			return c.Secret, nil
		}
	}
	return "", ErrNotFound
}

// load reads and unseals the blob. A missing file is an empty vault.
func (v *Vault) load() ([]credential, error) {
	blob, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}

	gcmNonceLen := 12
	if len(blob) < saltLen+gcmNonceLen {
		return nil, ErrVaultAuth
	}
	salt := blob[:saltLen]
	key, err := scrypt.Key(v.masterKey, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[saltLen : saltLen+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, blob[saltLen+gcm.NonceSize():], nil)
	if err != nil {
		return nil, ErrVaultAuth
	}

	var creds []credential
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	return creds, nil
}

// save seals the credential list under a fresh salt and nonce and writes
// it atomically with owner-only permissions.
func (v *Vault) save(creds []credential) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key(v.masterKey, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, saltLen+len(nonce)+len(plain)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plain, nil)

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
