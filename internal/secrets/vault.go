// Package secrets keeps capability credentials encrypted at rest.
//
// The search and publish API keys are sealed with AES-256-GCM and stored
// in the workflow database. Plaintext only ever lives in process memory;
// the master key arrives via POSTFORGE_MASTER_KEY or is derived from a
// passphrase with PBKDF2.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/postforge/postforge/pkg/schema"
)

// Well-known credential keys consumed by the capability layer.
const (
	KeySearchAPI  = "search_api_key"
	KeyPublishAPI = "publish_api_key"
)

const defaultIterations = 100_000

// SecretStore is the persistence surface the vault needs.
// Satisfied by store.Store; values are ciphertext.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Config selects the vault key. Provide MasterKeyHex (64 hex characters
// encoding a 32-byte key) or Passphrase with Salt.
type Config struct {
	MasterKeyHex string
	Passphrase   string
	Salt         string
	Iterations   int
}

// Vault seals credentials with AES-256-GCM before they reach the store.
type Vault struct {
	store SecretStore
	aead  cipher.AEAD
}

// Open derives the vault key from cfg and binds the vault to a store.
func Open(s SecretStore, cfg Config) (*Vault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Vault{store: s, aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if cfg.MasterKeyHex != "" {
		key, err := hex.DecodeString(cfg.MasterKeyHex)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"master key is not valid hex: %s", err.Error())
		}
		if len(key) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"master key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"either master_key or passphrase is required")
	}
	if cfg.Salt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, []byte(cfg.Salt), iterations, 32)
}

// Set seals value and persists it under key.
func (v *Vault) Set(ctx context.Context, key, value string) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(value), nil)
	return v.store.StoreSecret(ctx, key, sealed)
}

// Get loads and opens the credential stored under key.
func (v *Vault) Get(ctx context.Context, key string) (string, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "secret %q: ciphertext too short", key)
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"secret %q: decrypt failed (wrong master key?)", key)
	}
	return string(plaintext), nil
}

// Delete removes the credential stored under key.
func (v *Vault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// Keys lists the stored credential names. Values stay sealed.
func (v *Vault) Keys(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// Credentials are the resolved capability API keys. Empty fields mean
// the vault holds no value for that key.
type Credentials struct {
	SearchAPIKey  string
	PublishAPIKey string
}

// Credentials resolves the well-known capability keys. Missing keys are
// not an error; anything else (corrupt ciphertext, wrong master key,
// store failure) is.
func (v *Vault) Credentials(ctx context.Context) (Credentials, error) {
	var creds Credentials
	for _, entry := range []struct {
		key  string
		dest *string
	}{
		{KeySearchAPI, &creds.SearchAPIKey},
		{KeyPublishAPI, &creds.PublishAPIKey},
	} {
		value, err := v.Get(ctx, entry.key)
		if err != nil {
			var perr *schema.PipelineError
			if errors.As(err, &perr) && perr.Code == schema.ErrCodeNotFound {
				continue
			}
			return Credentials{}, err
		}
		*entry.dest = value
	}
	return creds, nil
}
