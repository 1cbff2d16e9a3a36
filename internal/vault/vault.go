// Package vault encrypts broker credentials at rest. Credentials are
// sealed with ChaCha20-Poly1305 and only decrypted transiently inside the
// account connection manager during connect.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tradewire/terminal-api/internal/types"
)

var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes")
	ErrCiphertextInvalid = errors.New("ciphertext invalid or tampered")
)

// Vault is a stateless crypto helper around a single symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals the credential into an opaque base64 blob. A fresh random
// nonce is prepended to the ciphertext.
func (v *Vault) Encrypt(cred types.BrokerCredential) (string, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Tampered or truncated blobs
// fail with ErrCiphertextInvalid.
func (v *Vault) Decrypt(blob string) (types.BrokerCredential, error) {
	var cred types.BrokerCredential

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return cred, ErrCiphertextInvalid
	}
	if len(sealed) < v.aead.NonceSize() {
		return cred, ErrCiphertextInvalid
	}

	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return cred, ErrCiphertextInvalid
	}

	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return cred, ErrCiphertextInvalid
	}
	return cred, nil
}
