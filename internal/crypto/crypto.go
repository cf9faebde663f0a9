// Package crypto implements envelope encryption for credential entries: a
// single master key, a random per-entry HKDF-SHA256 subkey, and AES-256-GCM
// sealing with additional authenticated data bound to the owning bot (or the
// literal platform scope). Master-key resolution, masking, and the
// encrypted-value envelope shape all follow the same scheme the credential
// store persists to BotEnvironment, PlatformEnvironment rows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

const (
	subkeySize    = 32
	saltSize      = 32
	platformAAD   = "platform"
	botInfoPrefix = "cachibot-bot-env-"
	platformInfo  = "cachibot-platform-env"
)

// Envelope is the persisted shape of one encrypted credential entry, with
// every field base64-encoded at rest by the caller (the store layer).
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
}

// Seal encrypts plaintext under masterKey, scoping the derived subkey and
// the AEAD associated data to botID when non-empty, or to the platform scope
// otherwise.
func Seal(masterKey []byte, botID, plaintext string) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	subkey, err := deriveSubkey(masterKey, salt, botID)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(subkey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aad := aadFor(botID)
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), aad)

	return &Envelope{Ciphertext: ciphertext, Nonce: nonce, Salt: salt}, nil
}

// Open decrypts an Envelope previously produced by Seal. botID must match
// the value supplied at Seal time; a mismatch fails with an authentication
// error, as does any bit flip in ciphertext, nonce, or salt, or a different
// masterKey.
func Open(masterKey []byte, botID string, env *Envelope) (string, error) {
	subkey, err := deriveSubkey(masterKey, env.Salt, botID)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(subkey)
	if err != nil {
		return "", err
	}

	if len(env.Nonce) != gcm.NonceSize() {
		return "", errors.New("crypto: invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aadFor(botID))
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}

	return string(plaintext), nil
}

func aadFor(botID string) []byte {
	if botID == "" {
		return []byte(platformAAD)
	}
	return []byte(botID)
}

func deriveSubkey(masterKey, salt []byte, botID string) ([]byte, error) {
	if len(masterKey) != subkeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", subkeySize, len(masterKey))
	}

	info := platformInfo
	if botID != "" {
		info = botInfoPrefix + botID
	}

	reader := hkdf.New(newSHA256, masterKey, salt, []byte(info))
	subkey := make([]byte, subkeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("crypto: derive subkey: %w", err)
	}
	return subkey, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}
