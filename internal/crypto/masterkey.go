package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const masterKeyEnvVar = "CACHIBOT_MASTER_KEY"

// LoadMasterKey resolves the 256-bit master key used to derive every
// credential subkey, in order: the CACHIBOT_MASTER_KEY environment
// variable (hex-encoded), then a user-scoped key file at keyFilePath
// (hex-encoded, mode 0600), then auto-generation — a fresh key is written
// to keyFilePath and a one-time warning is logged, since losing that file
// means losing every ciphertext it protects.
func LoadMasterKey(keyFilePath string) ([]byte, error) {
	if hexKey := os.Getenv(masterKeyEnvVar); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode %s: %w", masterKeyEnvVar, err)
		}
		if len(key) != subkeySize {
			return nil, fmt.Errorf("crypto: %s must decode to %d bytes, got %d", masterKeyEnvVar, subkeySize, len(key))
		}
		return key, nil
	}

	if data, err := os.ReadFile(keyFilePath); err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("crypto: decode key file %s: %w", keyFilePath, err)
		}
		if len(key) != subkeySize {
			return nil, fmt.Errorf("crypto: key file %s must decode to %d bytes, got %d", keyFilePath, subkeySize, len(key))
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read key file %s: %w", keyFilePath, err)
	}

	key := make([]byte, subkeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create key directory: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: persist master key: %w", err)
	}

	slog.Warn("generated new master key; losing this file means losing every credential it encrypts",
		"path", keyFilePath)

	return key, nil
}

// DefaultKeyPath returns the conventional per-user master key location,
// "~/<app>/master.key".
func DefaultKeyPath(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("crypto: resolve home directory: %w", err)
	}
	return filepath.Join(home, "."+app, "master.key"), nil
}

// GenerateMasterKey returns a fresh random 256-bit master key, for rotation
// flows that replace the key in use rather than resolve the existing one.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, subkeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate master key: %w", err)
	}
	return key, nil
}

// PersistMasterKey hex-encodes key and writes it to keyFilePath with mode
// 0600, creating the parent directory if needed. Used after a rotation so
// the new key survives a restart the same way an auto-generated key does.
func PersistMasterKey(keyFilePath string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0o700); err != nil {
		return fmt.Errorf("crypto: create key directory: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("crypto: persist master key: %w", err)
	}
	return nil
}
