package crypto

import (
	"encoding/base64"
	"fmt"
)

// EncodedEnvelope is the base64-at-rest form of an Envelope, matching the
// {ciphertext, nonce, salt} shape every credential-entry table persists.
type EncodedEnvelope struct {
	Ciphertext string
	Nonce      string
	Salt       string
}

// EncryptValue seals plaintext and base64-encodes the resulting envelope
// for storage. botID is empty for platform-scoped entries.
func EncryptValue(masterKey []byte, botID, plaintext string) (*EncodedEnvelope, error) {
	env, err := Seal(masterKey, botID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt value: %w", err)
	}
	return &EncodedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(env.Nonce),
		Salt:       base64.StdEncoding.EncodeToString(env.Salt),
	}, nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(masterKey []byte, botID string, enc *EncodedEnvelope) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	return Open(masterKey, botID, &Envelope{Ciphertext: ciphertext, Nonce: nonce, Salt: salt})
}
