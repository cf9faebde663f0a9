package crypto

import (
	"bytes"
	"testing"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, subkeySize)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testMasterKey()
	original := "sk-ant-REDACTED"

	env, err := Seal(key, "bot-1", original)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(key, "bot-1", env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != original {
		t.Fatalf("round-trip failed: got %q, want %q", got, original)
	}
}

// P1: encrypting the same plaintext twice produces different ciphertexts.
func TestSealIsNonDeterministic(t *testing.T) {
	key := testMasterKey()
	plain := "same-plaintext"

	env1, err := Seal(key, "bot-1", plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env2, err := Seal(key, "bot-1", plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
	if bytes.Equal(env1.Salt, env2.Salt) {
		t.Fatal("two encryptions reused the same salt")
	}
	if bytes.Equal(env1.Nonce, env2.Nonce) {
		t.Fatal("two encryptions reused the same nonce")
	}
}

// P2: decrypting with a different bot_id as AAD fails with an
// authentication error.
func TestOpenWrongBotIDFails(t *testing.T) {
	key := testMasterKey()

	env, err := Seal(key, "bot-1", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(key, "bot-2", env); err == nil {
		t.Fatal("expected authentication failure decrypting with a different bot_id")
	}
}

func TestOpenPlatformScopeVsBotScope(t *testing.T) {
	key := testMasterKey()

	env, err := Seal(key, "", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(key, "bot-1", env); err == nil {
		t.Fatal("expected authentication failure decrypting a platform-scoped entry with a bot_id")
	}
	if _, err := Open(key, "", env); err != nil {
		t.Fatalf("Open platform scope: %v", err)
	}
}

// P3: decrypting with a different master key fails with an authentication
// error.
func TestOpenWrongMasterKeyFails(t *testing.T) {
	key1 := testMasterKey()
	key2 := bytes.Repeat([]byte{0x24}, subkeySize)

	env, err := Seal(key1, "bot-1", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(key2, "bot-1", env); err == nil {
		t.Fatal("expected authentication failure decrypting with a different master key")
	}
}

// P4: mutating any byte of ciphertext, nonce, or salt causes decryption to
// fail.
func TestOpenTamperedFields(t *testing.T) {
	key := testMasterKey()

	mutate := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0xFF
		return out
	}

	cases := []struct {
		name string
		env  func(*Envelope) *Envelope
	}{
		{"ciphertext", func(e *Envelope) *Envelope {
			return &Envelope{Ciphertext: mutate(e.Ciphertext), Nonce: e.Nonce, Salt: e.Salt}
		}},
		{"nonce", func(e *Envelope) *Envelope {
			return &Envelope{Ciphertext: e.Ciphertext, Nonce: mutate(e.Nonce), Salt: e.Salt}
		}},
		{"salt", func(e *Envelope) *Envelope {
			return &Envelope{Ciphertext: e.Ciphertext, Nonce: e.Nonce, Salt: mutate(e.Salt)}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Seal(key, "bot-1", "secret")
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			tampered := tc.env(env)
			if _, err := Open(key, "bot-1", tampered); err == nil {
				t.Fatalf("expected decryption failure after tampering with %s", tc.name)
			}
		})
	}
}

func TestSealRejectsWrongKeyLength(t *testing.T) {
	if _, err := Seal([]byte("too-short"), "bot-1", "secret"); err == nil {
		t.Fatal("expected error for a master key that is not 32 bytes")
	}
}

func TestEncryptDecryptValueEncodedEnvelope(t *testing.T) {
	key := testMasterKey()

	encoded, err := EncryptValue(key, "bot-1", "sk-secret")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	got, err := DecryptValue(key, "bot-1", encoded)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "sk-secret" {
		t.Fatalf("round-trip failed: got %q", got)
	}
}
