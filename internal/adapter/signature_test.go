package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestVerifyMetaSignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "app-secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !VerifyMetaSignature(body, header, secret) {
		t.Error("expected valid signature to verify")
	}
	if VerifyMetaSignature(body, "sha256=deadbeef", secret) {
		t.Error("expected mismatched signature to fail")
	}
	if VerifyMetaSignature(body, header, "wrong-secret") {
		t.Error("expected wrong secret to fail")
	}
}

func TestVerifyLineSignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	secret := "channel-secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyLineSignature(body, header, secret) {
		t.Error("expected valid signature to verify")
	}
	if VerifyLineSignature(body, "not-base64!!!", secret) {
		t.Error("expected invalid base64 to fail closed")
	}
}

func TestVerifyViberSignature(t *testing.T) {
	body := []byte(`{"event":"message"}`)
	token := "auth-token"
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	header := hex.EncodeToString(mac.Sum(nil))

	if !VerifyViberSignature(body, header, token) {
		t.Error("expected valid signature to verify")
	}
	if VerifyViberSignature(body, header, "wrong-token") {
		t.Error("expected wrong token to fail")
	}
}

func TestVerifyCustomSignature(t *testing.T) {
	if !VerifyCustomSignature("Bearer secret-key", "secret-key") {
		t.Error("expected Bearer-prefixed key to verify")
	}
	if !VerifyCustomSignature("secret-key", "secret-key") {
		t.Error("expected bare key to verify")
	}
	if VerifyCustomSignature("Bearer wrong", "secret-key") {
		t.Error("expected mismatched key to fail")
	}
}
