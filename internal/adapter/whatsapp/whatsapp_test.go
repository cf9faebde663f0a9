package whatsapp

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("whatsapp")
	if !ok {
		t.Fatal("expected whatsapp to be registered")
	}
	want := []string{"phone_number_id", "access_token", "app_secret", "verify_token"}
	if len(reg.RequiredConfig) != len(want) {
		t.Fatalf("expected %d required config keys, got %v", len(want), reg.RequiredConfig)
	}
}

func TestVerifyHandshake(t *testing.T) {
	a := &Adapter{verifyToken: "my-verify-token"}

	challenge, ok := a.VerifyHandshake("subscribe", "my-verify-token", "echo-me")
	if !ok || challenge != "echo-me" {
		t.Errorf("expected handshake to succeed and echo challenge, got %q, %v", challenge, ok)
	}

	if _, ok := a.VerifyHandshake("subscribe", "wrong-token", "echo-me"); ok {
		t.Error("expected handshake to fail with wrong verify token")
	}
	if _, ok := a.VerifyHandshake("unsubscribe", "my-verify-token", "echo-me"); ok {
		t.Error("expected handshake to fail with wrong mode")
	}
}

func TestConnect_RequiresPhoneNumberID(t *testing.T) {
	a := &Adapter{}
	if err := a.Connect(nil); err == nil {
		t.Error("expected error when phone_number_id is empty")
	}
}

func TestSendTyping_IsNoop(t *testing.T) {
	a := &Adapter{}
	if err := a.SendTyping(nil, "chat-1"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
