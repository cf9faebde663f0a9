package viber

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

func hexHMAC(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("viber")
	if !ok {
		t.Fatal("expected viber to be registered")
	}
	if len(reg.RequiredConfig) != 1 || reg.RequiredConfig[0] != "auth_token" {
		t.Errorf("expected auth_token to be required, got %v", reg.RequiredConfig)
	}
}

func TestNew_DefaultsSenderName(t *testing.T) {
	a, err := New(adapter.Config{"auth_token": "x"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := a.(*Adapter)
	if v.senderName != "CachiBot" {
		t.Errorf("expected default sender name, got %q", v.senderName)
	}
}

func TestConnect_RequiresAuthToken(t *testing.T) {
	a := &Adapter{}
	if err := a.Connect(nil); err == nil {
		t.Error("expected error when auth_token is empty")
	}
}

func TestProcessWebhook_IgnoresNonMessageEvents(t *testing.T) {
	a := &Adapter{authToken: "token"}
	body := []byte(`{"event":"subscribed"}`)
	sig := hexHMAC(body, "token")
	if err := a.ProcessWebhook(nil, nil, body, sig); err != nil {
		t.Errorf("expected non-message event to be ignored without error, got %v", err)
	}
}
