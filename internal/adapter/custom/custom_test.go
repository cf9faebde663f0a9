package custom

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("custom")
	if !ok {
		t.Fatal("expected custom to be registered")
	}
	want := []string{"send_url", "api_key"}
	if len(reg.RequiredConfig) != len(want) {
		t.Fatalf("expected %d required config keys, got %v", len(want), reg.RequiredConfig)
	}
}

func TestNew_RespectsMaxMessageLengthOverride(t *testing.T) {
	a, err := New(adapter.Config{"send_url": "http://x", "api_key": "k", "max_message_length": "500"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := a.(*Adapter)
	if c.MaxMessageLength() != 500 {
		t.Errorf("expected overridden max length 500, got %d", c.MaxMessageLength())
	}
}

func TestNew_IgnoresInvalidMaxMessageLength(t *testing.T) {
	a, err := New(adapter.Config{"send_url": "http://x", "api_key": "k", "max_message_length": "not-a-number"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := a.(*Adapter)
	if c.MaxMessageLength() != defaultMaxMessageLength {
		t.Errorf("expected default max length, got %d", c.MaxMessageLength())
	}
}

func TestConnect_RequiresSendURLAndAPIKey(t *testing.T) {
	a := &Adapter{}
	if err := a.Connect(nil); err == nil {
		t.Error("expected error when send_url and api_key are empty")
	}
}

func TestProcessWebhook_RejectsMissingChatID(t *testing.T) {
	a := &Adapter{apiKey: "secret-key"}
	err := a.ProcessWebhook(nil, nil, []byte(`{"text":"hi"}`), "secret-key")
	if err == nil {
		t.Error("expected error for webhook body missing chat_id")
	}
}

func TestProcessWebhook_RejectsBadSignature(t *testing.T) {
	a := &Adapter{apiKey: "secret-key"}
	err := a.ProcessWebhook(nil, nil, []byte(`{"chat_id":"1","text":"hi"}`), "wrong-key")
	if err != adapter.ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}
