package telegram

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

// Connect, pollLoop, SendMessage, and HealthCheck all round-trip through the
// Telegram Bot API over HTTP and aren't covered here without a fake
// transport; these tests cover the adapter's pure logic and self-registration.

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("telegram")
	if !ok {
		t.Fatal("expected telegram to be registered")
	}
	if len(reg.RequiredConfig) != 1 || reg.RequiredConfig[0] != "bot_token" {
		t.Errorf("expected bot_token to be required, got %v", reg.RequiredConfig)
	}
}

func TestNew_UsesConfiguredStripMarkdown(t *testing.T) {
	a, err := New(adapter.Config{"bot_token": "x", "strip_markdown": "true"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tg := a.(*Adapter)
	if !tg.StripMarkdown {
		t.Error("expected StripMarkdown true")
	}
	if tg.MaxMessageLength() != maxMessageLength {
		t.Errorf("expected max message length %d, got %d", maxMessageLength, tg.MaxMessageLength())
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 123456789 {
		t.Errorf("expected 123456789, got %d", id)
	}

	if _, err := parseChatID("not-a-number"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}
