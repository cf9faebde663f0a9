package discord

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

// Connect, SendMessage, and HealthCheck round-trip through the Discord
// gateway/REST API and aren't covered here without a fake transport; these
// tests cover the adapter's pure logic and self-registration.

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("discord")
	if !ok {
		t.Fatal("expected discord to be registered")
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
	d := a.(*Adapter)
	if !d.StripMarkdown {
		t.Error("expected StripMarkdown true")
	}
	if d.MaxMessageLength() != maxMessageLength {
		t.Errorf("expected max message length %d, got %d", maxMessageLength, d.MaxMessageLength())
	}
}

func TestHealthCheck_NilSessionReportsUnhealthy(t *testing.T) {
	a := &Adapter{}
	result, err := a.HealthCheck(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Healthy {
		t.Error("expected unhealthy result for nil session")
	}
}
