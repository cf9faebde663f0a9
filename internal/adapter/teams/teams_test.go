package teams

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("teams")
	if !ok {
		t.Fatal("expected teams to be registered")
	}
	want := []string{"app_id", "app_password"}
	if len(reg.RequiredConfig) != len(want) {
		t.Fatalf("expected %d required config keys, got %v", len(want), reg.RequiredConfig)
	}
}

func TestSplitChatID(t *testing.T) {
	serviceURL, conversationID := splitChatID("https://smba.trafficmanager.net/amer|conv-123")
	if serviceURL != "https://smba.trafficmanager.net/amer" || conversationID != "conv-123" {
		t.Errorf("unexpected split: %q, %q", serviceURL, conversationID)
	}

	serviceURL, conversationID = splitChatID("conv-only")
	if serviceURL != "" || conversationID != "conv-only" {
		t.Errorf("expected empty service url for chat id without separator, got %q, %q", serviceURL, conversationID)
	}
}

func TestConnect_RequiresAppPassword(t *testing.T) {
	a := &Adapter{}
	if err := a.Connect(nil); err == nil {
		t.Error("expected error when app_password is empty")
	}
}

func TestSendMessage_RequiresServiceURLInChatID(t *testing.T) {
	a := &Adapter{}
	if err := a.SendMessage(nil, "conv-only", "hi"); err == nil {
		t.Error("expected error for chat id without service url")
	}
}
