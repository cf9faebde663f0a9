package line

import (
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

func TestRegistration(t *testing.T) {
	reg, ok := adapter.Get("line")
	if !ok {
		t.Fatal("expected line to be registered")
	}
	want := []string{"channel_access_token", "channel_secret"}
	if len(reg.RequiredConfig) != len(want) {
		t.Fatalf("expected %d required config keys, got %v", len(want), reg.RequiredConfig)
	}
}

func TestConnect_RequiresChannelSecret(t *testing.T) {
	a := &Adapter{}
	if err := a.Connect(nil); err == nil {
		t.Error("expected error when channel_secret is empty")
	}
}

func TestSendTyping_IsNoop(t *testing.T) {
	a := &Adapter{}
	if err := a.SendTyping(nil, "chat-1"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
