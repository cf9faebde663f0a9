package webhookingress

import (
	"context"
	"net/http"
	"testing"

	"github.com/jhd3197/cachibot/internal/adapter"
)

type fakeWebhookAdapter struct {
	adapter.Base
	lastSignature string
	lastBodyRaw   []byte
	err           error
}

func (f *fakeWebhookAdapter) Connect(context.Context) error    { return nil }
func (f *fakeWebhookAdapter) Disconnect(context.Context) error { return nil }
func (f *fakeWebhookAdapter) SendMessage(context.Context, string, string) error { return nil }
func (f *fakeWebhookAdapter) SendTyping(context.Context, string) error          { return nil }
func (f *fakeWebhookAdapter) SendResponse(context.Context, string, adapter.Response) error {
	return nil
}
func (f *fakeWebhookAdapter) HealthCheck(context.Context) (adapter.HealthResult, error) {
	return adapter.HealthResult{Healthy: true}, nil
}
func (f *fakeWebhookAdapter) ProcessWebhook(_ context.Context, _ map[string]any, bodyRaw []byte, signatureHeader string) error {
	f.lastSignature = signatureHeader
	f.lastBodyRaw = bodyRaw
	return f.err
}

type fakeNonWebhookAdapter struct {
	adapter.Base
}

func (f *fakeNonWebhookAdapter) Connect(context.Context) error    { return nil }
func (f *fakeNonWebhookAdapter) Disconnect(context.Context) error { return nil }
func (f *fakeNonWebhookAdapter) SendMessage(context.Context, string, string) error { return nil }
func (f *fakeNonWebhookAdapter) SendTyping(context.Context, string) error          { return nil }
func (f *fakeNonWebhookAdapter) SendResponse(context.Context, string, adapter.Response) error {
	return nil
}
func (f *fakeNonWebhookAdapter) HealthCheck(context.Context) (adapter.HealthResult, error) {
	return adapter.HealthResult{Healthy: true}, nil
}

type fakeLookup struct {
	adapters map[string]adapter.Adapter
}

func (l *fakeLookup) Adapter(connectionID string) (adapter.Adapter, bool) {
	a, ok := l.adapters[connectionID]
	return a, ok
}

func TestHandleWebhook_DispatchesSignatureAndBody(t *testing.T) {
	fake := &fakeWebhookAdapter{}
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": fake}})

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", "sha256=abc123")

	err := ingress.HandleWebhook(context.Background(), "whatsapp", "conn-1", []byte(`{"entry":[]}`), headers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.lastSignature != "sha256=abc123" {
		t.Errorf("expected signature header forwarded, got %q", fake.lastSignature)
	}
}

func TestHandleWebhook_PrefersAuthorizationOverAPIKeyForCustom(t *testing.T) {
	fake := &fakeWebhookAdapter{}
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": fake}})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret-key")
	headers.Set("X-Api-Key", "other-key")

	if err := ingress.HandleWebhook(context.Background(), "custom", "conn-1", []byte(`{"chat_id":"1"}`), headers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.lastSignature != "Bearer secret-key" {
		t.Errorf("expected Authorization header preferred, got %q", fake.lastSignature)
	}
}

func TestHandleWebhook_UnknownConnection(t *testing.T) {
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{}})
	err := ingress.HandleWebhook(context.Background(), "whatsapp", "missing", nil, http.Header{})
	if err == nil {
		t.Error("expected error for unknown connection")
	}
}

func TestHandleWebhook_RejectsNonWebhookAdapter(t *testing.T) {
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": &fakeNonWebhookAdapter{}}})
	err := ingress.HandleWebhook(context.Background(), "telegram", "conn-1", nil, http.Header{})
	if err == nil {
		t.Error("expected error when adapter does not implement WebhookAdapter")
	}
}

func TestHandleWebhook_PropagatesInvalidSignature(t *testing.T) {
	fake := &fakeWebhookAdapter{err: adapter.ErrInvalidSignature}
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": fake}})
	err := ingress.HandleWebhook(context.Background(), "whatsapp", "conn-1", []byte(`{}`), http.Header{})
	if err != adapter.ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature to propagate, got %v", err)
	}
}

type fakeHandshakeAdapter struct {
	fakeWebhookAdapter
}

func (f *fakeHandshakeAdapter) VerifyHandshake(mode, verifyToken, challenge string) (string, bool) {
	if mode == "subscribe" && verifyToken == "expected-token" {
		return challenge, true
	}
	return "", false
}

func TestHandleVerification_Succeeds(t *testing.T) {
	fake := &fakeHandshakeAdapter{}
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": fake}})

	echo, ok, err := ingress.HandleVerification("conn-1", "subscribe", "expected-token", "challenge-value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || echo != "challenge-value" {
		t.Errorf("expected handshake to succeed and echo challenge, got %q, %v", echo, ok)
	}
}

func TestHandleVerification_NoHandshakeSupport(t *testing.T) {
	ingress := New(&fakeLookup{adapters: map[string]adapter.Adapter{"conn-1": &fakeWebhookAdapter{}}})
	if _, _, err := ingress.HandleVerification("conn-1", "subscribe", "token", "challenge"); err == nil {
		t.Error("expected error for adapter without handshake support")
	}
}
