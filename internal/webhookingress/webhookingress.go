// Package webhookingress implements the webhook ingress subsystem
// (spec.md §4.4, route table `/webhooks/{platform}/{connection_id}`):
// signature validation and routing for push-style platform adapters,
// forwarding validated events to the owning adapter's ProcessWebhook.
package webhookingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jhd3197/cachibot/internal/adapter"
)

// AdapterLookup resolves a connection ID to its live adapter, implemented
// by internal/manager.Manager.
type AdapterLookup interface {
	Adapter(connectionID string) (adapter.Adapter, bool)
}

// Ingress routes inbound platform webhooks to the connection's adapter.
type Ingress struct {
	adapters AdapterLookup
}

// New constructs an Ingress bound to the manager's live adapter set.
func New(adapters AdapterLookup) *Ingress {
	return &Ingress{adapters: adapters}
}

// ErrUnknownConnection is returned when connectionID has no live adapter.
var ErrUnknownConnection = errors.New("webhookingress: unknown connection")

// ErrNotWebhookAdapter is returned when the connection's adapter does not
// implement WebhookAdapter (e.g. a long-poll or gateway adapter misrouted
// to the webhook path).
var ErrNotWebhookAdapter = errors.New("webhookingress: adapter does not accept webhooks")

// signatureHeaderNames maps each webhook-style platform to the HTTP header
// its signature travels in, per spec.md §4.4's table. "custom" and "teams"
// accept either header; Authorization is preferred when both are present.
var signatureHeaderNames = map[string][]string{
	"whatsapp": {"X-Hub-Signature-256"},
	"line":     {"X-Line-Signature"},
	"viber":    {"X-Viber-Content-Signature"},
	"custom":   {"Authorization", "X-Api-Key"},
	"teams":    {"Authorization", "X-Api-Key"},
}

func signatureHeader(platformKind string, headers http.Header) string {
	for _, name := range signatureHeaderNames[platformKind] {
		if v := headers.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// HandleWebhook validates and dispatches an inbound webhook POST. A 403
// equivalent is signaled by returning adapter.ErrInvalidSignature; callers
// must not run further processing in that case (spec.md §4.4).
func (i *Ingress) HandleWebhook(ctx context.Context, platformKind, connectionID string, bodyRaw []byte, headers http.Header) error {
	a, ok := i.adapters.Adapter(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	webhookAdapter, ok := a.(adapter.WebhookAdapter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWebhookAdapter, connectionID)
	}

	var bodyParsed map[string]any
	_ = json.Unmarshal(bodyRaw, &bodyParsed) // best-effort; adapters fall back to bodyRaw on failure

	sig := signatureHeader(platformKind, headers)
	return webhookAdapter.ProcessWebhook(ctx, bodyParsed, bodyRaw, sig)
}

// HandleVerification answers a platform's subscription verification
// handshake (currently only Meta/WhatsApp's GET ?hub.mode=subscribe),
// returning the value to echo back and whether it succeeded.
func (i *Ingress) HandleVerification(connectionID, mode, verifyToken, challenge string) (string, bool, error) {
	a, ok := i.adapters.Adapter(connectionID)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	verifier, ok := a.(adapter.HandshakeVerifier)
	if !ok {
		return "", false, fmt.Errorf("webhookingress: connection %s has no verification handshake", connectionID)
	}
	echo, verified := verifier.VerifyHandshake(mode, verifyToken, challenge)
	return echo, verified, nil
}
