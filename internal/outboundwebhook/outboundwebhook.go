// Package outboundwebhook implements the outbound webhook dispatcher
// (spec.md §4.7): a fire-and-forget, per-subscriber detached task that
// POSTs an HMAC-signed event body with bounded retries.
package outboundwebhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/worldline-go/klient"

	"github.com/jhd3197/cachibot/internal/model"
)

const dispatchTimeout = 10 * time.Second

// retryDelays is spec.md §4.7's fixed retry table: three attempts after
// the first, at 1s/2s/4s. Not configurable — only the failure-count
// exclusion threshold is.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// fixedTableBackoff replays retryDelays in order, then stops, implementing
// backoff.BackOff so the fixed [1s, 2s, 4s] table can drive
// backoff.Retry's attempt loop instead of a hand-rolled one.
type fixedTableBackoff struct {
	delays []time.Duration
	next   int
}

func (f *fixedTableBackoff) NextBackOff() time.Duration {
	if f.next >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.next]
	f.next++
	return d
}

func (f *fixedTableBackoff) Reset() { f.next = 0 }

// SubscriberStore is the slice of store.WebhookSubscriberStorer the
// dispatcher depends on.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context, botID, event string) ([]model.OutboundWebhookSubscriber, error)
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string) error
}

// Dispatcher fires outbound webhook events to registered subscribers.
type Dispatcher struct {
	store                SubscriberStore
	client               *klient.Client
	excludeAfterFailures int
}

// New builds a Dispatcher. excludeAfterFailures matches
// config.OutboundWebhook.ExcludeAfterFailures (default 10): subscribers at
// or above this failure count are skipped until a delivery is manually
// reset (store.RecordDeliverySuccess, triggered outside this package).
func New(store SubscriberStore, excludeAfterFailures int) (*Dispatcher, error) {
	c, err := klient.New()
	if err != nil {
		return nil, fmt.Errorf("outboundwebhook: build client: %w", err)
	}
	if excludeAfterFailures <= 0 {
		excludeAfterFailures = 10
	}
	return &Dispatcher{store: store, client: c, excludeAfterFailures: excludeAfterFailures}, nil
}

// eventBody is the wire shape POSTed to every subscriber (spec.md §4.7).
type eventBody struct {
	Event     string      `json:"event"`
	BotID     string      `json:"bot_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatch fans the event out to every matching subscriber as a detached
// goroutine per subscriber; it returns immediately without waiting for any
// delivery (fire-and-forget, per spec.md §4.7). The caller's ctx is not
// used for the HTTP calls themselves — each delivery gets its own bounded
// context so a caller cancellation can't abort an in-flight retry.
func (d *Dispatcher) Dispatch(ctx context.Context, botID, event string, data interface{}) {
	subs, err := d.store.ListSubscribers(ctx, botID, event)
	if err != nil {
		slog.Warn("outboundwebhook: list subscribers failed", "bot_id", botID, "event", event, "error", err)
		return
	}

	body := eventBody{Event: event, BotID: botID, Timestamp: time.Now().UTC(), Data: data}
	for _, sub := range subs {
		if sub.FailureCount >= d.excludeAfterFailures {
			continue
		}
		go d.deliver(sub, event, body)
	}
}

func (d *Dispatcher) deliver(sub model.OutboundWebhookSubscriber, event string, body eventBody) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("outboundwebhook: marshal payload failed", "subscriber", sub.ID, "error", err)
		return
	}

	var lastErr error
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		lastErr = d.attempt(ctx, sub, event, payload)
		return lastErr
	}

	err = backoff.Retry(op, &fixedTableBackoff{delays: retryDelays})
	if err == nil {
		if err := d.store.RecordDeliverySuccess(context.Background(), sub.ID); err != nil {
			slog.Warn("outboundwebhook: record delivery success failed", "subscriber", sub.ID, "error", err)
		}
		return
	}

	slog.Warn("outboundwebhook: delivery failed after retries", "subscriber", sub.ID, "url", sub.URL, "error", lastErr)
	if err := d.store.RecordDeliveryFailure(context.Background(), sub.ID); err != nil {
		slog.Warn("outboundwebhook: record delivery failure failed", "subscriber", sub.ID, "error", err)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sub model.OutboundWebhookSubscriber, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CachiBot-Event", event)
	if sub.Secret != "" {
		req.Header.Set("X-CachiBot-Signature", signPayload(sub.Secret, payload))
	}

	return d.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 400 {
			return fmt.Errorf("subscriber returned status %d", r.StatusCode)
		}
		return nil
	})
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
