// Package custom implements the webhook-style Platform Adapter for
// integrators' own HTTP endpoints (spec.md §4.4), registering itself under
// platform_kind "custom". Inbound events arrive at the webhook ingress and
// are validated by a configured static key; outbound responses are POSTed
// to a per-connection send URL.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/worldline-go/klient"

	"github.com/jhd3197/cachibot/internal/adapter"
)

const defaultMaxMessageLength = 10000

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "custom",
		Factory:        New,
		RequiredConfig: []string{"send_url", "api_key"},
		OptionalConfig: []string{"max_message_length"},
	})
}

// Adapter POSTs outbound responses to a configured send URL and validates
// inbound webhooks against a configured API key.
type Adapter struct {
	adapter.Base

	connectionID string
	sendURL      string
	apiKey       string
	onMessage    adapter.OnMessageFunc
	onStatus     adapter.OnStatusChangeFunc

	client *klient.Client
}

// New constructs a custom HTTP adapter.
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	client, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + cfg["api_key"]},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("custom: create http client: %w", err)
	}

	maxLen := defaultMaxMessageLength
	if v := cfg["max_message_length"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxLen = n
		}
	}

	return &Adapter{
		Base:      adapter.Base{MaxLen: maxLen},
		sendURL:   cfg["send_url"],
		apiKey:    cfg["api_key"],
		onMessage: onMessage,
		onStatus:  onStatusChange,
		client:    client,
	}, nil
}

func (a *Adapter) Connect(_ context.Context) error {
	if a.sendURL == "" || a.apiKey == "" {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("custom: send_url and api_key are required")
	}
	a.setStatus(adapter.StatusConnected)
	return nil
}

func (a *Adapter) Disconnect(_ context.Context) error {
	a.setStatus(adapter.StatusDisconnected)
	return nil
}

func (a *Adapter) setStatus(s adapter.Status) {
	if a.onStatus != nil {
		a.onStatus(a.connectionID, s)
	}
}

type inboundMessage struct {
	ChatID   string         `json:"chat_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// ProcessWebhook validates the key and dispatches the inbound message
// through onMessage. bodyParsed is used directly since the custom format
// is a flat, already-decoded JSON object.
func (a *Adapter) ProcessWebhook(ctx context.Context, bodyParsed map[string]any, bodyRaw []byte, signatureHeader string) error {
	if !adapter.VerifyCustomSignature(signatureHeader, a.apiKey) {
		return adapter.ErrInvalidSignature
	}

	var msg inboundMessage
	if bodyParsed != nil {
		data, err := json.Marshal(bodyParsed)
		if err != nil {
			return fmt.Errorf("custom: re-encode parsed body: %w", err)
		}
		bodyRaw = data
	}
	if err := json.Unmarshal(bodyRaw, &msg); err != nil {
		return fmt.Errorf("custom: decode webhook body: %w", err)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("custom: webhook body missing chat_id")
	}

	resp, err := a.onMessage(ctx, a.connectionID, msg.ChatID, msg.Text, msg.Metadata, nil)
	if err != nil {
		slog.Error("custom: on_message handler failed", "error", err, "chat_id", msg.ChatID)
		return nil
	}
	if err := a.SendResponse(ctx, msg.ChatID, resp); err != nil {
		slog.Error("custom: failed to send response", "error", err, "chat_id", msg.ChatID)
	}
	return nil
}

type outboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage POSTs a single text message to the configured send URL.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	body := outboundMessage{ChatID: chatID, Text: a.FormatOutgoing(text)}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendURL, bytes.NewReader(data))
	if err != nil {
		return err
	}

	return a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			errBody, _ := io.ReadAll(r.Body)
			return fmt.Errorf("custom: send message: status %d: %s", r.StatusCode, errBody)
		}
		return nil
	})
}

// SendTyping is a no-op; the custom wire format has no typing indicator.
func (a *Adapter) SendTyping(_ context.Context, _ string) error {
	return nil
}

// SendResponse chunks resp.Text and sends each chunk, then each media item
// as a message with the URL appended to its caption.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp adapter.Response) error {
	for _, chunk := range a.ChunkMessage(resp.Text) {
		if err := a.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	for _, m := range resp.Media {
		text := m.URL
		if m.Caption != "" {
			text = m.Caption + "\n" + m.URL
		}
		if err := a.SendMessage(ctx, chatID, text); err != nil {
			return fmt.Errorf("custom: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck reports healthy once credentials are configured; the custom
// protocol defines no standard ping endpoint to probe.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	_, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return adapter.HealthResult{Healthy: a.sendURL != "" && a.apiKey != ""}, nil
}
