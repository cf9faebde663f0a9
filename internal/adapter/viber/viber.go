// Package viber implements the webhook-style Platform Adapter for Viber
// (spec.md §4.4), registering itself under platform_kind "viber".
package viber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/jhd3197/cachibot/internal/adapter"
)

const maxMessageLength = 7000

const viberAPIBaseURL = "https://chatapi.viber.com/pa"

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "viber",
		Factory:        New,
		RequiredConfig: []string{"auth_token"},
		OptionalConfig: []string{"sender_name"},
	})
}

// Adapter sends via the Viber REST API and receives via webhook.
type Adapter struct {
	adapter.Base

	connectionID string
	authToken    string
	senderName   string
	onMessage    adapter.OnMessageFunc
	onStatus     adapter.OnStatusChangeFunc

	client *klient.Client
}

// New constructs a Viber adapter.
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	client, err := klient.New(
		klient.WithBaseURL(viberAPIBaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Viber-Auth-Token": []string{cfg["auth_token"]},
			"Content-Type":       []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("viber: create http client: %w", err)
	}

	senderName := cfg["sender_name"]
	if senderName == "" {
		senderName = "CachiBot"
	}

	return &Adapter{
		Base:       adapter.Base{MaxLen: maxMessageLength},
		authToken:  cfg["auth_token"],
		senderName: senderName,
		onMessage:  onMessage,
		onStatus:   onStatusChange,
		client:     client,
	}, nil
}

func (a *Adapter) Connect(_ context.Context) error {
	if a.authToken == "" {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("viber: auth_token is required")
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

type inboundCallback struct {
	Event   string `json:"event"`
	Sender  struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
	MessageToken int64 `json:"message_token"`
}

// ProcessWebhook validates the signature and dispatches an inbound text
// message through onMessage; non-message callback events are ignored.
func (a *Adapter) ProcessWebhook(ctx context.Context, _ map[string]any, bodyRaw []byte, signatureHeader string) error {
	if !adapter.VerifyViberSignature(bodyRaw, signatureHeader, a.authToken) {
		return adapter.ErrInvalidSignature
	}

	var payload inboundCallback
	if err := json.Unmarshal(bodyRaw, &payload); err != nil {
		return fmt.Errorf("viber: decode webhook body: %w", err)
	}

	if payload.Event != "message" || payload.Message.Type != "text" {
		return nil
	}

	metadata := map[string]any{"message_token": payload.MessageToken}
	resp, err := a.onMessage(ctx, a.connectionID, payload.Sender.ID, payload.Message.Text, metadata, nil)
	if err != nil {
		slog.Error("viber: on_message handler failed", "error", err, "chat_id", payload.Sender.ID)
		return nil
	}
	if err := a.SendResponse(ctx, payload.Sender.ID, resp); err != nil {
		slog.Error("viber: failed to send response", "error", err, "chat_id", payload.Sender.ID)
	}
	return nil
}

type senderInfo struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Receiver string     `json:"receiver"`
	Type     string     `json:"type"`
	Sender   senderInfo `json:"sender"`
	Text     string     `json:"text,omitempty"`
	Media    string     `json:"media,omitempty"`
}

// SendMessage sends a single text message via send_message.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	body := outboundMessage{Receiver: chatID, Type: "text", Sender: senderInfo{Name: a.senderName}, Text: a.FormatOutgoing(text)}
	return a.post(ctx, "/send_message", body)
}

// SendTyping is a no-op; Viber's typing indicator is a separate endpoint
// intended for the bot's own outbound typing state, not covered here.
func (a *Adapter) SendTyping(_ context.Context, _ string) error {
	return nil
}

// SendResponse chunks resp.Text and sends each chunk, then each media item
// as a picture message with its caption as the text field.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp adapter.Response) error {
	for _, chunk := range a.ChunkMessage(resp.Text) {
		if err := a.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	for _, m := range resp.Media {
		body := outboundMessage{Receiver: chatID, Type: "picture", Sender: senderInfo{Name: a.senderName}, Media: m.URL, Text: m.Caption}
		if err := a.post(ctx, "/send_message", body); err != nil {
			return fmt.Errorf("viber: send media: %w", err)
		}
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	return a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			errBody, _ := io.ReadAll(r.Body)
			return fmt.Errorf("status %d: %s", r.StatusCode, errBody)
		}
		return nil
	})
}

// HealthCheck calls get_account_info with a hard timeout.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodPost, "/get_account_info", bytes.NewReader([]byte("{}")))
	if err != nil {
		return adapter.HealthResult{Healthy: false, Details: map[string]any{"error": err.Error()}}, nil
	}

	err = a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			return fmt.Errorf("status %d", r.StatusCode)
		}
		return nil
	})
	if err != nil {
		return adapter.HealthResult{Healthy: false, Details: map[string]any{"error": err.Error()}}, nil
	}
	return adapter.HealthResult{Healthy: true}, nil
}
