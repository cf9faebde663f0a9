// Package line implements the webhook-style Platform Adapter for LINE
// Messaging API (spec.md §4.4), registering itself under platform_kind
// "line".
package line

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

const maxMessageLength = 5000

const messagingAPIBaseURL = "https://api.line.me/v2/bot"

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "line",
		Factory:        New,
		RequiredConfig: []string{"channel_access_token", "channel_secret"},
	})
}

// Adapter sends via the LINE Messaging API and receives via webhook.
type Adapter struct {
	adapter.Base

	connectionID  string
	channelSecret string
	onMessage     adapter.OnMessageFunc
	onStatus      adapter.OnStatusChangeFunc

	client *klient.Client
}

// New constructs a LINE adapter.
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	client, err := klient.New(
		klient.WithBaseURL(messagingAPIBaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + cfg["channel_access_token"]},
			"Content-Type":  []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("line: create http client: %w", err)
	}

	return &Adapter{
		Base:          adapter.Base{MaxLen: maxMessageLength},
		channelSecret: cfg["channel_secret"],
		onMessage:     onMessage,
		onStatus:      onStatusChange,
		client:        client,
	}, nil
}

func (a *Adapter) Connect(_ context.Context) error {
	if a.channelSecret == "" {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("line: channel_secret is required")
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

type inboundEvent struct {
	Events []struct {
		Type    string `json:"type"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
		Source struct {
			UserID string `json:"userId"`
		} `json:"source"`
		ReplyToken string `json:"replyToken"`
	} `json:"events"`
}

// ProcessWebhook validates the signature and dispatches each inbound text
// message event through onMessage.
func (a *Adapter) ProcessWebhook(ctx context.Context, _ map[string]any, bodyRaw []byte, signatureHeader string) error {
	if !adapter.VerifyLineSignature(bodyRaw, signatureHeader, a.channelSecret) {
		return adapter.ErrInvalidSignature
	}

	var payload inboundEvent
	if err := json.Unmarshal(bodyRaw, &payload); err != nil {
		return fmt.Errorf("line: decode webhook body: %w", err)
	}

	for _, ev := range payload.Events {
		if ev.Type != "message" || ev.Message.Type != "text" {
			continue
		}
		metadata := map[string]any{"message_id": ev.Message.ID}
		resp, err := a.onMessage(ctx, a.connectionID, ev.Source.UserID, ev.Message.Text, metadata, nil)
		if err != nil {
			slog.Error("line: on_message handler failed", "error", err, "chat_id", ev.Source.UserID)
			continue
		}
		if err := a.SendResponse(ctx, ev.Source.UserID, resp); err != nil {
			slog.Error("line: failed to send response", "error", err, "chat_id", ev.Source.UserID)
		}
	}
	return nil
}

type pushMessage struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendMessage pushes a single text message via the push API.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	body := pushMessage{To: chatID, Messages: []textMessage{{Type: "text", Text: a.FormatOutgoing(text)}}}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/message/push", bytes.NewReader(data))
	if err != nil {
		return err
	}

	return a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			errBody, _ := io.ReadAll(r.Body)
			return fmt.Errorf("line: send message: status %d: %s", r.StatusCode, errBody)
		}
		return nil
	})
}

// SendTyping has no equivalent in the LINE Messaging API and is a no-op.
func (a *Adapter) SendTyping(_ context.Context, _ string) error {
	return nil
}

// SendResponse chunks resp.Text and sends each chunk, then each media item
// as an image message URL with its caption sent as a preceding text message.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp adapter.Response) error {
	for _, chunk := range a.ChunkMessage(resp.Text) {
		if err := a.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	for _, m := range resp.Media {
		if m.Caption != "" {
			if err := a.SendMessage(ctx, chatID, m.Caption); err != nil {
				return fmt.Errorf("line: send media caption: %w", err)
			}
		}
		if err := a.SendMessage(ctx, chatID, m.URL); err != nil {
			return fmt.Errorf("line: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck calls the bot info endpoint with a hard timeout.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, "/info", nil)
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
