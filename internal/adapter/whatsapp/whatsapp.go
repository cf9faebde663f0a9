// Package whatsapp implements the webhook-style Platform Adapter for
// WhatsApp Business (spec.md §4.4), registering itself under platform_kind
// "whatsapp". Connect is a no-op beyond opening an outbound HTTP session;
// inbound events arrive via ProcessWebhook, called by the webhook ingress
// subsystem.
package whatsapp

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

const maxMessageLength = 4096

const graphBaseURL = "https://graph.facebook.com/v19.0"

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "whatsapp",
		Factory:        New,
		RequiredConfig: []string{"phone_number_id", "access_token", "app_secret", "verify_token"},
	})
}

// Adapter sends via the Meta Graph API and receives via webhook.
type Adapter struct {
	adapter.Base

	connectionID  string
	phoneNumberID string
	appSecret     string
	verifyToken   string
	onMessage     adapter.OnMessageFunc
	onStatus      adapter.OnStatusChangeFunc

	client *klient.Client
}

// New constructs a WhatsApp adapter. No network call is made here; Connect
// establishes the HTTP session.
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	client, err := klient.New(
		klient.WithBaseURL(graphBaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + cfg["access_token"]},
			"Content-Type":  []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create http client: %w", err)
	}

	return &Adapter{
		Base:          adapter.Base{MaxLen: maxMessageLength},
		phoneNumberID: cfg["phone_number_id"],
		appSecret:     cfg["app_secret"],
		verifyToken:   cfg["verify_token"],
		onMessage:     onMessage,
		onStatus:      onStatusChange,
		client:        client,
	}, nil
}

// Connect validates that an access token and phone number are configured;
// no persistent connection is opened for webhook-style adapters.
func (a *Adapter) Connect(_ context.Context) error {
	if a.phoneNumberID == "" {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("whatsapp: phone_number_id is required")
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

// VerifyHandshake answers the Meta subscription handshake
// (GET ?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...),
// returning (challenge, true) when the verify token matches.
func (a *Adapter) VerifyHandshake(mode, verifyToken, challenge string) (string, bool) {
	if mode != "subscribe" || verifyToken != a.verifyToken {
		return "", false
	}
	return challenge, true
}

type inboundPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Type string `json:"type"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ProcessWebhook validates the signature, extracts inbound text messages,
// and dispatches each through onMessage, sending the response back.
func (a *Adapter) ProcessWebhook(ctx context.Context, _ map[string]any, bodyRaw []byte, signatureHeader string) error {
	if !adapter.VerifyMetaSignature(bodyRaw, signatureHeader, a.appSecret) {
		return adapter.ErrInvalidSignature
	}

	var payload inboundPayload
	if err := json.Unmarshal(bodyRaw, &payload); err != nil {
		return fmt.Errorf("whatsapp: decode webhook body: %w", err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				metadata := map[string]any{"message_id": msg.ID}
				resp, err := a.onMessage(ctx, a.connectionID, msg.From, msg.Text.Body, metadata, nil)
				if err != nil {
					slog.Error("whatsapp: on_message handler failed", "error", err, "chat_id", msg.From)
					continue
				}
				if err := a.SendResponse(ctx, msg.From, resp); err != nil {
					slog.Error("whatsapp: failed to send response", "error", err, "chat_id", msg.From)
				}
			}
		}
	}
	return nil
}

type outboundMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// SendMessage posts a single text message to the Graph API.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	body := outboundMessage{MessagingProduct: "whatsapp", To: chatID, Type: "text"}
	body.Text.Body = a.FormatOutgoing(text)

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/"+a.phoneNumberID+"/messages", bytes.NewReader(data))
	if err != nil {
		return err
	}

	return a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			errBody, _ := io.ReadAll(r.Body)
			return fmt.Errorf("whatsapp: send message: status %d: %s", r.StatusCode, errBody)
		}
		return nil
	})
}

// SendTyping is unsupported by the WhatsApp Business API and is a no-op.
func (a *Adapter) SendTyping(_ context.Context, _ string) error {
	return nil
}

// SendResponse chunks resp.Text and sends each chunk, then sends each media
// item as a link appended to its caption (WhatsApp media sends require an
// uploaded media ID, out of scope here; the URL form is used instead).
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
			return fmt.Errorf("whatsapp: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck verifies the phone number ID resolves via the Graph API.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, "/"+a.phoneNumberID, nil)
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
