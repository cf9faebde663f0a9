// Package teams implements the webhook-style Platform Adapter for Microsoft
// Teams (spec.md §4.4), registering itself under platform_kind "teams".
//
// The signature table in spec.md §4.4 does not name a Teams-specific
// scheme; Teams activities carry a JWT bearer token issued by the Bot
// Framework rather than an HMAC body signature, so inbound validation here
// reuses the same configured-key bearer check as the custom adapter
// (adapter.VerifyCustomSignature) against a bot-framework-issued token
// configured per connection.
package teams

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

const maxMessageLength = 28000

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "teams",
		Factory:        New,
		RequiredConfig: []string{"app_id", "app_password"},
	})
}

// Adapter sends via the Bot Framework REST API and receives via webhook.
type Adapter struct {
	adapter.Base

	connectionID string
	appPassword  string
	onMessage    adapter.OnMessageFunc
	onStatus     adapter.OnStatusChangeFunc

	client *klient.Client
}

// New constructs a Teams adapter. The outbound client's base URL is set
// per-request from the activity's serviceUrl, since Bot Framework replies
// must be sent back to the conversation's own service endpoint.
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	client, err := klient.New(
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{"Content-Type": []string{"application/json"}}),
	)
	if err != nil {
		return nil, fmt.Errorf("teams: create http client: %w", err)
	}

	return &Adapter{
		Base:        adapter.Base{MaxLen: maxMessageLength},
		appPassword: cfg["app_password"],
		onMessage:   onMessage,
		onStatus:    onStatusChange,
		client:      client,
	}, nil
}

func (a *Adapter) Connect(_ context.Context) error {
	if a.appPassword == "" {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("teams: app_password is required")
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

type activity struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	ID           string `json:"id"`
	ServiceURL   string `json:"serviceUrl"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// ProcessWebhook validates the bearer token and dispatches an inbound
// message activity through onMessage. chatID encodes both the serviceUrl
// and conversation ID so replies can be routed back to the correct tenant
// endpoint.
func (a *Adapter) ProcessWebhook(ctx context.Context, _ map[string]any, bodyRaw []byte, signatureHeader string) error {
	if !adapter.VerifyCustomSignature(signatureHeader, a.appPassword) {
		return adapter.ErrInvalidSignature
	}

	var act activity
	if err := json.Unmarshal(bodyRaw, &act); err != nil {
		return fmt.Errorf("teams: decode webhook body: %w", err)
	}
	if act.Type != "message" {
		return nil
	}

	chatID := act.ServiceURL + "|" + act.Conversation.ID
	metadata := map[string]any{"activity_id": act.ID}
	resp, err := a.onMessage(ctx, a.connectionID, chatID, act.Text, metadata, nil)
	if err != nil {
		slog.Error("teams: on_message handler failed", "error", err, "chat_id", chatID)
		return nil
	}
	if err := a.SendResponse(ctx, chatID, resp); err != nil {
		slog.Error("teams: failed to send response", "error", err, "chat_id", chatID)
	}
	return nil
}

type outboundActivity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func splitChatID(chatID string) (serviceURL, conversationID string) {
	for i := 0; i < len(chatID); i++ {
		if chatID[i] == '|' {
			return chatID[:i], chatID[i+1:]
		}
	}
	return "", chatID
}

// SendMessage posts a reply activity to the conversation's service URL.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	serviceURL, conversationID := splitChatID(chatID)
	if serviceURL == "" {
		return fmt.Errorf("teams: chat id %q missing service url", chatID)
	}

	body := outboundActivity{Type: "message", Text: a.FormatOutgoing(text)}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := serviceURL + "/v3/conversations/" + conversationID + "/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	return a.client.Do(req, func(r *http.Response) error {
		if r.StatusCode >= 300 {
			errBody, _ := io.ReadAll(r.Body)
			return fmt.Errorf("teams: send message: status %d: %s", r.StatusCode, errBody)
		}
		return nil
	})
}

// SendTyping is a no-op; the Bot Framework's typing activity requires a
// separate activity type not modeled here.
func (a *Adapter) SendTyping(_ context.Context, _ string) error {
	return nil
}

// SendResponse chunks resp.Text and sends each chunk, then each media item
// as a text message with the URL appended.
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
			return fmt.Errorf("teams: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck reports healthy once credentials are configured; Bot
// Framework has no lightweight unauthenticated ping endpoint to probe.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	_, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return adapter.HealthResult{Healthy: a.appPassword != ""}, nil
}
