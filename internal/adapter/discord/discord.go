// Package discord implements the WebSocket gateway Platform Adapter for
// Discord (spec.md §4.4), registering itself under platform_kind "discord".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jhd3197/cachibot/internal/adapter"
)

const maxMessageLength = 2000

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "discord",
		Factory:        New,
		RequiredConfig: []string{"bot_token"},
		OptionalConfig: []string{"strip_markdown"},
	})
}

// Adapter is the Discord gateway connection.
type Adapter struct {
	adapter.Base

	connectionID string
	token        string
	onMessage    adapter.OnMessageFunc
	onStatus     adapter.OnStatusChangeFunc

	mu      sync.Mutex
	session *discordgo.Session
}

// New constructs a Discord adapter from cfg["bot_token"].
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	return &Adapter{
		Base:      adapter.Base{MaxLen: maxMessageLength, StripMarkdown: cfg["strip_markdown"] == "true"},
		token:     cfg["bot_token"],
		onMessage: onMessage,
		onStatus:  onStatusChange,
	}, nil
}

// Connect opens the gateway WebSocket. discordgo's own session handles its
// internal reconnects; the manager's health monitor still drives the
// spec's N-consecutive-failures reconnect trigger on top of it.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(adapter.StatusConnecting)

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author != nil && m.Author.Bot {
			return
		}
		a.handleMessage(ctx, m)
	})

	if err := session.Open(); err != nil {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.setStatus(adapter.StatusConnected)
	return nil
}

// Disconnect closes the gateway WebSocket.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			return fmt.Errorf("discord: close session: %w", err)
		}
	}
	a.setStatus(adapter.StatusDisconnected)
	return nil
}

func (a *Adapter) setStatus(s adapter.Status) {
	if a.onStatus != nil {
		a.onStatus(a.connectionID, s)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	metadata := map[string]any{"author": m.Author.Username, "guild_id": m.GuildID}

	var attachments []adapter.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, adapter.Attachment{URL: att.URL, MimeType: att.ContentType})
	}

	resp, err := a.onMessage(ctx, a.connectionID, m.ChannelID, m.Content, metadata, attachments)
	if err != nil {
		slog.Error("discord: on_message handler failed", "error", err, "channel_id", m.ChannelID)
		return
	}
	if err := a.SendResponse(ctx, m.ChannelID, resp); err != nil {
		slog.Error("discord: failed to send response", "error", err, "channel_id", m.ChannelID)
	}
}

// SendMessage sends a single chunk of text.
func (a *Adapter) SendMessage(_ context.Context, chatID, text string) error {
	_, err := a.session.ChannelMessageSend(chatID, a.FormatOutgoing(text))
	return err
}

// SendTyping sends a typing indicator.
func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	return a.session.ChannelTyping(chatID)
}

// SendResponse chunks resp.Text and sends each chunk, then any media as
// follow-up messages with the caption inlined (Discord has no separate
// caption field on raw URLs).
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
			return fmt.Errorf("discord: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck probes the gateway heartbeat latency with a hard timeout.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	if a.session == nil {
		return adapter.HealthResult{Healthy: false}, nil
	}
	done := make(chan time.Duration, 1)
	go func() { done <- a.session.HeartbeatLatency() }()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case <-checkCtx.Done():
		return adapter.HealthResult{Healthy: false, Details: map[string]any{"error": "timeout"}}, nil
	case latency := <-done:
		return adapter.HealthResult{Healthy: latency > 0, LatencyMS: latency.Milliseconds()}, nil
	}
}
