// Package telegram implements the long-poll Platform Adapter for Telegram
// (spec.md §4.4), registering itself under platform_kind "telegram".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jhd3197/cachibot/internal/adapter"
)

const maxMessageLength = 4096

func init() {
	adapter.Register(adapter.Registration{
		PlatformKind:   "telegram",
		Factory:        New,
		RequiredConfig: []string{"bot_token"},
		OptionalConfig: []string{"strip_markdown"},
	})
}

// Adapter is the long-poll Telegram connection.
type Adapter struct {
	adapter.Base

	connectionID string
	token        string
	onMessage    adapter.OnMessageFunc
	onStatus     adapter.OnStatusChangeFunc

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
}

// New constructs a Telegram adapter from cfg["bot_token"].
func New(cfg adapter.Config, onMessage adapter.OnMessageFunc, onStatusChange adapter.OnStatusChangeFunc) (adapter.Adapter, error) {
	return &Adapter{
		Base:      adapter.Base{MaxLen: maxMessageLength, StripMarkdown: cfg["strip_markdown"] == "true"},
		token:     cfg["bot_token"],
		onMessage: onMessage,
		onStatus:  onStatusChange,
	}, nil
}

// Connect validates the token, then starts the long-poll loop in the
// background, transitioning through connecting -> connected per spec.md's
// lifecycle state machine.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(adapter.StatusConnecting)

	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		a.setStatus(adapter.StatusError)
		return fmt.Errorf("telegram: connect: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.setStatus(adapter.StatusConnected)
	go a.pollLoop(loopCtx)
	return nil
}

// Disconnect stops the long-poll loop.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.setStatus(adapter.StatusDisconnected)
	return nil
}

func (a *Adapter) setStatus(s adapter.Status) {
	if a.onStatus != nil {
		a.onStatus(a.connectionID, s)
	}
}

// pollLoop runs getUpdates long-polling with an internal exponential
// backoff reconnect on unexpected failures (base 5s, cap 120s, fixed
// retry count), matching spec.md §4.4's adapter-internal reconnect loop.
func (a *Adapter) pollLoop(ctx context.Context) {
	const (
		baseBackoff = 5 * time.Second
		capBackoff  = 120 * time.Second
		maxRetries  = 8
	)

	backoff := baseBackoff
	retries := 0

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.bot.GetUpdatesChan(u)
		if err != nil {
			retries++
			if retries > maxRetries {
				a.setStatus(adapter.StatusError)
				return
			}
			slog.Warn("telegram: poll failed, backing off", "connection_id", a.connectionID, "retry", retries, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, capBackoff)
			continue
		}

		retries = 0
		backoff = baseBackoff

	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					break drain
				}
				a.handleUpdate(ctx, update)
			}
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	chatID := fmt.Sprintf("%d", update.Message.Chat.ID)
	metadata := map[string]any{
		"message_id": update.Message.MessageID,
		"username":   update.Message.From.UserName,
	}

	resp, err := a.onMessage(ctx, a.connectionID, chatID, update.Message.Text, metadata, nil)
	if err != nil {
		slog.Error("telegram: on_message handler failed", "error", err, "chat_id", chatID)
		return
	}
	if err := a.SendResponse(ctx, chatID, resp); err != nil {
		slog.Error("telegram: failed to send response", "error", err, "chat_id", chatID)
	}
}

// SendMessage sends a single chunk of text.
func (a *Adapter) SendMessage(_ context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(id, a.FormatOutgoing(text))
	_, err = a.bot.Send(msg)
	return err
}

// SendTyping sends a "typing" chat action.
func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)
	_, err = a.bot.Request(action)
	return err
}

// SendResponse chunks resp.Text and sends each chunk, then any media,
// preserving order; a caption on the last chunk is sent alongside the
// first media item if both are present.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp adapter.Response) error {
	chunks := a.ChunkMessage(resp.Text)
	for _, chunk := range chunks {
		if err := a.SendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	for _, m := range resp.Media {
		photo := tgbotapi.NewPhoto(id, tgbotapi.FileURL(m.URL))
		photo.Caption = m.Caption
		if _, err := a.bot.Send(photo); err != nil {
			return fmt.Errorf("telegram: send media: %w", err)
		}
	}
	return nil
}

// HealthCheck calls GetMe with a hard timeout, so a single slow adapter
// never blocks the manager's health monitor loop.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	if a.bot == nil {
		return adapter.HealthResult{Healthy: false}, nil
	}
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := a.bot.GetMe()
		done <- err
	}()

	select {
	case <-checkCtx.Done():
		return adapter.HealthResult{Healthy: false, Details: map[string]any{"error": "timeout"}}, nil
	case err := <-done:
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return adapter.HealthResult{Healthy: false, LatencyMS: latency, Details: map[string]any{"error": err.Error()}}, nil
		}
		return adapter.HealthResult{Healthy: true, LatencyMS: latency}, nil
	}
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatID, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
