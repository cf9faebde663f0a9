// Package pipeline implements the message processing pipeline (spec.md
// §4.6): the single entry point every platform adapter's inbound message
// funnels through, from bot lookup to the final {text, media} response.
// It is the composition point for the knowledge context builder, the
// attachment processors, the configuration resolver, the agent loop, and
// the outbound webhook dispatcher.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/adapter"
	"github.com/jhd3197/cachibot/internal/agent"
	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/knowledge"
	"github.com/jhd3197/cachibot/internal/llm"
	"github.com/jhd3197/cachibot/internal/media"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/outboundwebhook"
	"github.com/jhd3197/cachibot/internal/resolver"
	"github.com/jhd3197/cachibot/internal/service"
	"github.com/jhd3197/cachibot/internal/store"
)

// politeFailureMessage is returned to the end user when the agent run
// itself fails (§4.6 step 10 catch-all, §7 "User-visible failure").
const politeFailureMessage = "Sorry, I encountered an error processing your message. Please try again in a moment."

// maxToolResultChars is step 12's plain-text truncation cap; data URIs are
// preserved untruncated so inline media in tool results survives.
const maxToolResultChars = 2000

// AdapterLookup resolves a connection ID to its live adapter, used for the
// best-effort typing indicator (step 7). Satisfied by internal/manager.Manager.
type AdapterLookup interface {
	Adapter(connectionID string) (adapter.Adapter, bool)
}

// Broadcaster fans a persisted message out to live WebSocket subscribers of
// its chat (steps 6 and 13). Wired to the control-plane's WebSocket hub at
// the composition root; a nil Broadcaster silently skips broadcasting.
type Broadcaster interface {
	BroadcastMessage(chatID string, msg model.Message)
}

// ContextBuilder produces the enhanced system prompt for step 8. Satisfied
// by internal/knowledge.Builder; narrowed here so the pipeline can be
// tested without standing up every knowledge-section dependency.
type ContextBuilder interface {
	Build(ctx context.Context, bot *model.Bot, chatID, userMessage string) string
}

// EnvironmentResolver produces step 9's ResolvedEnvironment. Satisfied by
// internal/resolver.Resolver.
type EnvironmentResolver interface {
	Resolve(ctx context.Context, botID, platform string, overrides *resolver.RequestOverrides) (*resolver.ResolvedEnvironment, error)
}

// DriverRegistry looks up the globally configured driver for a provider
// key. Satisfied by internal/llm.Registry.
type DriverRegistry interface {
	Get(key string) (llm.Driver, bool)
}

// Pipeline wires every subsystem the message processing pipeline
// orchestrates into one HandleInboundMessage entry point satisfying
// internal/manager.MessageHandler.
type Pipeline struct {
	Bots  store.BotStorer
	Chats store.ChatStorer

	Knowledge ContextBuilder
	Resolver  EnvironmentResolver
	Agent     agent.Agent

	Drivers         DriverRegistry
	ProviderConfigs map[string]config.LLMConfig

	Fetcher         *media.Fetcher
	Transcriber     *media.Transcriber // nilable: STT disabled without an AssemblyAI key
	MaxExtractChars int

	Adapters   AdapterLookup           // nilable: typing indicator skipped without it
	Dispatcher *outboundwebhook.Dispatcher // nilable: webhook fan-out skipped without it
	Broadcast  Broadcaster             // nilable
}

// HandleInboundMessage runs one inbound message end-to-end through all 14
// steps of spec.md §4.6. It is safe for concurrent calls across distinct
// (bot_id, chat_id) pairs; for the same chat, concurrent callers are not
// serialized, matching §5's ordering guarantees.
func (p *Pipeline) HandleInboundMessage(ctx context.Context, botID, connectionID string, platformKind model.PlatformKind, platformChatID, text string, metadata map[string]any, attachments []adapter.Attachment) (adapter.Response, error) {
	// Step 1: bot lookup.
	bot, err := p.Bots.GetBot(ctx, botID)
	if err != nil {
		return adapter.Response{}, fmt.Errorf("pipeline: get bot %s: %w", botID, err)
	}
	if bot == nil {
		return adapter.Response{Text: "This bot is not configured."}, nil
	}

	// Step 2: chat resolve.
	chat, err := p.resolveChat(ctx, botID, platformKind, platformChatID, text)
	if err != nil {
		return adapter.Response{}, fmt.Errorf("pipeline: resolve chat: %w", err)
	}
	if chat == nil {
		// Archived: suppress the reply entirely, no further processing.
		return adapter.Response{}, nil
	}

	// Step 3: chat touch.
	if err := p.Chats.TouchChat(ctx, chat.ID); err != nil {
		slog.Warn("pipeline: touch chat failed", "chat_id", chat.ID, "error", err)
	}

	// Step 4: attachment processing.
	attachmentPrefix, images, mediaDescriptors := p.processAttachments(ctx, attachments)
	userText := attachmentPrefix + text

	// Step 5: reply context.
	if replyText, ok := metadata["reply_to_text"].(string); ok && replyText != "" {
		userText = knowledge.ReplyContextPrefix(replyText) + userText
	}

	// Step 6: persist user message, broadcast.
	userMsg, err := p.Chats.CreateMessage(ctx, model.Message{
		ID:        ulid.Make().String(),
		BotID:     botID,
		ChatID:    chat.ID,
		Role:      model.RoleUser,
		Content:   userText,
		Metadata:  model.MessageMetadata{Media: mediaDescriptors, Platform: string(platformKind)},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return adapter.Response{}, fmt.Errorf("pipeline: persist user message: %w", err)
	}
	p.broadcast(chat.ID, *userMsg)

	// Step 7: typing indicator, best-effort.
	p.sendTyping(ctx, connectionID, platformChatID)

	// Step 8: context build, with raw system prompt fallback on failure.
	enhancedPrompt := p.buildContext(ctx, bot, chat.ID, userText)

	// Step 9: environment resolve + per-request driver selection. No
	// request-layer override is passed here: the resolver's sources
	// bookkeeping must only ever say "request" for a genuine per-call
	// override, not for the bot's own persisted model choice.
	resolved, err := p.Resolver.Resolve(ctx, botID, string(platformKind), nil)
	if err != nil {
		return p.fail(ctx, chat.ID, botID, string(platformKind), fmt.Errorf("resolve environment: %w", err))
	}
	modelID := effectiveModel(bot, resolved.Model)
	providerKey, actualModel, err := parseModelID(modelID)
	if err != nil {
		return p.fail(ctx, chat.ID, botID, string(platformKind), fmt.Errorf("parse model %q: %w", modelID, err))
	}
	driver, err := p.driverFor(providerKey, resolved)
	if err != nil {
		return p.fail(ctx, chat.ID, botID, string(platformKind), err)
	}

	// Step 10: agent run.
	start := time.Now()
	result, err := p.Agent.Run(ctx, agent.RunInput{
		SystemPrompt:  enhancedPrompt,
		UserText:      userText,
		Images:        images,
		Model:         actualModel,
		Skills:        skillConfigsFromResolved(botID, resolved.SkillConfigs),
		Driver:        driver,
		MaxIterations: resolved.MaxIterations,
	})
	elapsed := time.Since(start)
	if err != nil {
		slog.Error("pipeline: agent run failed", "bot_id", botID, "chat_id", chat.ID, "error", err)
		return p.fail(ctx, chat.ID, botID, string(platformKind), err)
	}

	// Step 11: media extraction from the agent's output text.
	cleanedText, extractedMedia := extractDataURIMedia(result.OutputText)

	// Step 12: tool-call projection.
	toolCalls := projectToolCalls(result.Steps)

	// Step 13: persist assistant message with usage metadata, broadcast.
	assistantMsg, err := p.Chats.CreateMessage(ctx, model.Message{
		ID:     ulid.Make().String(),
		BotID:  botID,
		ChatID: chat.ID,
		Role:   model.RoleAssistant,
		Content: cleanedText,
		Metadata: model.MessageMetadata{
			Tokens:           int64(result.RunUsage.TotalTokens),
			PromptTokens:     int64(result.RunUsage.PromptTokens),
			CompletionTokens: int64(result.RunUsage.CompletionTokens),
			ElapsedMs:        elapsed.Milliseconds(),
			TokensPerSecond:  tokensPerSecond(result.RunUsage.CompletionTokens, elapsed),
			CallCount:        countToolCalls(result.Steps),
			Model:            resolved.Model,
			Platform:         string(platformKind),
			ToolCalls:        toolCalls,
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return adapter.Response{}, fmt.Errorf("pipeline: persist assistant message: %w", err)
	}
	p.broadcast(chat.ID, *assistantMsg)

	if p.Dispatcher != nil {
		p.Dispatcher.Dispatch(context.Background(), botID, "message.sent", map[string]any{
			"chat_id":    chat.ID,
			"message_id": assistantMsg.ID,
		})
	}

	// Step 14: return.
	responseMedia := make([]adapter.Media, 0, len(extractedMedia))
	responseMedia = append(responseMedia, extractedMedia...)
	return adapter.Response{Text: cleanedText, Media: responseMedia}, nil
}

// fail implements §4.6 step 10's catch-all and §7's user-visible-failure
// policy: the caller never sees the underlying error, only a fixed polite
// message, while the detail is logged server-side.
func (p *Pipeline) fail(ctx context.Context, chatID, botID, platform string, cause error) (adapter.Response, error) {
	slog.Error("pipeline: message processing failed", "bot_id", botID, "chat_id", chatID, "error", cause)
	msg, err := p.Chats.CreateMessage(ctx, model.Message{
		ID:        ulid.Make().String(),
		BotID:     botID,
		ChatID:    chatID,
		Role:      model.RoleAssistant,
		Content:   politeFailureMessage,
		Metadata:  model.MessageMetadata{Errors: []string{cause.Error()}, Platform: platform},
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		p.broadcast(chatID, *msg)
	}
	return adapter.Response{Text: politeFailureMessage}, nil
}

func (p *Pipeline) resolveChat(ctx context.Context, botID string, platformKind model.PlatformKind, platformChatID, text string) (*model.Chat, error) {
	existing, err := p.Chats.GetChatByPlatform(ctx, botID, string(platformKind), platformChatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Archived {
			return nil, nil
		}
		return existing, nil
	}
	return p.Chats.CreateChat(ctx, model.Chat{
		ID:             ulid.Make().String(),
		BotID:          botID,
		Title:          chatTitle(text),
		PlatformKind:   string(platformKind),
		PlatformChatID: platformChatID,
	})
}

func chatTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "New conversation"
	}
	r := []rune(text)
	if len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return text
}

func (p *Pipeline) broadcast(chatID string, msg model.Message) {
	if p.Broadcast == nil {
		return
	}
	p.Broadcast.BroadcastMessage(chatID, msg)
}

func (p *Pipeline) sendTyping(ctx context.Context, connectionID, chatID string) {
	if p.Adapters == nil {
		return
	}
	a, ok := p.Adapters.Adapter(connectionID)
	if !ok {
		return
	}
	if err := a.SendTyping(ctx, chatID); err != nil {
		slog.Debug("pipeline: send typing failed", "connection_id", connectionID, "error", err)
	}
}

func (p *Pipeline) buildContext(ctx context.Context, bot *model.Bot, chatID, userText string) (prompt string) {
	if p.Knowledge == nil {
		return bot.SystemPrompt
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pipeline: knowledge context build panicked, falling back to system prompt", "bot_id", bot.ID, "panic", r)
			prompt = bot.SystemPrompt
		}
	}()
	built := p.Knowledge.Build(ctx, bot, chatID, userText)
	if strings.TrimSpace(built) == "" {
		return bot.SystemPrompt
	}
	return built
}

// driverFor builds a per-request driver bound to the resolved provider key
// when one is present (keeping the raw key out of process environment
// state), otherwise falls through to the globally configured driver for
// that provider (§4.6 step 9).
func (p *Pipeline) driverFor(providerKey string, resolved *resolver.ResolvedEnvironment) (llm.Driver, error) {
	if key, ok := resolved.ProviderKeys[providerKey]; ok && key != "" {
		if cfg, ok := p.ProviderConfigs[providerKey]; ok {
			cfg.APIKey = key
			d, err := llm.New(cfg.Type, cfg)
			if err == nil {
				return d, nil
			}
			slog.Warn("pipeline: per-request driver build failed, falling back to global driver", "provider", providerKey, "error", err)
		}
	}
	if d, ok := p.Drivers.Get(providerKey); ok {
		return d, nil
	}
	return nil, fmt.Errorf("pipeline: no driver configured for provider %q", providerKey)
}

// parseModelID splits "provider/model" the same way the control-plane's
// chat gateway does (internal/server/gateway.go's parseModelID).
// effectiveModel picks the model id for this run the way the original
// message processor does: the bot's own "default" model slot
// (bot.Models["default"]), falling back to its legacy single Model field,
// falling back to the resolved Global-layer default. This selection is
// independent of the resolver's Global/Platform/Bot/Skill/Request
// precedence and its sources bookkeeping — it is not a "request override"
// of a credential-store row, just which of the bot's own fields to use.
func effectiveModel(bot *model.Bot, globalDefault string) string {
	if m, ok := bot.Models["default"]; ok && m != "" {
		return m
	}
	if bot.Model != "" {
		return bot.Model
	}
	return globalDefault
}

func parseModelID(modelID string) (providerKey, actualModel string, err error) {
	idx := strings.Index(modelID, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("model %q must use format \"provider/model\"", modelID)
	}
	providerKey, actualModel = modelID[:idx], modelID[idx+1:]
	if providerKey == "" || actualModel == "" {
		return "", "", fmt.Errorf("model %q has empty provider or model name", modelID)
	}
	return providerKey, actualModel, nil
}

func skillConfigsFromResolved(botID string, resolved map[string]map[string]any) []model.SkillConfig {
	configs := make([]model.SkillConfig, 0, len(resolved))
	for name, fragment := range resolved {
		raw, err := json.Marshal(fragment)
		if err != nil {
			slog.Warn("pipeline: marshal resolved skill config failed", "skill", name, "error", err)
			continue
		}
		configs = append(configs, model.SkillConfig{BotID: botID, SkillName: name, ConfigJSON: string(raw)})
	}
	return configs
}

func tokensPerSecond(completionTokens int, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(completionTokens) / seconds
}

func countToolCalls(steps []agent.Step) int {
	count := 0
	for _, s := range steps {
		if s.Type == agent.StepToolCall {
			count++
		}
	}
	return count
}

// processAttachments handles §4.6 step 4: it downloads and classifies each
// inbound attachment, returning a textual prefix to prepend to the user
// message, any images to feed the agent's vision input, and the
// bytes-free metadata descriptors persisted on the user message.
func (p *Pipeline) processAttachments(ctx context.Context, attachments []adapter.Attachment) (string, []service.InlineImage, []model.MediaDescriptor) {
	var prefixes []string
	var images []service.InlineImage
	var descriptors []model.MediaDescriptor

	maxExtract := p.MaxExtractChars
	if maxExtract <= 0 {
		maxExtract = 4000
	}

	for _, att := range attachments {
		filename := filenameFromURL(att.URL)
		switch {
		case strings.HasPrefix(att.MimeType, "audio/"):
			descriptors = append(descriptors, model.MediaDescriptor{Type: att.MimeType, Filename: filename})
			if p.Transcriber == nil {
				continue
			}
			text, err := p.Transcriber.Transcribe(ctx, att.URL)
			if err != nil {
				slog.Warn("pipeline: audio transcription failed", "url", att.URL, "error", err)
				continue
			}
			if text != "" {
				prefixes = append(prefixes, fmt.Sprintf("[Audio transcription]: %s", text))
			}

		case att.MimeType == "application/pdf":
			descriptors = append(descriptors, model.MediaDescriptor{Type: att.MimeType, Filename: filename})
			data, err := p.download(ctx, att.URL)
			if err != nil {
				slog.Warn("pipeline: pdf download failed", "url", att.URL, "error", err)
				continue
			}
			text, err := media.ExtractPDFText(data, maxExtract)
			if err != nil {
				slog.Warn("pipeline: pdf extraction failed", "url", att.URL, "error", err)
				continue
			}
			prefixes = append(prefixes, fmt.Sprintf("[Document: %s]\n%s", filename, text))

		case isPlainTextAttachment(att.MimeType, filename):
			descriptors = append(descriptors, model.MediaDescriptor{Type: att.MimeType, Filename: filename})
			data, err := p.download(ctx, att.URL)
			if err != nil {
				slog.Warn("pipeline: text attachment download failed", "url", att.URL, "error", err)
				continue
			}
			text, err := media.ExtractPlainText(data, maxExtract)
			if err != nil {
				slog.Warn("pipeline: text extraction failed", "url", att.URL, "error", err)
				continue
			}
			prefixes = append(prefixes, fmt.Sprintf("[Document: %s]\n%s", filename, text))

		case strings.HasPrefix(att.MimeType, "image/"):
			descriptors = append(descriptors, model.MediaDescriptor{Type: att.MimeType, Filename: filename})
			data, err := p.download(ctx, att.URL)
			if err != nil {
				slog.Warn("pipeline: image download failed", "url", att.URL, "error", err)
				continue
			}
			images = append(images, service.InlineImage{MimeType: att.MimeType, Data: base64Encode(data)})

		default:
			descriptors = append(descriptors, model.MediaDescriptor{Type: att.MimeType, Filename: filename})
		}
	}

	if len(prefixes) == 0 {
		return "", images, descriptors
	}
	return strings.Join(prefixes, "\n\n") + "\n\n", images, descriptors
}

const defaultDownloadMaxBytes = 25 << 20 // 25MB, well above any single text/pdf/image attachment

func (p *Pipeline) download(ctx context.Context, attachmentURL string) ([]byte, error) {
	if p.Fetcher == nil {
		return nil, fmt.Errorf("pipeline: no attachment fetcher configured")
	}
	return p.Fetcher.Download(ctx, attachmentURL, defaultDownloadMaxBytes)
}

func isPlainTextAttachment(mimeType, filename string) bool {
	base, _, _ := mime.ParseMediaType(mimeType)
	if base == "text/plain" || base == "text/markdown" {
		return true
	}
	return strings.HasSuffix(filename, ".txt") || strings.HasSuffix(filename, ".md")
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	return path.Base(u.Path)
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

var dataURIPattern = regexp.MustCompile(`data:[\w/+.\-]+;base64,[A-Za-z0-9+/=]+`)

// extractDataURIMedia scans text for data-URI media emitted by agent tools
// (§4.6 step 11), extracting each into a Media entry and stripping it from
// the returned text.
func extractDataURIMedia(text string) (string, []adapter.Media) {
	matches := dataURIPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	media := make([]adapter.Media, 0, len(matches))
	cleaned := text
	for _, m := range matches {
		mimeType := "application/octet-stream"
		if idx := strings.Index(m, ":"); idx >= 0 {
			if semi := strings.Index(m[idx:], ";"); semi >= 0 {
				mimeType = m[idx+1 : idx+semi]
			}
		}
		media = append(media, adapter.Media{URL: m, MimeType: mimeType})
		cleaned = strings.Replace(cleaned, m, "", 1)
	}
	return strings.TrimSpace(cleaned), media
}

// projectToolCalls walks steps pairing tool_call with the next tool_result
// FIFO by step order (§4.6 step 12, §5 ordering guarantee (b)).
func projectToolCalls(steps []agent.Step) []model.ToolCallTrace {
	var traces []model.ToolCallTrace
	pending := map[string]agent.Step{}
	for _, s := range steps {
		switch s.Type {
		case agent.StepToolCall:
			pending[s.ID] = s
		case agent.StepToolResult:
			call, ok := pending[s.ID]
			if !ok {
				continue
			}
			delete(pending, s.ID)
			result, truncated := truncateToolResult(s.Result)
			argsJSON, _ := json.Marshal(call.Args)
			traces = append(traces, model.ToolCallTrace{
				ID:        s.ID,
				Name:      s.Tool,
				Args:      string(argsJSON),
				Result:    result,
				Success:   s.Success,
				Truncated: truncated,
				StartTime: call.StartTime.UnixMilli(),
				EndTime:   s.EndTime.UnixMilli(),
			})
		}
	}
	return traces
}

func truncateToolResult(result string) (string, bool) {
	if dataURIPattern.MatchString(result) {
		return result, false
	}
	r := []rune(result)
	if len(r) <= maxToolResultChars {
		return result, false
	}
	return string(r[:maxToolResultChars]) + " [... truncated ...]", true
}
