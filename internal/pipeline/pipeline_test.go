package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jhd3197/cachibot/internal/agent"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/resolver"
	"github.com/jhd3197/cachibot/internal/service"
)

// --- fakes ---

type fakeBotStore struct {
	bot *model.Bot
}

func (f *fakeBotStore) GetBot(ctx context.Context, id string) (*model.Bot, error) { return f.bot, nil }
func (f *fakeBotStore) ListConnections(ctx context.Context, botID string) ([]model.Connection, error) {
	return nil, nil
}
func (f *fakeBotStore) ListAllConnections(ctx context.Context) ([]model.Connection, error) {
	return nil, nil
}
func (f *fakeBotStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	return nil, nil
}
func (f *fakeBotStore) UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, errMsg string) error {
	return nil
}
func (f *fakeBotStore) ResetAllConnectionStatuses(ctx context.Context) error { return nil }
func (f *fakeBotStore) TouchConnection(ctx context.Context, id string) error { return nil }

type fakeChatStore struct {
	chat     *model.Chat
	created  []model.Message
	touched  []string
}

func (f *fakeChatStore) GetChatByPlatform(ctx context.Context, botID, platformKind, platformChatID string) (*model.Chat, error) {
	return f.chat, nil
}
func (f *fakeChatStore) CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error) {
	chat.ID = "new-chat"
	f.chat = &chat
	return &chat, nil
}
func (f *fakeChatStore) TouchChat(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}
func (f *fakeChatStore) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	return nil, nil
}
func (f *fakeChatStore) CreateMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	f.created = append(f.created, msg)
	return &msg, nil
}

type fakeContextBuilder struct{ prompt string }

func (f *fakeContextBuilder) Build(ctx context.Context, bot *model.Bot, chatID, userMessage string) string {
	return f.prompt
}

type fakeResolver struct {
	env              *resolver.ResolvedEnvironment
	err              error
	lastOverrides    *resolver.RequestOverrides
	sawOverridesCall bool
}

func (f *fakeResolver) Resolve(ctx context.Context, botID, platform string, overrides *resolver.RequestOverrides) (*resolver.ResolvedEnvironment, error) {
	f.sawOverridesCall = true
	f.lastOverrides = overrides
	return f.env, f.err
}

type fakeDriverRegistry struct {
	drivers map[string]service.LLMProvider
}

func (f *fakeDriverRegistry) Get(key string) (service.LLMProvider, bool) {
	d, ok := f.drivers[key]
	return d, ok
}

type fakeDriver struct {
	resp *service.LLMResponse
	err  error
}

func (f *fakeDriver) Chat(ctx context.Context, model string, messages []service.Message, tools []service.Tool) (*service.LLMResponse, error) {
	return f.resp, f.err
}

type fakeAgent struct {
	result *agent.RunResult
	err    error
}

func (f *fakeAgent) Run(ctx context.Context, in agent.RunInput) (*agent.RunResult, error) {
	return f.result, f.err
}

func newTestPipeline(bot *model.Bot) (*Pipeline, *fakeChatStore) {
	chats := &fakeChatStore{}
	p := &Pipeline{
		Bots:  &fakeBotStore{bot: bot},
		Chats: chats,
		Knowledge: &fakeContextBuilder{prompt: "enhanced prompt"},
		Resolver: &fakeResolver{env: &resolver.ResolvedEnvironment{
			Model:         "testprov/model-x",
			MaxIterations: 5,
			ProviderKeys:  map[string]string{},
			SkillConfigs:  map[string]map[string]any{},
		}},
		Agent: &fakeAgent{result: &agent.RunResult{OutputText: "hi there"}},
		Drivers: &fakeDriverRegistry{drivers: map[string]service.LLMProvider{
			"testprov": &fakeDriver{resp: &service.LLMResponse{Content: "hi there"}},
		}},
	}
	return p, chats
}

func TestHandleInboundMessage_BotNotFound(t *testing.T) {
	p, _ := newTestPipeline(nil)
	resp, err := p.HandleInboundMessage(context.Background(), "bot-1", "conn-1", model.PlatformTelegram, "chat-1", "hello", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "This bot is not configured." {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleInboundMessage_ArchivedChatSuppressesReply(t *testing.T) {
	bot := &model.Bot{ID: "bot-1"}
	p, chats := newTestPipeline(bot)
	chats.chat = &model.Chat{ID: "chat-1", Archived: true}

	resp, err := p.HandleInboundMessage(context.Background(), "bot-1", "conn-1", model.PlatformTelegram, "platform-chat-1", "hello", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "" || len(resp.Media) != 0 {
		t.Errorf("expected empty response for archived chat, got %+v", resp)
	}
	if len(chats.created) != 0 {
		t.Errorf("expected no persisted messages for an archived chat, got %d", len(chats.created))
	}
}

func TestHandleInboundMessage_HappyPathPersistsAndReturnsAgentOutput(t *testing.T) {
	bot := &model.Bot{ID: "bot-1", SystemPrompt: "be nice"}
	p, chats := newTestPipeline(bot)
	chats.chat = &model.Chat{ID: "chat-1", Archived: false}

	resp, err := p.HandleInboundMessage(context.Background(), "bot-1", "conn-1", model.PlatformTelegram, "platform-chat-1", "hello", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hi there" {
		t.Errorf("expected agent output text, got %q", resp.Text)
	}
	if len(chats.created) != 2 {
		t.Fatalf("expected user + assistant messages persisted, got %d", len(chats.created))
	}
	if chats.created[0].Role != model.RoleUser || chats.created[0].Content != "hello" {
		t.Errorf("unexpected user message: %+v", chats.created[0])
	}
	if chats.created[1].Role != model.RoleAssistant || chats.created[1].Content != "hi there" {
		t.Errorf("unexpected assistant message: %+v", chats.created[1])
	}
}

func TestHandleInboundMessage_AgentFailureReturnsPoliteMessage(t *testing.T) {
	bot := &model.Bot{ID: "bot-1"}
	p, chats := newTestPipeline(bot)
	chats.chat = &model.Chat{ID: "chat-1"}
	p.Agent = &fakeAgent{err: errTest{"boom"}}

	resp, err := p.HandleInboundMessage(context.Background(), "bot-1", "conn-1", model.PlatformTelegram, "platform-chat-1", "hello", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != politeFailureMessage {
		t.Errorf("expected polite failure message, got %q", resp.Text)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }

func TestEffectiveModel_PrefersBotModelsDefaultSlot(t *testing.T) {
	bot := &model.Bot{Model: "anthropic/claude-haiku-4-5", Models: map[string]string{"default": "openai/gpt-5"}}
	if got := effectiveModel(bot, "anthropic/claude-opus-4"); got != "openai/gpt-5" {
		t.Errorf("expected bot.Models[\"default\"] to win, got %q", got)
	}
}

func TestEffectiveModel_FallsBackToBotModelThenGlobalDefault(t *testing.T) {
	bot := &model.Bot{Model: "anthropic/claude-haiku-4-5"}
	if got := effectiveModel(bot, "anthropic/claude-opus-4"); got != "anthropic/claude-haiku-4-5" {
		t.Errorf("expected bot.Model fallback, got %q", got)
	}

	bare := &model.Bot{}
	if got := effectiveModel(bare, "anthropic/claude-opus-4"); got != "anthropic/claude-opus-4" {
		t.Errorf("expected global default fallback when bot has no model set, got %q", got)
	}
}

func TestHandleInboundMessage_DoesNotForceRequestLayerModelOverride(t *testing.T) {
	bot := &model.Bot{ID: "bot-1", Model: "testprov/model-x"}
	p, chats := newTestPipeline(bot)
	chats.chat = &model.Chat{ID: "chat-1"}
	fr := p.Resolver.(*fakeResolver)

	if _, err := p.HandleInboundMessage(context.Background(), "bot-1", "conn-1", model.PlatformTelegram, "platform-chat-1", "hello", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chats.created) == 0 {
		t.Fatal("expected messages to be persisted")
	}
	if !fr.sawOverridesCall {
		t.Fatal("expected Resolve to be called")
	}
	if fr.lastOverrides != nil {
		t.Errorf("expected no request-layer overrides from the pipeline, got %+v", fr.lastOverrides)
	}
}

func TestParseModelID(t *testing.T) {
	provider, model, err := parseModelID("anthropic/claude-haiku-4-5")
	if err != nil || provider != "anthropic" || model != "claude-haiku-4-5" {
		t.Errorf("unexpected parse result: %q %q %v", provider, model, err)
	}
	if _, _, err := parseModelID("no-slash"); err == nil {
		t.Error("expected error for model id without a provider prefix")
	}
}

func TestChatTitle(t *testing.T) {
	if chatTitle("") != "New conversation" {
		t.Error("expected fallback title for empty text")
	}
	long := strings.Repeat("a", 100)
	if got := chatTitle(long); len([]rune(got)) != 61 { // 60 chars + ellipsis
		t.Errorf("expected truncated title, got %d runes", len([]rune(got)))
	}
}

func TestExtractDataURIMedia(t *testing.T) {
	text := "Here is your image: data:image/png;base64,QUJD and some trailing text."
	cleaned, media := extractDataURIMedia(text)
	if len(media) != 1 {
		t.Fatalf("expected one extracted media item, got %d", len(media))
	}
	if media[0].MimeType != "image/png" {
		t.Errorf("expected image/png mime type, got %q", media[0].MimeType)
	}
	if strings.Contains(cleaned, "data:image") {
		t.Errorf("expected data URI stripped from text, got %q", cleaned)
	}
}

func TestProjectToolCalls_PairsFIFOAndTruncates(t *testing.T) {
	start := time.Now()
	end := start.Add(time.Second)
	steps := []agent.Step{
		{Type: agent.StepToolCall, ID: "1", Tool: "search", Args: map[string]any{"q": "x"}, StartTime: start},
		{Type: agent.StepToolResult, ID: "1", Tool: "search", Result: strings.Repeat("x", 3000), Success: true, StartTime: start, EndTime: end},
	}
	traces := projectToolCalls(steps)
	if len(traces) != 1 {
		t.Fatalf("expected one paired trace, got %d", len(traces))
	}
	tr := traces[0]
	if tr.ID != "1" || tr.Name != "search" || !tr.Success {
		t.Errorf("unexpected trace: %+v", tr)
	}
	if !tr.Truncated || !strings.HasSuffix(tr.Result, "[... truncated ...]") {
		t.Errorf("expected truncated result, got %q", tr.Result)
	}
}

func TestProjectToolCalls_PreservesDataURIsUntruncated(t *testing.T) {
	longDataURI := "data:image/png;base64," + strings.Repeat("A", 3000)
	steps := []agent.Step{
		{Type: agent.StepToolCall, ID: "1", Tool: "render"},
		{Type: agent.StepToolResult, ID: "1", Tool: "render", Result: longDataURI, Success: true},
	}
	traces := projectToolCalls(steps)
	if len(traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(traces))
	}
	if traces[0].Truncated {
		t.Error("expected data URI result to survive untruncated")
	}
	if traces[0].Result != longDataURI {
		t.Error("expected data URI result unmodified")
	}
}

func TestIsPlainTextAttachment(t *testing.T) {
	if !isPlainTextAttachment("text/plain", "notes.txt") {
		t.Error("expected text/plain to match")
	}
	if !isPlainTextAttachment("application/octet-stream", "readme.md") {
		t.Error("expected .md suffix to match regardless of mime type")
	}
	if isPlainTextAttachment("application/pdf", "doc.pdf") {
		t.Error("expected pdf mime type to not match plain text")
	}
}

func TestFilenameFromURL(t *testing.T) {
	if got := filenameFromURL("https://cdn.example.com/files/report.pdf?token=abc"); got != "report.pdf" {
		t.Errorf("expected report.pdf, got %q", got)
	}
}
