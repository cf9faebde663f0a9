package resolver

import (
	"context"
	"testing"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/credential"
	"github.com/jhd3197/cachibot/internal/model"
)

type fakeCredentialStorer struct {
	botEnv      map[string]map[string]model.BotEnvironment
	platformEnv map[string]map[string]model.PlatformEnvironment
	skillConfig map[string][]model.SkillConfig
}

func newFakeCredentialStorer() *fakeCredentialStorer {
	return &fakeCredentialStorer{
		botEnv:      map[string]map[string]model.BotEnvironment{},
		platformEnv: map[string]map[string]model.PlatformEnvironment{},
		skillConfig: map[string][]model.SkillConfig{},
	}
}

func (f *fakeCredentialStorer) ListBotEnvironment(_ context.Context, botID string) ([]model.BotEnvironment, error) {
	var out []model.BotEnvironment
	for _, row := range f.botEnv[botID] {
		out = append(out, row)
	}
	return out, nil
}
func (f *fakeCredentialStorer) GetBotEnvironment(_ context.Context, botID, key string) (*model.BotEnvironment, error) {
	row, ok := f.botEnv[botID][key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}
func (f *fakeCredentialStorer) UpsertBotEnvironment(_ context.Context, entry model.BotEnvironment) error {
	if f.botEnv[entry.BotID] == nil {
		f.botEnv[entry.BotID] = map[string]model.BotEnvironment{}
	}
	f.botEnv[entry.BotID][entry.Key] = entry
	return nil
}
func (f *fakeCredentialStorer) DeleteBotEnvironment(_ context.Context, botID, key string) error {
	delete(f.botEnv[botID], key)
	return nil
}
func (f *fakeCredentialStorer) ResetBotEnvironment(_ context.Context, botID string) error {
	f.botEnv[botID] = map[string]model.BotEnvironment{}
	return nil
}
func (f *fakeCredentialStorer) ListPlatformEnvironment(_ context.Context, platform string) ([]model.PlatformEnvironment, error) {
	var out []model.PlatformEnvironment
	for _, row := range f.platformEnv[platform] {
		out = append(out, row)
	}
	return out, nil
}
func (f *fakeCredentialStorer) GetPlatformEnvironment(_ context.Context, platform, key string) (*model.PlatformEnvironment, error) {
	row, ok := f.platformEnv[platform][key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}
func (f *fakeCredentialStorer) UpsertPlatformEnvironment(_ context.Context, entry model.PlatformEnvironment) error {
	if f.platformEnv[entry.Platform] == nil {
		f.platformEnv[entry.Platform] = map[string]model.PlatformEnvironment{}
	}
	f.platformEnv[entry.Platform][entry.Key] = entry
	return nil
}
func (f *fakeCredentialStorer) DeletePlatformEnvironment(_ context.Context, platform, key string) error {
	delete(f.platformEnv[platform], key)
	return nil
}
func (f *fakeCredentialStorer) ListSkillConfigs(_ context.Context, botID string) ([]model.SkillConfig, error) {
	return f.skillConfig[botID], nil
}
func (f *fakeCredentialStorer) GetSkillConfig(_ context.Context, _, _ string) (*model.SkillConfig, error) {
	return nil, nil
}
func (f *fakeCredentialStorer) UpsertSkillConfig(_ context.Context, entry model.SkillConfig) error {
	f.skillConfig[entry.BotID] = append(f.skillConfig[entry.BotID], entry)
	return nil
}
func (f *fakeCredentialStorer) DeleteSkillConfig(_ context.Context, _, _ string) error { return nil }

type noopAudit struct{}

func (noopAudit) WriteAudit(_ context.Context, _ model.AuditEntry) error { return nil }
func (noopAudit) ListAudit(_ context.Context, _ string, _ int) ([]model.AuditEntry, error) {
	return nil, nil
}

func testMasterKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func newTestResolver(t *testing.T, fake *fakeCredentialStorer) *Resolver {
	t.Helper()
	creds := credential.New(fake, noopAudit{}, testMasterKey())
	agent := config.Agent{Model: "anthropic/claude-haiku-4-5", Temperature: 0.6, MaxTokens: 4096, MaxIterations: 20}
	return New(agent, creds, fake)
}

func TestResolve_GlobalDefaultsOnly(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)

	env, err := r.Resolve(context.Background(), "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.Model != "anthropic/claude-haiku-4-5" {
		t.Errorf("expected global model default, got %q", env.Model)
	}
	if env.Sources["model"] != "global" {
		t.Errorf("expected model source global, got %q", env.Sources["model"])
	}
}

func TestResolve_GlobalLayerReadsProviderKeysFromEnvironment(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)

	t.Setenv("OPENAI_API_KEY", "sk-env-openai")
	t.Setenv("CLAUDE_API_KEY", "sk-env-anthropic")

	env, err := r.Resolve(context.Background(), "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.ProviderKeys["openai"] != "sk-env-openai" {
		t.Errorf("expected global-layer openai key from environment, got %q", env.ProviderKeys["openai"])
	}
	if env.ProviderKeys["anthropic"] != "sk-env-anthropic" {
		t.Errorf("expected global-layer anthropic key from environment, got %q", env.ProviderKeys["anthropic"])
	}
	if env.Sources["openai_api_key"] != "global" {
		t.Errorf("expected source global for env-sourced key, got %q", env.Sources["openai_api_key"])
	}

	// A platform-layer row for the same provider must still win over the
	// global environment default.
	creds := credential.New(fake, noopAudit{}, testMasterKey())
	if err := creds.Upsert(context.Background(), credential.PlatformScope("telegram"), "OPENAI_API_KEY", "sk-platform", "op"); err != nil {
		t.Fatalf("seed platform key: %v", err)
	}
	env, err = r.Resolve(context.Background(), "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.ProviderKeys["openai"] != "sk-platform" {
		t.Errorf("expected platform layer to override global env key, got %q", env.ProviderKeys["openai"])
	}
	if env.Sources["openai_api_key"] != "platform" {
		t.Errorf("expected source platform, got %q", env.Sources["openai_api_key"])
	}
}

func TestResolve_PlatformThenBotOverride(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)
	ctx := context.Background()

	creds := credential.New(fake, noopAudit{}, testMasterKey())
	if err := creds.Upsert(ctx, credential.PlatformScope("telegram"), "OPENAI_API_KEY", "sk-platform", "op"); err != nil {
		t.Fatalf("seed platform key: %v", err)
	}

	env, err := r.Resolve(ctx, "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.ProviderKeys["openai"] != "sk-platform" {
		t.Errorf("expected platform-layer key, got %q", env.ProviderKeys["openai"])
	}
	if env.Sources["openai_api_key"] != "platform" {
		t.Errorf("expected source platform, got %q", env.Sources["openai_api_key"])
	}

	if err := creds.Upsert(ctx, credential.BotScope("bot-1"), "OPENAI_API_KEY", "sk-bot", "op"); err != nil {
		t.Fatalf("seed bot key: %v", err)
	}

	env, err = r.Resolve(ctx, "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.ProviderKeys["openai"] != "sk-bot" {
		t.Errorf("expected bot layer to override platform layer, got %q", env.ProviderKeys["openai"])
	}
	if env.Sources["openai_api_key"] != "bot" {
		t.Errorf("expected source bot, got %q", env.Sources["openai_api_key"])
	}
}

func TestResolve_CrossBotIsolation(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)
	ctx := context.Background()
	creds := credential.New(fake, noopAudit{}, testMasterKey())

	if err := creds.Upsert(ctx, credential.BotScope("bot-a"), "OPENAI_API_KEY", "sk-AAA", "op"); err != nil {
		t.Fatalf("seed bot-a: %v", err)
	}
	if err := creds.Upsert(ctx, credential.BotScope("bot-b"), "OPENAI_API_KEY", "sk-BBB", "op"); err != nil {
		t.Fatalf("seed bot-b: %v", err)
	}

	envA, err := r.Resolve(ctx, "bot-a", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve bot-a: %v", err)
	}
	envB, err := r.Resolve(ctx, "bot-b", "telegram", nil)
	if err != nil {
		t.Fatalf("Resolve bot-b: %v", err)
	}

	if envA.ProviderKeys["openai"] != "sk-AAA" || envB.ProviderKeys["openai"] != "sk-BBB" {
		t.Fatalf("cross-bot isolation violated: a=%q b=%q", envA.ProviderKeys["openai"], envB.ProviderKeys["openai"])
	}

	envA.ProviderKeys["openai"] = "MUTATED"
	if envB.ProviderKeys["openai"] != "sk-BBB" {
		t.Error("mutating one resolved environment affected another")
	}
}

func TestResolve_SkillLayerThenRequestShallowMerge(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)
	ctx := context.Background()

	if err := fake.UpsertSkillConfig(ctx, model.SkillConfig{
		BotID:      "bot-1",
		SkillName:  "weather",
		ConfigJSON: `{"units":"metric","nested":{"a":1,"b":2}}`,
	}); err != nil {
		t.Fatalf("seed skill config: %v", err)
	}

	overrides := &RequestOverrides{
		SkillConfigs: map[string]map[string]any{
			"weather": {"nested": map[string]any{"a": 99}},
		},
	}

	env, err := r.Resolve(ctx, "bot-1", "telegram", overrides)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	weather := env.SkillConfigs["weather"]
	if weather["units"] != "metric" {
		t.Errorf("expected skill-layer field to survive, got %v", weather["units"])
	}
	nested, ok := weather["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested to be replaced wholesale, got %T", weather["nested"])
	}
	if _, hasB := nested["b"]; hasB {
		t.Error("expected one-level-deep merge to replace nested object entirely, not deep-merge it")
	}
	if nested["a"] != 99 {
		t.Errorf("expected request override value for nested.a, got %v", nested["a"])
	}
}

func TestResolve_RequestScalarOverrides(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)

	temp := 0.9
	maxTokens := 8192
	overrides := &RequestOverrides{Model: "anthropic/claude-opus-4", Temperature: &temp, MaxTokens: &maxTokens}

	env, err := r.Resolve(context.Background(), "bot-1", "telegram", overrides)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if env.Model != "anthropic/claude-opus-4" {
		t.Errorf("expected request-layer model, got %q", env.Model)
	}
	if env.Temperature != 0.9 {
		t.Errorf("expected request-layer temperature, got %v", env.Temperature)
	}
	if env.MaxTokens != 8192 {
		t.Errorf("expected request-layer max_tokens, got %v", env.MaxTokens)
	}
	if env.Sources["model"] != "request" {
		t.Errorf("expected model source request, got %q", env.Sources["model"])
	}
}

func TestScope_CloseZeroesProviderKeysAndBlocksAccess(t *testing.T) {
	fake := newFakeCredentialStorer()
	r := newTestResolver(t, fake)
	ctx := context.Background()
	creds := credential.New(fake, noopAudit{}, testMasterKey())
	if err := creds.Upsert(ctx, credential.BotScope("bot-1"), "OPENAI_API_KEY", "sk-bot", "op"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	scope, err := r.Open(ctx, "bot-1", "telegram", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v, ok := scope.Get("openai"); !ok || v != "sk-bot" {
		t.Fatalf("expected resolved key before close, got %q ok=%v", v, ok)
	}

	scope.Close()

	if _, ok := scope.Get("openai"); ok {
		t.Error("expected Get to report not-found after Close")
	}
	if _, err := scope.Resolved(); err != ErrNotActive {
		t.Errorf("expected ErrNotActive after Close, got %v", err)
	}
}
