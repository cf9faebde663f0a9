// Package resolver implements the five-layer configuration resolver
// (Global -> Platform -> Bot -> Skill -> Request, spec.md §4.3), merging
// process defaults with decrypted credential-store rows into one
// ResolvedEnvironment per request. It holds no cache: every Resolve call
// re-reads the credential store, so an admin key update is observable on
// the very next request, and it never places a resolved key in process-wide
// environment state. Grounded on the original bot_environment.py service.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/credential"
	"github.com/jhd3197/cachibot/internal/model"
)

// providerEnvKeys maps a provider name to the fixed env-var-shaped key a
// credential row must carry to be recognized as that provider's secret
// (spec.md §6/§9.1, "a fixed name→env-key table").
var providerEnvKeys = map[string]string{
	"openai":      "OPENAI_API_KEY",
	"anthropic":   "CLAUDE_API_KEY",
	"groq":        "GROQ_API_KEY",
	"google":      "GOOGLE_API_KEY",
	"grok":        "GROK_API_KEY",
	"openrouter":  "OPENROUTER_API_KEY",
	"moonshot":    "MOONSHOT_API_KEY",
	"zhipu":       "ZHIPU_API_KEY",
	"modelscope":  "MODELSCOPE_API_KEY",
	"stability":   "STABILITY_API_KEY",
	"elevenlabs":  "ELEVENLABS_API_KEY",
	"azure":       "AZURE_API_KEY",
	"ollama":     "OLLAMA_ENDPOINT",
	"lmstudio":   "LMSTUDIO_ENDPOINT",
	"local_http": "LOCAL_HTTP_ENDPOINT",
}

var envKeyToProvider = invertProviderEnvKeys()

func invertProviderEnvKeys() map[string]string {
	out := make(map[string]string, len(providerEnvKeys))
	for provider, envKey := range providerEnvKeys {
		out[envKey] = provider
	}
	return out
}

// ResolvedEnvironment is the merged, per-request configuration a bot's
// agent run and pipeline consult. Lifetime is strictly one message.
type ResolvedEnvironment struct {
	ProviderKeys  map[string]string
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	UtilityModel  string
	SkillConfigs  map[string]map[string]any
	Sources       map[string]string
}

func newResolvedEnvironment() *ResolvedEnvironment {
	return &ResolvedEnvironment{
		ProviderKeys: map[string]string{},
		SkillConfigs: map[string]map[string]any{},
		Sources:      map[string]string{},
	}
}

// RequestOverrides carries layer-5 per-call overrides (model/temperature/
// caps and per-skill config fragments), as supplied by the pipeline or an
// API caller.
type RequestOverrides struct {
	Model         string
	Temperature   *float64
	MaxTokens     *int
	MaxIterations *int
	SkillConfigs  map[string]map[string]any
}

// SkillConfigLister is the subset of store.CredentialStorer the resolver's
// Skill layer needs.
type SkillConfigLister interface {
	ListSkillConfigs(ctx context.Context, botID string) ([]model.SkillConfig, error)
}

// Resolver merges the five layers into a ResolvedEnvironment.
type Resolver struct {
	agent       config.Agent
	credentials *credential.Store
	skills      SkillConfigLister
}

// New builds a Resolver over the process-wide Agent defaults (Global layer)
// and the credential/skill-config stores the Platform/Bot/Skill layers read.
func New(agent config.Agent, credentials *credential.Store, skills SkillConfigLister) *Resolver {
	return &Resolver{agent: agent, credentials: credentials, skills: skills}
}

// Resolve merges Global -> Platform -> Bot -> Skill -> Request into one
// ResolvedEnvironment for botID's next message on platform.
func (r *Resolver) Resolve(ctx context.Context, botID, platform string, overrides *RequestOverrides) (*ResolvedEnvironment, error) {
	env := r.loadGlobalDefaults()

	platformValues, err := r.credentials.ResolveAll(ctx, credential.PlatformScope(platform))
	if err != nil {
		return nil, fmt.Errorf("resolver: load platform layer: %w", err)
	}
	mergeValues(env, platformValues, "platform")

	botValues, err := r.credentials.ResolveAll(ctx, credential.BotScope(botID))
	if err != nil {
		return nil, fmt.Errorf("resolver: load bot layer: %w", err)
	}
	mergeValues(env, botValues, "bot")

	skillConfigs, err := r.loadSkillConfigs(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("resolver: load skill layer: %w", err)
	}
	env.SkillConfigs = skillConfigs

	if overrides != nil {
		applyRequestOverrides(env, overrides)
	}

	return env, nil
}

// loadGlobalDefaults is Layer 1: process-wide agent defaults plus whatever
// provider API keys are sitting in the process environment under their
// fixed env-var names (spec.md §4.3 step 1, §6 "Layer 1 defaults only").
func (r *Resolver) loadGlobalDefaults() *ResolvedEnvironment {
	env := newResolvedEnvironment()
	env.Model = r.agent.Model
	env.Temperature = r.agent.Temperature
	env.MaxTokens = r.agent.MaxTokens
	env.MaxIterations = r.agent.MaxIterations
	env.UtilityModel = r.agent.UtilityModel

	env.Sources["model"] = "global"
	env.Sources["temperature"] = "global"
	env.Sources["max_tokens"] = "global"
	env.Sources["max_iterations"] = "global"
	if env.UtilityModel != "" {
		env.Sources["utility_model"] = "global"
	}

	for provider, envKey := range providerEnvKeys {
		value := os.Getenv(envKey)
		if value == "" {
			continue
		}
		env.ProviderKeys[provider] = value
		env.Sources[strings.ToLower(envKey)] = "global"
	}

	return env
}

func (r *Resolver) loadSkillConfigs(ctx context.Context, botID string) (map[string]map[string]any, error) {
	rows, err := r.skills.ListSkillConfigs(ctx, botID)
	if err != nil {
		return nil, err
	}
	configs := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		parsed, err := decodeJSONObject(row.ConfigJSON)
		if err != nil {
			// Invalid JSON in a skill config is dropped, not fatal, matching
			// the platform/bot decrypt-failure isolation elsewhere.
			continue
		}
		configs[row.SkillName] = parsed
	}
	return configs, nil
}

// mergeValues applies layer overrides onto env in place, recognizing
// provider env-var keys and the fixed set of scalar agent settings; any
// other key is recorded in Sources for traceability but otherwise ignored.
func mergeValues(env *ResolvedEnvironment, overrides map[string]string, source string) {
	for key, value := range overrides {
		upper := strings.ToUpper(key)
		switch {
		case envKeyToProvider[upper] != "":
			env.ProviderKeys[envKeyToProvider[upper]] = value
			env.Sources[strings.ToLower(upper)] = source
		case strings.EqualFold(key, "model"):
			env.Model = value
			env.Sources["model"] = source
		case strings.EqualFold(key, "temperature"):
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				env.Temperature = f
				env.Sources["temperature"] = source
			}
		case strings.EqualFold(key, "max_tokens"):
			if n, err := strconv.Atoi(value); err == nil {
				env.MaxTokens = n
				env.Sources["max_tokens"] = source
			}
		case strings.EqualFold(key, "max_iterations"):
			if n, err := strconv.Atoi(value); err == nil {
				env.MaxIterations = n
				env.Sources["max_iterations"] = source
			}
		case strings.EqualFold(key, "utility_model"):
			env.UtilityModel = value
			env.Sources["utility_model"] = source
		default:
			env.Sources[strings.ToLower(key)] = source
		}
	}
}

// applyRequestOverrides applies Layer 5. Scalar settings replace; skill
// configs deep-merge exactly one level deep on top of the Skill layer —
// nested skill options are replaced wholesale, not recursively merged
// (spec.md §9 Open Questions: this shallow merge is intentional).
func applyRequestOverrides(env *ResolvedEnvironment, overrides *RequestOverrides) {
	if overrides.Model != "" {
		env.Model = overrides.Model
		env.Sources["model"] = "request"
	}
	if overrides.Temperature != nil {
		env.Temperature = *overrides.Temperature
		env.Sources["temperature"] = "request"
	}
	if overrides.MaxTokens != nil {
		env.MaxTokens = *overrides.MaxTokens
		env.Sources["max_tokens"] = "request"
	}
	if overrides.MaxIterations != nil {
		env.MaxIterations = *overrides.MaxIterations
		env.Sources["max_iterations"] = "request"
	}
	for skillName, fragment := range overrides.SkillConfigs {
		existing, ok := env.SkillConfigs[skillName]
		if !ok {
			existing = map[string]any{}
		}
		for k, v := range fragment {
			existing[k] = v
		}
		env.SkillConfigs[skillName] = existing
		env.Sources["skill_config."+skillName] = "request"
	}
}

func decodeJSONObject(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// Scope is a scoped handle on a ResolvedEnvironment, per spec.md §4.3's
// open/close lifetime contract: it zeros ProviderKeys on Close, and Get
// after Close returns ErrNotActive.
type Scope struct {
	env    *ResolvedEnvironment
	closed bool
}

// ErrNotActive is returned by a Scope's Get/Resolved after Close.
var ErrNotActive = errors.New("resolver: scope is not active")

// Open resolves botID's environment and wraps it in a closable Scope.
func (r *Resolver) Open(ctx context.Context, botID, platform string, overrides *RequestOverrides) (*Scope, error) {
	env, err := r.Resolve(ctx, botID, platform, overrides)
	if err != nil {
		return nil, err
	}
	return &Scope{env: env}, nil
}

// Get returns a resolved provider key, or ok=false if unset or the scope is
// closed.
func (s *Scope) Get(provider string) (string, bool) {
	if s.closed {
		return "", false
	}
	v, ok := s.env.ProviderKeys[provider]
	return v, ok
}

// Resolved returns the full resolved environment, or ErrNotActive if Close
// has already run.
func (s *Scope) Resolved() (*ResolvedEnvironment, error) {
	if s.closed {
		return nil, ErrNotActive
	}
	return s.env, nil
}

// Close zeros out ProviderKeys, making the scope inert. Idempotent.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	for k := range s.env.ProviderKeys {
		delete(s.env.ProviderKeys, k)
	}
	s.closed = true
}
