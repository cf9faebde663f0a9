// Package llm selects and wires the concrete LLM driver for a resolved
// bot/request, on top of the hand-rolled HTTP providers in
// internal/service/llm/* plus the langchaingo-backed driver in
// internal/llm/langchain.
package llm

import (
	"fmt"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/llm/langchain"
	"github.com/jhd3197/cachibot/internal/service"
	"github.com/jhd3197/cachibot/internal/service/llm/antropic"
	"github.com/jhd3197/cachibot/internal/service/llm/gemini"
	"github.com/jhd3197/cachibot/internal/service/llm/ollama"
	"github.com/jhd3197/cachibot/internal/service/llm/openai"
	"github.com/jhd3197/cachibot/internal/service/llm/vertex"
)

// Driver is the contract the agent loop calls to reach an LLM: the
// teacher's LLMProvider interface, kept under its existing wire vocabulary
// (service.Message, service.ContentBlock, service.ToolCall, ...).
type Driver = service.LLMProvider

// StreamDriver is optionally implemented by drivers with native SSE
// streaming support; the agent loop type-asserts for it and falls back to
// Driver.Chat otherwise.
type StreamDriver = service.LLMStreamProvider

// New builds a driver for the given provider type. name mirrors
// config.LLMConfig.Type.
func New(name string, cfg config.LLMConfig) (Driver, error) {
	switch name {
	case "anthropic":
		return antropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "gemini":
		return gemini.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "vertex":
		return vertex.New(cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "ollama":
		return ollama.New(cfg.Model), nil
	case "openai":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify, cfg.ExtraHeaders)
	case "langchain":
		return langchain.New(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", name)
	}
}

// Registry holds one configured driver per named provider key, as declared
// under config.Config.Providers.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry constructs a driver for every entry in providers, keyed by
// the same map key the resolver's Global layer uses to look up a bot's
// configured provider.
func NewRegistry(providers map[string]config.LLMConfig) (*Registry, error) {
	drivers := make(map[string]Driver, len(providers))
	for key, cfg := range providers {
		d, err := New(cfg.Type, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", key, err)
		}
		drivers[key] = d
	}
	return &Registry{drivers: drivers}, nil
}

// Get returns the driver registered under key.
func (r *Registry) Get(key string) (Driver, bool) {
	d, ok := r.drivers[key]
	return d, ok
}
