package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the process-wide Global layer of the configuration resolver
// (§4.3 layer 1): static defaults and environment that every resolve() call
// starts from before platform, bot, skill, and request overrides apply.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations, the base set of
	// LLM drivers a bot's resolved environment can select among. Each
	// provider has a type ("anthropic", "openai", "vertex", or "gemini"),
	// along with api_key, base_url, model, and extra_headers fields.
	//
	// Example YAML:
	//
	//   providers:
	//     anthropic:
	//       type: anthropic
	//       api_key: "sk-ant-..."
	//       model: "claude-haiku-4-5"
	//     openai:
	//       type: openai
	//       api_key: "sk-..."
	//       model: "gpt-4o"
	Providers map[string]LLMConfig `cfg:"providers"`

	// Agent carries the default scalar settings for the Global layer of the
	// resolver: model, temperature, max_tokens, max_iterations, utility_model.
	Agent Agent `cfg:"agent"`

	Store        Store           `cfg:"store"`
	Server       Server          `cfg:"server"`
	Crypto       Crypto          `cfg:"crypto"`
	Manager      Manager         `cfg:"manager"`
	Media        Media           `cfg:"media"`
	VectorSearch VectorSearch    `cfg:"vector_search"`
	Webhook      OutboundWebhook `cfg:"outbound_webhook"`
	Telemetry    tell.Config     `cfg:"telemetry,noprefix"`
}

// Agent holds the Global-layer defaults for a ResolvedEnvironment, mirroring
// the dataclass defaults in the original implementation: temperature 0.6,
// max_tokens 4096, max_iterations 20.
type Agent struct {
	Model         string  `cfg:"model" default:"anthropic/claude-haiku-4-5"`
	Temperature   float64 `cfg:"temperature" default:"0.6"`
	MaxTokens     int     `cfg:"max_tokens" default:"4096"`
	MaxIterations int     `cfg:"max_iterations" default:"20"`
	UtilityModel  string  `cfg:"utility_model"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an external
	// authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the credential and resolved-environment
	// endpoints with bearer token authentication. Requests must include
	// "Authorization: Bearer <token>". If not set, those endpoints are
	// disabled (403 Forbidden).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated user's
	// email address (populated by the forward auth middleware).
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery.
	// This allows multiple CachiBot instances to coordinate master-key
	// rotation across a fleet.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
	// Memory selects the in-process store when true, overriding Postgres
	// and SQLite. Intended for local development and tests only: data does
	// not survive a restart.
	Memory bool `cfg:"memory"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource" default:"cachibot.db"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Crypto configures master-key resolution for the credential cryptosystem
// (§4.1). KeyFile is consulted only when CACHIBOT_MASTER_KEY is unset.
type Crypto struct {
	KeyFile string `cfg:"key_file" log:"-"`
}

// Manager configures the Platform Adapter Manager's reconnect and health
// monitor loops (§4.4).
type Manager struct {
	HealthCheckInterval  time.Duration `cfg:"health_check_interval" default:"30s"`
	HealthCheckTimeout   time.Duration `cfg:"health_check_timeout" default:"5s"`
	FailureThreshold     int           `cfg:"failure_threshold" default:"3"`
	ReconnectBackoffBase time.Duration `cfg:"reconnect_backoff_base" default:"5s"`
	ReconnectBackoffCap  time.Duration `cfg:"reconnect_backoff_cap" default:"120s"`
	MaxReconnectRetries  int           `cfg:"max_reconnect_retries" default:"8"`
}

// Media configures the attachment-processing helpers used by the pipeline's
// attachment step: audio transcription and PDF text extraction.
type Media struct {
	AssemblyAIAPIKey string `cfg:"assemblyai_api_key" log:"-"`
	MaxExtractChars  int    `cfg:"max_extract_chars" default:"4000"`
}

// VectorSearch selects and configures the pluggable vector-store backend
// behind the knowledge context builder's relevant-document search.
type VectorSearch struct {
	Backend  string          `cfg:"backend" default:"none"` // none|milvus|weaviate|pinecone|chroma|pgvector
	Milvus   *MilvusConfig   `cfg:"milvus"`
	Weaviate *WeaviateConfig `cfg:"weaviate"`
	Pinecone *PineconeConfig `cfg:"pinecone"`
	Chroma   *ChromaConfig   `cfg:"chroma"`
	PGVector *PGVectorConfig `cfg:"pgvector"`
}

type MilvusConfig struct {
	Address    string `cfg:"address"`
	Collection string `cfg:"collection"`
}

type WeaviateConfig struct {
	Scheme string `cfg:"scheme" default:"http"`
	Host   string `cfg:"host"`
	Class  string `cfg:"class"`
}

type PineconeConfig struct {
	APIKey string `cfg:"api_key" log:"-"`
	Host   string `cfg:"host"`
}

type ChromaConfig struct {
	BaseURL    string `cfg:"base_url"`
	Collection string `cfg:"collection"`
}

type PGVectorConfig struct {
	Datasource string `cfg:"datasource" log:"-"`
	Table      string `cfg:"table" default:"knowledge_embeddings"`
}

// OutboundWebhook configures the outbound webhook dispatcher (§4.7). The
// retry delay table itself is fixed at [1s, 2s, 4s] per spec and is not
// user-configurable; this struct only carries the exclusion threshold.
type OutboundWebhook struct {
	ExcludeAfterFailures int `cfg:"exclude_after_failures" default:"10"`
}

// LLMConfig describes a single LLM provider configuration.
type LLMConfig struct {
	// Type is the provider type: "anthropic", "openai", "vertex", or "gemini".
	// The "openai" type works with any OpenAI-compatible API.
	Type string `cfg:"type" json:"type"`

	// APIKey is the authentication key for the provider. Optional for local
	// providers like Ollama and for "vertex" type (uses ADC).
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL is the full endpoint URL for the provider's chat completions API.
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier to use (e.g., "gpt-4o").
	Model string `cfg:"model" json:"model"`

	// Models is the list of all models this provider supports.
	Models []string `cfg:"models" json:"models"`

	// ExtraHeaders allows setting additional HTTP headers sent with each request.
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL to route all requests
	// through before reaching the provider.
	Proxy string `cfg:"proxy" json:"proxy"`

	// InsecureSkipVerify disables TLS certificate verification when
	// connecting to the provider.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CACHIBOT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
