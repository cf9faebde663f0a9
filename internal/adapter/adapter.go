// Package adapter defines the platform adapter contract and a self-
// registering factory registry (spec.md §4.4), the same pattern the
// teacher uses for workflow node types (internal/service/workflow/node.go's
// nodeFactories map populated by per-node init() calls).
package adapter

import (
	"context"
	"fmt"
	"sync"
)

// Status is a connection's position in the lifecycle state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Media is one outgoing attachment.
type Media struct {
	URL      string
	MimeType string
	Caption  string
}

// Response is what an adapter sends back after on_message runs.
type Response struct {
	Text  string
	Media []Media
}

// Attachment is one inbound attachment, parsed from the platform's wire
// format before the pipeline's media-processing step runs.
type Attachment struct {
	URL      string
	MimeType string
}

// HealthResult is health_check()'s return shape.
type HealthResult struct {
	Healthy   bool
	LatencyMS int64
	Details   map[string]any
}

// OnMessageFunc is the manager-provided inbound callback. It returns the
// response to send back through the adapter's platform-specific send
// primitives.
type OnMessageFunc func(ctx context.Context, connectionID, chatID, text string, metadata map[string]any, attachments []Attachment) (Response, error)

// OnStatusChangeFunc notifies the manager of a connection's lifecycle
// transition.
type OnStatusChangeFunc func(connectionID string, newStatus Status)

// Adapter is the contract every platform implementation satisfies
// (spec.md §4.4 "Adapter contract").
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
	SendResponse(ctx context.Context, chatID string, resp Response) error
	HealthCheck(ctx context.Context) (HealthResult, error)
	MaxMessageLength() int
	FormatOutgoing(text string) string
	ChunkMessage(text string) []string
}

// WebhookAdapter is additionally implemented by platforms that push
// inbound events over HTTP instead of a persistent connection (WhatsApp,
// LINE, Viber, Teams, custom). Connect() for these is a no-op beyond
// validating credentials and opening an outbound HTTP session.
type WebhookAdapter interface {
	Adapter

	// ProcessWebhook validates signatureHeader against the adapter's
	// configured secret, then parses bodyParsed/bodyRaw into inbound
	// events and invokes the manager's on_message for each. Returns
	// ErrInvalidSignature (via errors.Is) on a signature mismatch, in
	// which case the caller must respond with a 403-equivalent and run
	// no further processing.
	ProcessWebhook(ctx context.Context, bodyParsed map[string]any, bodyRaw []byte, signatureHeader string) error
}

// ErrInvalidSignature is returned by ProcessWebhook when the inbound
// request's signature does not match the configured secret.
var ErrInvalidSignature = fmt.Errorf("adapter: invalid webhook signature")

// HandshakeVerifier is implemented by webhook-style adapters whose platform
// requires an out-of-band verification handshake before webhook delivery
// is activated (e.g. Meta's GET ?hub.mode=subscribe challenge, spec.md
// §4.4). It returns the value to echo back and whether verification
// succeeded.
type HandshakeVerifier interface {
	VerifyHandshake(mode, verifyToken, challenge string) (string, bool)
}

// Config is a connection's platform-specific configuration, read from the
// resolved environment (credentials) plus any non-secret connection
// settings.
type Config map[string]string

// Factory constructs a platform adapter bound to the given config and
// manager callbacks.
type Factory func(cfg Config, onMessage OnMessageFunc, onStatusChange OnStatusChangeFunc) (Adapter, error)

// Registration is what a platform package declares at init() time:
// required/optional config keys double as documentation and pre-connect
// validation.
type Registration struct {
	PlatformKind   string
	Factory        Factory
	RequiredConfig []string
	OptionalConfig []string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// Register adds a platform's factory to the registry. Called from each
// platform subpackage's init().
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.PlatformKind] = reg
}

// Get returns the registration for platformKind, or ok=false if no
// platform package registered that kind.
func Get(platformKind string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[platformKind]
	return reg, ok
}

// Kinds returns every registered platform_kind.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidateConfig returns the list of missing required keys, or invalid
// (empty-valued) keys, for platformKind's declared RequiredConfig.
func ValidateConfig(platformKind string, cfg Config) ([]string, error) {
	reg, ok := Get(platformKind)
	if !ok {
		return nil, fmt.Errorf("adapter: unknown platform kind %q", platformKind)
	}
	var problems []string
	for _, key := range reg.RequiredConfig {
		if v, ok := cfg[key]; !ok || v == "" {
			problems = append(problems, key)
		}
	}
	return problems, nil
}

// New builds an adapter instance for platformKind, validating its
// required config first.
func New(platformKind string, cfg Config, onMessage OnMessageFunc, onStatusChange OnStatusChangeFunc) (Adapter, error) {
	reg, ok := Get(platformKind)
	if !ok {
		return nil, fmt.Errorf("adapter: unknown platform kind %q", platformKind)
	}
	missing, err := ValidateConfig(platformKind, cfg)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("adapter: platform %q missing required config: %v", platformKind, missing)
	}
	return reg.Factory(cfg, onMessage, onStatusChange)
}
