// Package manager implements the Platform Adapter Manager (spec.md §4.4):
// lifecycle orchestration across every bot's platform connections, a
// background health monitor that triggers reconnects on repeated failures,
// and the startup sweep that reconnects every auto_connect connection
// after a process restart.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jhd3197/cachibot/internal/adapter"
	"github.com/jhd3197/cachibot/internal/crypto"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/store"

	// Adapter subpackages self-register via init(); importing for side
	// effect only registers platform kinds known to this binary.
	_ "github.com/jhd3197/cachibot/internal/adapter/custom"
	_ "github.com/jhd3197/cachibot/internal/adapter/discord"
	_ "github.com/jhd3197/cachibot/internal/adapter/line"
	_ "github.com/jhd3197/cachibot/internal/adapter/teams"
	_ "github.com/jhd3197/cachibot/internal/adapter/telegram"
	_ "github.com/jhd3197/cachibot/internal/adapter/viber"
	_ "github.com/jhd3197/cachibot/internal/adapter/whatsapp"
)

// MessageHandler is the manager-provided entry point for every inbound
// message, implemented by the message processing pipeline. It is invoked
// from the adapter's goroutine, so it must be safe for concurrent calls
// across connections.
type MessageHandler interface {
	HandleInboundMessage(ctx context.Context, botID, connectionID string, platformKind model.PlatformKind, chatID, text string, metadata map[string]any, attachments []adapter.Attachment) (adapter.Response, error)
}

// Options configures the health monitor's cadence and failure threshold.
type Options struct {
	HealthInterval   time.Duration // default 30s
	HealthTimeout    time.Duration // default 5s, passed to each HealthCheck call
	FailureThreshold int           // consecutive failures before reconnect, default 3
	MasterKey        []byte
}

type connectionState struct {
	mu              sync.Mutex
	adapter         adapter.Adapter
	botID           string
	platformKind    model.PlatformKind
	status          model.ConnectionStatus
	consecutiveFail int
}

// Manager orchestrates every active adapter connection for every bot.
type Manager struct {
	store   store.BotStorer
	handler MessageHandler
	opts    Options

	mu          sync.RWMutex
	connections map[string]*connectionState // connection ID -> state
	masterKey   []byte

	stopHealth context.CancelFunc
}

// New constructs a Manager. Call Start to launch the health monitor and run
// StartupReconnect once, typically from cmd/cachibot/main.go's bootstrap.
func New(botStore store.BotStorer, handler MessageHandler, opts Options) *Manager {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	return &Manager{
		store:       botStore,
		handler:     handler,
		opts:        opts,
		connections: make(map[string]*connectionState),
		masterKey:   opts.MasterKey,
	}
}

// SetMasterKey swaps the key used to decrypt connection configs on the next
// Connect call. Called after credential.Store.RotateMasterKey (or a cluster
// broadcast of a peer's rotation) so reconnects pick up the new key.
//
// Connection.ConfigEncrypted rows themselves are not re-encrypted here:
// store.BotStorer exposes no config mutator, only UpdateConnectionStatus, so
// rotation assumes connection configs are re-saved by their own admin flow
// rather than swept alongside credential rows.
func (m *Manager) SetMasterKey(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masterKey = key
}

func (m *Manager) currentMasterKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterKey
}

// Start launches the background health-monitor loop. Call StartupReconnect
// separately once storage is ready to serve connection rows.
func (m *Manager) Start(ctx context.Context) {
	healthCtx, cancel := context.WithCancel(ctx)
	m.stopHealth = cancel
	go m.healthMonitorLoop(healthCtx)
}

// Stop halts the health monitor. It does not disconnect active adapters.
func (m *Manager) Stop() {
	if m.stopHealth != nil {
		m.stopHealth()
	}
}

// StartupReconnect resets every persisted connection status to disconnected,
// then reconnects every connection with auto_connect=true. Per-connection
// failures are logged and do not abort the sweep (spec.md §4.4).
func (m *Manager) StartupReconnect(ctx context.Context) error {
	if err := m.store.ResetAllConnectionStatuses(ctx); err != nil {
		return fmt.Errorf("manager: reset connection statuses: %w", err)
	}

	conns, err := m.store.ListAllConnections(ctx)
	if err != nil {
		return fmt.Errorf("manager: list connections: %w", err)
	}

	for _, c := range conns {
		if !c.AutoConnect {
			continue
		}
		if err := m.Connect(ctx, c.ID); err != nil {
			slog.Error("manager: startup reconnect failed", "connection_id", c.ID, "platform", c.PlatformKind, "error", err)
		}
	}
	return nil
}

// Connect loads the connection row, decrypts its config, builds the
// platform adapter, and opens it.
func (m *Manager) Connect(ctx context.Context, connectionID string) error {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("manager: get connection %s: %w", connectionID, err)
	}
	if conn == nil {
		return fmt.Errorf("manager: connection %s not found", connectionID)
	}

	cfg, err := m.decryptConfig(conn)
	if err != nil {
		return fmt.Errorf("manager: decrypt connection config: %w", err)
	}

	a, err := adapter.New(string(conn.PlatformKind), cfg, m.onMessage(connectionID, conn.BotID, conn.PlatformKind), m.onStatusChange)
	if err != nil {
		return fmt.Errorf("manager: build adapter for %s: %w", conn.PlatformKind, err)
	}

	state := &connectionState{adapter: a, botID: conn.BotID, platformKind: conn.PlatformKind, status: model.StatusConnecting}
	m.mu.Lock()
	m.connections[connectionID] = state
	m.mu.Unlock()

	if err := a.Connect(ctx); err != nil {
		m.setStatus(connectionID, model.StatusError, err.Error())
		return fmt.Errorf("manager: connect %s: %w", connectionID, err)
	}
	m.setStatus(connectionID, model.StatusConnected, "")
	return nil
}

// Disconnect stops and removes the connection's adapter.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	state, ok := m.connections[connectionID]
	if ok {
		delete(m.connections, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := state.adapter.Disconnect(ctx); err != nil {
		return fmt.Errorf("manager: disconnect %s: %w", connectionID, err)
	}
	m.setStatus(connectionID, model.StatusDisconnected, "")
	return nil
}

// Adapter returns the live adapter for a connection, for the webhook
// ingress subsystem to dispatch ProcessWebhook calls against.
func (m *Manager) Adapter(connectionID string) (adapter.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.connections[connectionID]
	if !ok {
		return nil, false
	}
	return state.adapter, true
}

func (m *Manager) onMessage(connectionID, botID string, platformKind model.PlatformKind) adapter.OnMessageFunc {
	return func(ctx context.Context, _, chatID, text string, metadata map[string]any, attachments []adapter.Attachment) (adapter.Response, error) {
		if err := m.store.TouchConnection(ctx, connectionID); err != nil {
			slog.Warn("manager: touch connection failed", "connection_id", connectionID, "error", err)
		}
		return m.handler.HandleInboundMessage(ctx, botID, connectionID, platformKind, chatID, text, metadata, attachments)
	}
}

func (m *Manager) onStatusChange(connectionID string, status adapter.Status) {
	m.setStatus(connectionID, model.ConnectionStatus(status), "")
}

func (m *Manager) setStatus(connectionID string, status model.ConnectionStatus, errMsg string) {
	m.mu.RLock()
	state, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if ok {
		state.mu.Lock()
		state.status = status
		state.mu.Unlock()
	}
	if err := m.store.UpdateConnectionStatus(context.Background(), connectionID, status, errMsg); err != nil {
		slog.Warn("manager: persist connection status failed", "connection_id", connectionID, "status", status, "error", err)
	}
}

// healthMonitorLoop periodically probes every connected adapter. A single
// slow adapter can't block the loop: each probe runs under its own timeout
// inside the adapter's HealthCheck implementation.
func (m *Manager) healthMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthSweep(ctx)
		}
	}
}

func (m *Manager) runHealthSweep(ctx context.Context) {
	m.mu.RLock()
	snapshot := make(map[string]*connectionState, len(m.connections))
	for id, s := range m.connections {
		snapshot[id] = s
	}
	m.mu.RUnlock()

	for connectionID, state := range snapshot {
		state.mu.Lock()
		status := state.status
		state.mu.Unlock()
		if status != model.StatusConnected {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		result, err := state.adapter.HealthCheck(checkCtx)
		cancel()

		healthy := err == nil && result.Healthy
		state.mu.Lock()
		if healthy {
			state.consecutiveFail = 0
		} else {
			state.consecutiveFail++
		}
		fail := state.consecutiveFail
		state.mu.Unlock()

		if fail >= m.opts.FailureThreshold {
			slog.Warn("manager: health check failures exceeded threshold, reconnecting", "connection_id", connectionID, "failures", fail)
			go m.reconnect(connectionID)
		}
	}
}

func (m *Manager) reconnect(connectionID string) {
	ctx := context.Background()
	if err := m.Disconnect(ctx, connectionID); err != nil {
		slog.Warn("manager: reconnect disconnect step failed", "connection_id", connectionID, "error", err)
	}
	if err := m.Connect(ctx, connectionID); err != nil {
		slog.Error("manager: reconnect failed", "connection_id", connectionID, "error", err)
	}
}

// decryptConfig unwraps the connection's envelope-encrypted config blob
// (a JSON object of adapter.Config) using the connection's bot ID as the
// envelope's authenticated-data context, the same binding
// internal/credential uses for bot-scoped entries.
func (m *Manager) decryptConfig(conn *model.Connection) (adapter.Config, error) {
	plaintext, err := crypto.DecryptValue(m.currentMasterKey(), conn.BotID, &crypto.EncodedEnvelope{
		Ciphertext: conn.ConfigEncrypted.Ciphertext,
		Nonce:      conn.ConfigEncrypted.Nonce,
		Salt:       conn.ConfigEncrypted.Salt,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt connection config: %w", err)
	}

	var cfg adapter.Config
	if err := json.Unmarshal([]byte(plaintext), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal connection config: %w", err)
	}
	return cfg, nil
}
