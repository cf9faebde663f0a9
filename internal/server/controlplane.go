// Package server implements the HTTP control plane: the bot-environment
// credential CRUD + resolved-environment view routes spec.md §6 names as
// in-scope, and the platform webhook ingress route
// (/webhooks/{platform}/{connection_id}). Everything else spec.md's
// control-plane surface describes (frontend SPA, JWT issuance, chat
// history UI) is explicitly out of scope and is not implemented here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/ada"

	"github.com/jhd3197/cachibot/internal/adapter"
	"github.com/jhd3197/cachibot/internal/credential"
	"github.com/jhd3197/cachibot/internal/crypto"
	"github.com/jhd3197/cachibot/internal/redact"
	"github.com/jhd3197/cachibot/internal/resolver"
	"github.com/jhd3197/cachibot/internal/webhookingress"
)

// KeyRotator broadcasts a rotated master key to every other instance
// sharing this store, e.g. internal/cluster.Cluster. Nil when clustering is
// not configured: rotation then only affects this process.
type KeyRotator interface {
	Lock(ctx context.Context) error
	Unlock() error
	BroadcastNewKey(ctx context.Context, newKey []byte) error
}

// ControlPlane is the bot-environment CRUD + webhook-ingress HTTP surface.
type ControlPlane struct {
	mux *ada.Server

	credentials *credential.Store
	resolver    *resolver.Resolver
	ingress     *webhookingress.Ingress
	chatWS      ChatSubscriptionHandler

	adminToken   string
	userHeader   string
	cluster      KeyRotator
	keyFilePath  string
	onKeyRotated func(newKey []byte) // e.g. manager.Manager.SetMasterKey
}

// Options carries the control plane's optional admin-surface configuration:
// bearer-token gating, the forwarded-auth user header name, and the
// master-key rotation wiring (distributed lock/broadcast plus the local
// callback to update any in-process consumer of the key, such as the
// Platform Adapter Manager).
type Options struct {
	AdminToken   string
	UserHeader   string
	Cluster      KeyRotator
	KeyFilePath  string
	OnKeyRotated func(newKey []byte)
}

// ChatSubscriptionHandler upgrades an inbound request to a live chat
// WebSocket subscription. Satisfied by internal/wsbroadcast.Hub.
type ChatSubscriptionHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request, chatID string)
}

// NewControlPlane builds the control-plane HTTP server and registers its
// routes. Named distinctly from the teacher's gateway Server's New (kept
// alongside, unwired, pending the final adaptation pass) to avoid a
// same-package symbol collision.
func NewControlPlane(basePath string, credentials *credential.Store, res *resolver.Resolver, ingress *webhookingress.Ingress, chatWS ChatSubscriptionHandler, opts Options) *ControlPlane {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mcors.Middleware(),
	)

	userHeader := opts.UserHeader
	if userHeader == "" {
		userHeader = "X-User"
	}

	cp := &ControlPlane{
		mux:          mux,
		credentials:  credentials,
		resolver:     res,
		ingress:      ingress,
		chatWS:       chatWS,
		adminToken:   opts.AdminToken,
		userHeader:   userHeader,
		cluster:      opts.Cluster,
		keyFilePath:  opts.KeyFilePath,
		onKeyRotated: opts.OnKeyRotated,
	}

	base := mux.Group(basePath)

	botGroup := base.Group("/bots")
	botGroup.Use(cp.adminAuthMiddleware())
	botGroup.GET("/{bot_id}/environment", cp.listBotEnvironment)
	botGroup.PUT("/{bot_id}/environment/{key}", cp.upsertBotEnvironment)
	botGroup.DELETE("/{bot_id}/environment/{key}", cp.deleteBotEnvironment)
	botGroup.GET("/{bot_id}/environment/resolved", cp.resolvedEnvironment)

	adminGroup := base.Group("/admin")
	adminGroup.Use(cp.adminAuthMiddleware())
	adminGroup.POST("/rotate-key", cp.rotateKey)

	base.GET("/chats/{chat_id}/ws", cp.chatSubscribe)

	webhookGroup := base.Group("/webhooks")
	webhookGroup.POST("/{platform}/{connection_id}", cp.handleWebhook)
	webhookGroup.GET("/{platform}/{connection_id}", cp.handleWebhookVerification)

	return cp
}

// adminAuthMiddleware protects the credential and admin routes. If no
// AdminToken is configured, every request is rejected with 403 — these
// routes touch plaintext credentials or master-key rotation and must not be
// silently open. If configured, requests must carry a matching
// "Authorization: Bearer <token>" header.
func (cp *ControlPlane) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cp.adminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != cp.adminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Start runs the control plane's HTTP listener until ctx is cancelled.
func (cp *ControlPlane) Start(ctx context.Context, addr string) error {
	return cp.mux.StartWithContext(ctx, addr)
}

// requestUserID reads the authenticated operator identity. Real auth
// (JWT issuance, session cookies) is out of scope per spec.md §1; this
// reads the header the teacher's ForwardAuth middleware populates,
// defaulting to "system" for unauthenticated calls in local/dev deployments.
func (cp *ControlPlane) requestUserID(r *http.Request) string {
	if u := r.Header.Get(cp.userHeader); u != "" {
		return u
	}
	return "system"
}

type rotateKeyResponse struct {
	Status string `json:"status"`
}

// rotateKey handles POST {basePath}/admin/rotate-key: generates a fresh
// master key, re-encrypts every credential row under it, persists it to
// keyFilePath so a restart picks up the same key, and — when clustering is
// configured — holds a distributed lock for the sweep and then broadcasts
// the new key to every peer so they swap over without re-running the sweep
// themselves.
func (cp *ControlPlane) rotateKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := crypto.GenerateMasterKey()
	if err != nil {
		httpResponse(w, fmt.Sprintf("generate new master key: %v", err), http.StatusInternalServerError)
		return
	}

	if cp.cluster != nil {
		if err := cp.cluster.Lock(r.Context()); err != nil {
			slog.Error("controlplane: failed to acquire distributed lock for key rotation", "error", err)
			httpResponse(w, fmt.Sprintf("failed to acquire distributed lock: %v", err), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			if err := cp.cluster.Unlock(); err != nil {
				slog.Error("controlplane: failed to release distributed lock", "error", err)
			}
		}()
	}

	if err := cp.credentials.RotateMasterKey(r.Context(), newKey); err != nil {
		slog.Error("controlplane: master key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("key rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	if cp.keyFilePath != "" {
		if err := crypto.PersistMasterKey(cp.keyFilePath, newKey); err != nil {
			slog.Error("controlplane: master key rotated but persisting the new key file failed; a restart would revert to the old key", "error", err)
		}
	}

	if cp.onKeyRotated != nil {
		cp.onKeyRotated(newKey)
	}

	if cp.cluster != nil {
		if err := cp.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			slog.Error("controlplane: key rotation succeeded but peer broadcast failed — other instances may need a restart", "error", err)
		}
	}

	httpResponseJSON(w, rotateKeyResponse{Status: "rotated"}, http.StatusOK)
}

func (cp *ControlPlane) listBotEnvironment(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	entries, err := cp.credentials.List(r.Context(), credential.BotScope(botID))
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, entries, http.StatusOK)
}

func (cp *ControlPlane) upsertBotEnvironment(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	key := r.PathValue("key")

	var body struct {
		Value string `json:"value"`
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpResponse(w, "read request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(data, &body); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := cp.credentials.Upsert(r.Context(), credential.BotScope(botID), key, body.Value, cp.requestUserID(r)); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "ok", http.StatusOK)
}

func (cp *ControlPlane) deleteBotEnvironment(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	key := r.PathValue("key")
	if err := cp.credentials.Delete(r.Context(), credential.BotScope(botID), key, cp.requestUserID(r)); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "ok", http.StatusOK)
}

// resolvedView is the masked wire shape for GET .../environment/resolved —
// spec.md requires "masked values only" even though the resolver's
// in-process ResolvedEnvironment carries plaintext provider keys for the
// agent run itself.
type resolvedView struct {
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	MaxIterations int               `json:"max_iterations"`
	UtilityModel  string            `json:"utility_model,omitempty"`
	ProviderKeys  map[string]string `json:"provider_keys"` // masked previews, never plaintext
	Sources       map[string]string `json:"sources"`
}

func (cp *ControlPlane) resolvedEnvironment(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	platform := r.URL.Query().Get("platform")

	resolved, err := cp.resolver.Resolve(r.Context(), botID, platform, nil)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view := resolvedView{
		Model:         resolved.Model,
		Temperature:   resolved.Temperature,
		MaxTokens:     resolved.MaxTokens,
		MaxIterations: resolved.MaxIterations,
		UtilityModel:  resolved.UtilityModel,
		ProviderKeys:  make(map[string]string, len(resolved.ProviderKeys)),
		Sources:       resolved.Sources,
	}
	for provider, key := range resolved.ProviderKeys {
		view.ProviderKeys[provider] = redact.Mask(key)
	}
	httpResponseJSON(w, view, http.StatusOK)
}

func (cp *ControlPlane) chatSubscribe(w http.ResponseWriter, r *http.Request) {
	if cp.chatWS == nil {
		httpResponse(w, "chat subscriptions not configured", http.StatusNotImplemented)
		return
	}
	cp.chatWS.ServeWS(w, r, r.PathValue("chat_id"))
}

const maxWebhookBodyBytes = 4 << 20 // 4MB, well above any platform's webhook payload

func (cp *ControlPlane) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	connectionID := r.PathValue("connection_id")

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httpResponse(w, "read webhook body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := cp.ingress.HandleWebhook(ctx, platform, connectionID, body, r.Header); err != nil {
		switch {
		case errors.Is(err, adapter.ErrInvalidSignature):
			httpResponse(w, "invalid signature", http.StatusForbidden)
		case errors.Is(err, webhookingress.ErrUnknownConnection):
			httpResponse(w, "unknown connection", http.StatusNotFound)
		case errors.Is(err, webhookingress.ErrNotWebhookAdapter):
			httpResponse(w, "connection does not accept webhooks", http.StatusBadRequest)
		default:
			slog.Error("controlplane: webhook handling failed", "platform", platform, "connection_id", connectionID, "error", err)
			httpResponse(w, "webhook processing failed", http.StatusInternalServerError)
		}
		return
	}
	httpResponse(w, "ok", http.StatusOK)
}

// handleWebhookVerification answers a platform's subscription handshake
// (currently only Meta/WhatsApp's GET ?hub.mode=subscribe).
func (cp *ControlPlane) handleWebhookVerification(w http.ResponseWriter, r *http.Request) {
	connectionID := r.PathValue("connection_id")
	q := r.URL.Query()

	echo, verified, err := cp.ingress.HandleVerification(connectionID, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		httpResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	if !verified {
		httpResponse(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(echo))
}
