// Package wsbroadcast fans a persisted Message out to every live control-
// plane WebSocket subscriber of its chat (spec.md §4.6 steps 6 and 13: the
// user message and the assistant reply are both broadcast immediately
// after being persisted, so an open chat view updates in real time).
//
// Grounded on the teacher pack's WebSocket chat-server pattern (gorilla
// /websocket upgrade, per-connection write goroutine, origin checking)
// rather than invented from scratch.
package wsbroadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jhd3197/cachibot/internal/model"
)

var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	allowAll := allowed["*"]
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// envelope is the wire shape pushed to every subscriber of a chat.
type envelope struct {
	ChatID  string        `json:"chat_id"`
	Message model.Message `json:"message"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan envelope
}

// Hub tracks live chat subscribers and satisfies internal/pipeline
// .Broadcaster. A chat with no open subscribers drops a broadcast
// silently: the message is already durable in the store.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{} // chatID -> subscriber set
}

// NewHub builds a Hub. allowedOrigins follows the same convention as the
// chat-server pattern it's grounded on: empty uses the local-dev defaults,
// []string{"*"} allows any origin.
func NewHub(allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: newUpgrader(allowedOrigins),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// ServeWS upgrades r into a WebSocket subscription to chatID's message
// stream. The handler blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, chatID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsbroadcast: upgrade failed", "chat_id", chatID, "error", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan envelope, 16)}
	h.add(chatID, sub)
	defer h.remove(chatID, sub)

	go sub.writeLoop()
	sub.readLoop() // blocks until the client disconnects or sends garbage
}

func (h *Hub) add(chatID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[chatID] == nil {
		h.subs[chatID] = make(map[*subscriber]struct{})
	}
	h.subs[chatID][sub] = struct{}{}
}

func (h *Hub) remove(chatID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[chatID], sub)
	if len(h.subs[chatID]) == 0 {
		delete(h.subs, chatID)
	}
	close(sub.send)
	sub.conn.Close()
}

// BroadcastMessage pushes msg to every live subscriber of chatID.
func (h *Hub) BroadcastMessage(chatID string, msg model.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	env := envelope{ChatID: chatID, Message: msg}
	for sub := range h.subs[chatID] {
		select {
		case sub.send <- env:
		default:
			slog.Warn("wsbroadcast: subscriber send buffer full, dropping message", "chat_id", chatID)
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound client frames; this hub is push-only, but a
// read loop is still required to surface disconnects and respond to
// control frames (pings/pongs/close) per gorilla/websocket's contract.
func (s *subscriber) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
