// Package realtime pushes generation events to connected browsers.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"creativeflow/internal/generation"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is one WebSocket connection owned by a user.
type Client struct {
	UserID string
	Conn   *websocket.Conn
}

// DefaultWriteTimeout bounds a single websocket write so one stalled client
// cannot hold up delivery to everyone else.
const DefaultWriteTimeout = 2 * time.Second

type userMessage struct {
	userID string
	data   []byte
}

// Hub manages WebSocket clients and delivers each user's events to that
// user's connections only. It implements generation.NotificationDispatcher.
type Hub struct {
	connections map[string]map[*websocket.Conn]struct{}
	Register    chan Client
	Unregister  chan Client
	send        chan userMessage
	done        chan struct{}
	stop        sync.Once
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	log         zerolog.Logger

	// WriteTimeout is the deadline for each write. Set it before Run.
	WriteTimeout time.Duration
}

// NewHub constructs a Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]map[*websocket.Conn]struct{}),
		Register:    make(chan Client),
		Unregister:  make(chan Client),
		send:        make(chan userMessage, 64),
		done:        make(chan struct{}),
		log:         log,

		WriteTimeout: DefaultWriteTimeout,
	}
}

// Run processes register/unregister/send events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.stop.Do(func() { close(h.done) })
			h.closeAll()
			return nil
		case c := <-h.Register:
			h.mu.Lock()
			if h.connections[c.UserID] == nil {
				h.connections[c.UserID] = make(map[*websocket.Conn]struct{})
			}
			h.connections[c.UserID][c.Conn] = struct{}{}
			h.mu.Unlock()
		case c := <-h.Unregister:
			h.mu.Lock()
			h.drop(c.UserID, c.Conn)
			h.mu.Unlock()
		case msg := <-h.send:
			h.mu.Lock()
			for conn := range h.connections[msg.userID] {
				_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.log.Debug().Err(err).Str("user_id", msg.userID).Msg("dropping websocket client")
					h.drop(msg.userID, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop closes conn; callers hold h.mu.
func (h *Hub) drop(userID string, conn *websocket.Conn) {
	conns := h.connections[userID]
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.connections, userID)
	}
	_ = conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.connections {
		for conn := range conns {
			h.drop(userID, conn)
		}
	}
}

// Connected returns the number of open connections for a user.
func (h *Hub) Connected(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections[userID])
}

// Notify queues the event for the user's connections.
func (h *Hub) Notify(ctx context.Context, userID string, event generation.GenerationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case h.send <- userMessage{userID: userID, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and registers the connection for the user
// named by the user_id query parameter. Authentication happens upstream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := Client{UserID: userID, Conn: conn}
	select {
	case h.Register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Reads only detect the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.Unregister <- client:
				case <-h.done:
				}
				return
			}
		}
	}()
}
