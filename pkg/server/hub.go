package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/live"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// LiveUpdate is pushed to websocket clients after every live swap
type LiveUpdate struct {
	Type       string        `json:"type"`
	Generation int64         `json:"generation"`
	BuiltAt    time.Time     `json:"built_at"`
	Window     bucket.Window `json:"window"`
	Rows       []live.Row    `json:"rows"`
}

// NewLiveUpdate summarizes gen for clients
func NewLiveUpdate(gen *live.Generation) LiveUpdate {
	return LiveUpdate{
		Type:       "live",
		Generation: gen.ID,
		BuiltAt:    gen.BuiltAt,
		Window:     gen.Window,
		Rows:       gen.Rows,
	}
}

// LiveHub fans live generations out to websocket clients
type LiveHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{} // closed when Run returns
	log        *slog.Logger

	mu sync.RWMutex
}

// NewLiveHub creates a hub; call Run to start it
func NewLiveHub(log *slog.Logger) *LiveHub {
	return &LiveHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        log.With(slog.String("component", "ws")),
	}
}

// Run is the hub's main loop. All client connections are closed when ctx ends.
func (h *LiveHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", slog.Int("clients", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", slog.Int("clients", count))
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Warn("write failed", slog.Any("error", err))
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues data for every client. Messages are dropped when the
// queue is full.
func (h *LiveHub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("broadcast queue full, dropping message")
	}
	return nil
}

// PublishGeneration is a live.Refresher swap callback
func (h *LiveHub) PublishGeneration(gen *live.Generation) {
	if !h.HasClients() {
		return
	}
	if err := h.Broadcast(NewLiveUpdate(gen)); err != nil {
		h.log.Warn("failed to encode live update", slog.Any("error", err))
	}
}

// HasClients reports whether any client is connected
func (h *LiveHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket serves GET /v1/ws. The current generation is sent as
// soon as the client connects.
func (h *LiveHub) HandleWebSocket(cache *live.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("upgrade failed", slog.Any("error", err))
			return
		}

		if gen := cache.Current(); gen != nil {
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteJSON(NewLiveUpdate(gen)); err != nil {
				conn.Close()
				return
			}
		}
		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer func() {
			cancel()
			select {
			case h.unregister <- conn:
			case <-h.done:
				conn.Close()
			}
		}()

		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					// WriteControl may run alongside the hub's writes
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
						return
					}
				}
			}
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Reads only drive control frames and detect close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warn("connection error", slog.Any("error", err))
				}
				return
			}
		}
	}
}
