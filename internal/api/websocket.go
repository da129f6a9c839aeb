package api

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
)

// getWebSocketUpgrader returns an upgrader with origin validation
// based on the COURSELIB_CORS_ORIGIN environment variable
func getWebSocketUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv("COURSELIB_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			// No CORS origins configured: only allow same-origin
			if corsOrigins == "" {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // No origin header = same-origin request
				}
				return strings.Contains(origin, r.Host)
			}
			return allowedOrigins[r.Header.Get("Origin")]
		},
	}
}

var upgrader = getWebSocketUpgrader()

// WebSocketHub pushes scan events and log lines to connected clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	bus        eventbus.Publisher
}

func NewWebSocketHub(bus eventbus.Publisher) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan interface{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		bus:        bus,
	}

	types := []domain.EventType{
		domain.ScanStarted,
		domain.ScanProgress,
		domain.ScanCompleted,
		domain.ScanFailed,
		domain.FileSkipped,
		domain.CourseReconciled,
		domain.OrphansRemoved,
		domain.RootPathChanged,
		domain.LockForceFreed,
		domain.TaskTimedOut,
	}

	for _, t := range types {
		bus.Subscribe(t, func(e domain.Event) {
			h.broadcast <- map[string]interface{}{
				"type": "event",
				"data": e,
			}
		})
	}

	// Subscribe to logs
	logCh := logger.Subscribe()
	go func() {
		for entry := range logCh {
			h.broadcast <- map[string]interface{}{
				"type": "log",
				"data": entry,
			}
		}
	}()

	go h.run()
	return h
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				err := client.WriteJSON(message)
				if err != nil {
					logger.Errorf("WebSocket error: %v", err)
					if closeErr := client.Close(); closeErr != nil {
						logger.Debugf("WebSocket close error during broadcast: %v", closeErr)
					}
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	h.register <- ws

	h.mu.Lock()
	if err := ws.WriteJSON(gin.H{"type": "ping", "timestamp": time.Now()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			h.mu.Lock()
			_, exists := h.clients[ws]
			if !exists {
				h.mu.Unlock()
				return
			}
			// Write ping while holding the mutex to prevent concurrent
			// writes with broadcast
			err := ws.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				logger.Errorf("WebSocket ping error: %v", err)
				h.unregister <- ws
				return
			}
		}
	}()

	defer func() {
		h.unregister <- ws
		logger.Debugf("WebSocket client handler exited")
	}()

	// The read loop keeps the connection open; the pong handler refreshes
	// the deadline.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
