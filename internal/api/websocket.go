package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Event is pushed to every stream subscriber when a session finishes a stage
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
	Data      any    `json:"data,omitempty"`
}

const (
	StageBuild  = "build"
	StageDetect = "detect"
	StageExpand = "expand"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active websocket clients and broadcasts messages.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	logger    *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		logger:    logger,
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("[Stream] write failed, dropping client", "err", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe handles incoming websocket connections
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("[Stream] upgrade failed", "err", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	h.logger.Debug("[Stream] client connected", "clients", total)

	// read until the peer goes away so disconnects are noticed
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
			h.logger.Debug("[Stream] client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Warn("[Stream] read error", "err", err)
				}
				return
			}
		}
	}()
}

// Publish queues an event for all clients. A full queue drops the event.
func (h *Hub) Publish(ev Event) {
	if ev.Type == "" {
		ev.Type = "stage"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("[Stream] encode event", "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("[Stream] queue full, event dropped", "session", ev.SessionID, "stage", ev.Stage)
	}
}
