// Package broadcast fans processed frames out to websocket viewers.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/andresmejia3/visiontrainer/internal/types"
	"github.com/gorilla/websocket"
)

// FrameMessage is the JSON pushed to viewers for every processed frame.
type FrameMessage struct {
	Index  int                `json:"index"`
	Class  string             `json:"class"`
	Known  int                `json:"known"`
	Labels []types.FrameLabel `json:"labels"`
}

// Hub keeps the set of connected viewers. Run must be running for
// Register, Unregister and Broadcast to make progress.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Run serves hub events until ctx is done, then disconnects every viewer.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mutex.Lock()
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.mutex.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer connected. Total: %d", n)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Viewer disconnected. Total: %d", n)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Error("Error sending message: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) Register(client *websocket.Conn) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues message for every viewer. When viewers fall behind the
// message is dropped rather than stalling the caller.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		return false
	}
}

// PublishFrame encodes and broadcasts one processed frame.
func (h *Hub) PublishFrame(msg FrameMessage) error {
	if msg.Labels == nil {
		msg.Labels = []types.FrameLabel{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !h.Broadcast(data) {
		h.logger.Warning("Viewers are behind, dropped frame %d", msg.Index)
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
