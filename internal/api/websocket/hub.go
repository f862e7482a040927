package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"go.uber.org/zap"
)

// StatusProvider returns the current status of every press
type StatusProvider interface {
	PressStatuses() []press.PressStatus
}

// TokenValidator checks the token of the first client message
type TokenValidator interface {
	ValidateToken(token string) (*auth.OperatorClaims, error)
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu sync.RWMutex

	logger *zap.Logger

	tokens TokenValidator

	status StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, tokens TokenValidator, status StatusProvider) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		tokens:     tokens,
		status:     status,
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// PressStateChanged is a press.StateListener.
func (h *Hub) PressStateChanged(pressID int, state, previous press.State) {
	h.Broadcast(NewPressStateMessage(pressID, string(state), string(previous)))
}

// StatusMessage builds a press_status message from the provider.
func (h *Hub) StatusMessage() Message {
	var statuses []press.PressStatus
	if h.status != nil {
		statuses = h.status.PressStatuses()
	}
	return NewMessage(MessageTypePressStatus, statuses)
}

// PublishStatus pushes press_status every interval until ctx is done.
func (h *Hub) PublishStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.GetClientCount() > 0 {
				h.Broadcast(h.StatusMessage())
			}
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
