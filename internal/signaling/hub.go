package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"call-coordinator/pkg/logger"
)

// Envelope is the frame exchanged in both directions on a connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one connected user's channel. Send must be safe for concurrent
// use.
type Client interface {
	UserID() string
	Send(ctx context.Context, env Envelope) error
	Close() error
}

var ErrOffline = errors.New("signaling: user not connected")

// Hub is the process-local registry of connected users. A user has at most
// one channel; a new connection replaces the previous one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewHub() *Hub {
	return &Hub{clients: map[string]Client{}}
}

// Register binds c to its user, closing any channel it replaces.
func (h *Hub) Register(ctx context.Context, c Client) {
	h.mu.Lock()
	prev := h.clients[c.UserID()]
	h.clients[c.UserID()] = c
	h.mu.Unlock()

	if prev != nil && prev != c {
		_ = prev.Close()
		logger.From(ctx).Info("client replaced", "user_id", c.UserID())
		return
	}
	logger.From(ctx).Info("client registered", "user_id", c.UserID())
}

// Unregister removes c if it is still the user's current channel and
// reports whether it was.
func (h *Hub) Unregister(ctx context.Context, c Client) bool {
	h.mu.Lock()
	cur, ok := h.clients[c.UserID()]
	current := ok && cur == c
	if current {
		delete(h.clients, c.UserID())
	}
	h.mu.Unlock()
	if current {
		logger.From(ctx).Info("client unregistered", "user_id", c.UserID())
	}
	return current
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Emit sends event with payload to userID. It returns ErrOffline when the
// user has no channel here.
func (h *Hub) Emit(ctx context.Context, userID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrOffline
	}

	env := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = b
	}
	return c.Send(ctx, env)
}

// CloseAll closes every channel. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[string]Client{}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
}
