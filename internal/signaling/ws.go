package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"call-coordinator/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Upgrader accepts websocket connections. CheckOrigin is left to the caller.
func Upgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// WSClient is a Client over a gorilla websocket connection. Writes are
// serialized; gorilla allows one concurrent writer.
type WSClient struct {
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func NewWSClient(userID string, conn *websocket.Conn) *WSClient {
	return &WSClient{userID: userID, conn: conn}
}

func (c *WSClient) UserID() string { return c.userID }

func (c *WSClient) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrOffline
	}
	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(env)
}

func (c *WSClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrOffline
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Serve runs one user's connection until it closes: it registers the channel,
// feeds inbound envelopes to the relay and keeps the connection alive.
func (r *Relay) Serve(ctx context.Context, userID string, conn *websocket.Conn) {
	ctx = logger.WithAttrs(ctx, "user_id", userID)
	log := logger.From(ctx)

	client := NewWSClient(userID, conn)
	r.hub.Register(ctx, client)

	done := make(chan struct{})
	defer func() {
		close(done)
		if r.hub.Unregister(ctx, client) {
			r.Disconnected(ctx, userID)
		}
		_ = client.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("websocket closed unexpectedly", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			r.emit(ctx, userID, EventError, errorPayload{Message: ErrMalformedEvent.Error()})
			continue
		}
		if err := r.Handle(ctx, userID, env); err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				log.Debug("malformed event", "event", env.Event, "err", err)
				continue
			}
			log.Error("event handling failed", "event", env.Event, "err", err)
		}
	}
}
