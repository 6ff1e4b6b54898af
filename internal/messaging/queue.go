package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-coordinator/pkg/logger"

	"github.com/nats-io/nats.go"
)

// Queue is the durable hand-off between the timeline cache and long-term
// storage. A handler error leaves the message for redelivery.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Consume(ctx context.Context, handle func(ctx context.Context, msg Message) error) error
}

// JetStreamConfig names the stream and consumer backing the persist queue.
type JetStreamConfig struct {
	Stream  string
	Subject string
	Durable string
	AckWait time.Duration
	// Batch is the number of messages fetched per pull.
	Batch int
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	out := c
	if out.Stream == "" {
		out.Stream = "MESSAGES"
	}
	if out.Subject == "" {
		out.Subject = "messages.persist"
	}
	if out.Durable == "" {
		out.Durable = "message-persist"
	}
	if out.AckWait <= 0 {
		out.AckWait = 30 * time.Second
	}
	if out.Batch <= 0 {
		out.Batch = 16
	}
	return out
}

// JetStreamQueue is a Queue on a NATS JetStream work stream with a durable
// pull consumer shared by every replica.
type JetStreamQueue struct {
	js  nats.JetStreamContext
	cfg JetStreamConfig
}

// ConnectNATS dials the server, logging connection state changes through
// the context logger.
func ConnectNATS(ctx context.Context, url, name string) (*nats.Conn, error) {
	log := logger.From(ctx)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NewJetStreamQueue ensures the stream exists and returns the queue.
func NewJetStreamQueue(nc *nats.Conn, cfg JetStreamConfig) (*JetStreamQueue, error) {
	cfg = cfg.withDefaults()
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}
	return &JetStreamQueue{js: js, cfg: cfg}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// MsgId lets JetStream drop duplicates of the same message.
	_, err = q.js.Publish(q.cfg.Subject, b, nats.Context(ctx), nats.MsgId(msg.ID))
	return err
}

// Consume pulls until ctx is cancelled. Undecodable messages are terminated
// so they are not redelivered forever.
func (q *JetStreamQueue) Consume(ctx context.Context, handle func(ctx context.Context, msg Message) error) error {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable,
		nats.BindStream(q.cfg.Stream),
		nats.ManualAck(),
		nats.AckWait(q.cfg.AckWait),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	log := logger.From(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(q.cfg.Batch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return ErrQueueClosed
			}
			log.Warn("persist queue fetch failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			var msg Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				log.Error("persist queue message undecodable", "err", err)
				_ = m.Term()
				continue
			}
			if err := handle(ctx, msg); err != nil {
				log.Warn("persist failed, will redeliver", "message_id", msg.ID, "err", err)
				_ = m.Nak()
				continue
			}
			if err := m.Ack(); err != nil {
				log.Warn("persist ack failed", "message_id", msg.ID, "err", err)
			}
		}
	}
}
