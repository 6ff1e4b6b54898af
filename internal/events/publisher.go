// Package events fans call lifecycle transitions out to an MQTT broker for
// integrations that do not hold a websocket.
package events

import "context"

// Publisher sends one payload to one topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Nop discards everything. It stands in when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close() error                                  { return nil }
