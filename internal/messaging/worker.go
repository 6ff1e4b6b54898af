package messaging

import (
	"context"

	"call-coordinator/pkg/logger"
)

// PersistWorker drains the persist queue into the Store.
type PersistWorker struct {
	queue Queue
	store Store
}

func NewPersistWorker(queue Queue, store Store) *PersistWorker {
	return &PersistWorker{queue: queue, store: store}
}

// Run blocks until ctx is cancelled or the queue closes.
func (w *PersistWorker) Run(ctx context.Context) error {
	logger.From(ctx).Info("persist worker started")
	defer logger.From(ctx).Info("persist worker stopped")
	return w.queue.Consume(ctx, func(ctx context.Context, msg Message) error {
		if err := w.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
		logger.From(ctx).Debug("message persisted", "message_id", msg.ID, "conversation_id", msg.ConversationID)
		return nil
	})
}
