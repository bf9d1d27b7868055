package dispatch

import (
	"context"
	"fmt"
	"time"

	"askanna/internal/store"
)

// QueuePublisher publishes to the Postgres task queue. Tasks published with a
// transaction are inserted inside it, so they exist only if it commits.
type QueuePublisher struct {
	queue store.Queue
}

// NewQueuePublisher creates a QueuePublisher.
func NewQueuePublisher(q store.Queue) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

func (p *QueuePublisher) Publish(ctx context.Context, name string, kwargs any) error {
	return p.enqueue(ctx, nil, name, kwargs)
}

func (p *QueuePublisher) PublishOnCommit(ctx context.Context, tx store.Tx, name string, kwargs any) error {
	return p.enqueue(ctx, tx, name, kwargs)
}

func (p *QueuePublisher) enqueue(ctx context.Context, tx store.DBTransaction, name string, kwargs any) error {
	payload, err := Encode(ctx, kwargs)
	if err != nil {
		return err
	}
	task := store.Task{Name: name, Queue: QueueFor(name), Kwargs: payload}
	if _, err := p.queue.Enqueue(ctx, tx, task, time.Time{}); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
