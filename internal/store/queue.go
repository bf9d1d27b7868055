package store

import (
	"context"
	"time"
)

// Queue defines the interface for task queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type Queue interface {
	// Enqueue adds a task. With a non-nil tx the task becomes visible when tx commits.
	Enqueue(ctx context.Context, tx DBTransaction, task Task, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' available tasks on the given queues atomically.
	// Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, queues []string, limit int) ([]QueueItem, error)

	// Complete removes a finished task.
	Complete(ctx context.Context, tx DBTransaction, id int64) error

	// Fail schedules a retry with backoff, or moves the task to the DLQ once
	// retries are exhausted.
	Fail(ctx context.Context, tx DBTransaction, id int64, errMsg string) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, tx DBTransaction, id int64, visibleAfter time.Time) error

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)

	// ListDLQ returns dead-lettered tasks, newest first.
	ListDLQ(ctx context.Context, limit, offset int) ([]DLQEntry, error)

	// RetryFromDLQ moves a dead-lettered task back to the queue with a fresh attempt count.
	RetryFromDLQ(ctx context.Context, dlqID int64) (int64, error)
}
