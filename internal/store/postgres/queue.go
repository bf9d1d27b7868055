package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"askanna/internal/store"

	"github.com/lib/pq"
)

// Default retry policy
const (
	MaxRetries        = 5
	VisibilityTimeout = 5 * time.Minute
)

// RetryBackoff is the delay before attempt n is retried (10s * 2^n).
func RetryBackoff(attempt int) time.Duration {
	return time.Duration(10*(1<<attempt)) * time.Second
}

// Enqueue adds a task to the task_queue. Inside a transaction the row only
// becomes visible to workers once the transaction commits.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, task store.Task, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}
	if task.Queue == "" {
		task.Queue = "default"
	}
	if len(task.Kwargs) == 0 {
		task.Kwargs = []byte("{}")
	}

	query := `
		INSERT INTO task_queue (name, queue, kwargs, visible_after)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	var id int64
	err := s.getExecutor(tx).QueryRowContext(ctx, query, task.Name, task.Queue, []byte(task.Kwargs), visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue task %s: %w", task.Name, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available tasks atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil slice if no tasks are available.
func (s *Store) DequeueBatch(ctx context.Context, queues []string, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	args := []interface{}{limit}
	whereClause := "WHERE visible_after <= NOW()"

	if len(queues) > 0 {
		whereClause += " AND queue = ANY($2)"
		args = append(args, pq.Array(queues))
	}

	selectQuery := fmt.Sprintf(`
		SELECT id, name, queue, kwargs, attempt
		FROM task_queue
		%s
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, whereClause)

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var ids []int64

	for rows.Next() {
		var item store.QueueItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Queue, &item.Kwargs, &item.Attempt); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		item.Attempt++
		items = append(items, item)
		ids = append(ids, item.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	// Hide claimed tasks for the visibility timeout and count the attempt
	_, err = tx.ExecContext(ctx, `
		UPDATE task_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempt = attempt + 1
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Complete removes a finished task.
func (s *Store) Complete(ctx context.Context, tx store.DBTransaction, id int64) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM task_queue WHERE id = $1", id)
	return err
}

// Fail handles a failed task with retries.
func (s *Store) Fail(ctx context.Context, tx store.DBTransaction, id int64, errMsg string) error {
	executor := s.getExecutor(tx)

	var attempt int
	err := executor.QueryRowContext(ctx, "SELECT attempt FROM task_queue WHERE id = $1", id).Scan(&attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already gone
			return nil
		}
		return err
	}

	if attempt <= s.retryCeiling() {
		_, err = executor.ExecContext(ctx, `
			UPDATE task_queue
			SET visible_after = NOW() + ($1 * INTERVAL '1 second')
			WHERE id = $2
		`, RetryBackoff(attempt).Seconds(), id)
		return err
	}

	// permanent failure
	_, err = executor.ExecContext(ctx, `
		INSERT INTO task_dlq (task_id, name, queue, kwargs, attempts, error_message)
		SELECT id, name, queue, kwargs, attempt, $2 FROM task_queue WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to dead-letter task %d: %w", id, err)
	}

	_, err = executor.ExecContext(ctx, "DELETE FROM task_queue WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete failed task from queue: %w", err)
	}
	return nil
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, id int64, visibleAfter time.Time) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, `
		UPDATE task_queue
		SET visible_after = $1
		WHERE id = $2
	`, visibleAfter, id)
	return err
}

// Count returns the number of queued tasks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_queue").Scan(&count)
	return count, err
}

// ListDLQ returns dead-lettered tasks, newest first.
func (s *Store) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, queue, kwargs, attempts, error_message, failed_at
		FROM task_dlq
		ORDER BY failed_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.DLQEntry
	for rows.Next() {
		var e store.DLQEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Name, &e.Queue, &e.Kwargs, &e.Attempts, &e.ErrorMessage, &e.FailedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RetryFromDLQ requeues a dead-lettered task and removes it from the DLQ.
func (s *Store) RetryFromDLQ(ctx context.Context, dlqID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var task store.Task
	err = tx.QueryRowContext(ctx, "SELECT name, queue, kwargs FROM task_dlq WHERE id = $1 FOR UPDATE", dlqID).
		Scan(&task.Name, &task.Queue, &task.Kwargs)
	if err != nil {
		return 0, notFound(err)
	}

	id, err := s.Enqueue(ctx, tx, task, time.Now())
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_dlq WHERE id = $1", dlqID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}
