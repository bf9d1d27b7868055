package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askanna/internal/apperr"
	"askanna/internal/store"
)

type mockQueue struct {
	store.Queue

	mu      sync.Mutex
	tasks   []store.Task
	txs     []store.DBTransaction
	failErr error
}

func (m *mockQueue) Enqueue(ctx context.Context, tx store.DBTransaction, task store.Task, visibleAfter time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.tasks = append(m.tasks, task)
	m.txs = append(m.txs, tx)
	return int64(len(m.tasks)), nil
}

type fakeTx struct {
	store.DBTransaction
	hooks []func()
}

func (t *fakeTx) Commit() error {
	for _, h := range t.hooks {
		h()
	}
	return nil
}
func (t *fakeTx) Rollback() error       { return nil }
func (t *fakeTx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueRunner, QueueFor(TaskStartRun))
	assert.Equal(t, QueueRunner, QueueFor(TaskAbortRun))
	assert.Equal(t, QueueDefault, QueueFor(TaskSendRunNotification))
	assert.Equal(t, QueueDefault, QueueFor(TaskLaunchScheduledJobs))
}

func TestEncodeDecode(t *testing.T) {
	payload, err := Encode(context.Background(), RunKwargs{RunSUUID: "abcd"})
	require.NoError(t, err)

	_, kwargs := Decode(context.Background(), payload)
	var args RunKwargs
	require.NoError(t, json.Unmarshal(kwargs, &args))
	assert.Equal(t, "abcd", args.RunSUUID)

	// Bare kwargs, e.g. a task requeued by hand.
	_, kwargs = Decode(context.Background(), json.RawMessage(`{"run_suuid":"efgh"}`))
	require.NoError(t, json.Unmarshal(kwargs, &args))
	assert.Equal(t, "efgh", args.RunSUUID)

	payload, err = Encode(context.Background(), nil)
	require.NoError(t, err)
	_, kwargs = Decode(context.Background(), payload)
	assert.JSONEq(t, `{}`, string(kwargs))
}

func TestQueuePublisher(t *testing.T) {
	q := &mockQueue{}
	p := NewQueuePublisher(q)

	require.NoError(t, p.Publish(context.Background(), TaskStartRun, RunKwargs{RunSUUID: "abcd"}))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskStartRun, q.tasks[0].Name)
	assert.Equal(t, QueueRunner, q.tasks[0].Queue)
	assert.Nil(t, q.txs[0])

	tx := &fakeTx{}
	require.NoError(t, p.PublishOnCommit(context.Background(), tx, TaskSendRunNotification, RunKwargs{RunSUUID: "abcd"}))
	require.Len(t, q.tasks, 2)
	assert.Same(t, tx, q.txs[1], "the insert joins the caller's transaction")
	assert.Equal(t, QueueDefault, q.tasks[1].Queue)

	q.failErr = errors.New("db down")
	assert.Error(t, p.Publish(context.Background(), TaskStartRun, nil))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var got RunKwargs
	r.Register(TaskStartRun, Bind(func(ctx context.Context, args RunKwargs) error {
		got = args
		return nil
	}))
	r.Register(TaskAbortRun, func(ctx context.Context, kwargs json.RawMessage) error {
		return errors.New("boom")
	})

	require.NoError(t, r.Handle(context.Background(), TaskStartRun, json.RawMessage(`{"run_suuid":"abcd"}`)))
	assert.Equal(t, "abcd", got.RunSUUID)

	err := r.Handle(context.Background(), TaskAbortRun, nil)
	assert.ErrorIs(t, err, apperr.ErrTaskFailure)

	err = r.Handle(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTask)

	err = r.Handle(context.Background(), TaskStartRun, json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, apperr.ErrTaskFailure)

	assert.Equal(t, []string{TaskAbortRun, TaskStartRun}, r.Names())
}

func TestRetryDelays(t *testing.T) {
	delays := RetryDelays(4)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}, delays)

	long := RetryDelays(12)
	assert.Equal(t, 30*time.Minute, long[len(long)-1])
}

func TestAttemptOf(t *testing.T) {
	assert.Equal(t, 1, attemptOf(nil))
	assert.Equal(t, 3, attemptOf(map[string]interface{}{attemptHeader: int32(3)}))
	assert.Equal(t, 4, attemptOf(map[string]interface{}{attemptHeader: int64(4)}))
	assert.Equal(t, "runner.retry.2", retryQueue(QueueRunner, 2))
	assert.Equal(t, "default.dlq", deadLetterQueue(QueueDefault))
}

type recordingPublisher struct {
	mu    sync.Mutex
	names []string
}

func (p *recordingPublisher) Publish(ctx context.Context, name string, kwargs any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	return nil
}

func (p *recordingPublisher) PublishOnCommit(ctx context.Context, tx store.Tx, name string, kwargs any) error {
	return p.Publish(ctx, name, kwargs)
}

func TestBeat(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := NewBeat(&recordingPublisher{}, DefaultSchedule(), logger)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultSchedule()), b.Entries())

	_, err = NewBeat(&recordingPublisher{}, []Periodic{{Name: "x", Schedule: "not a schedule"}}, logger)
	assert.Error(t, err)

	pub := &recordingPublisher{}
	b, err = NewBeat(pub, []Periodic{{Name: TaskReapStaleUploads, Schedule: "@every 1s"}}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Run(ctx), context.DeadlineExceeded)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []string{TaskReapStaleUploads}, pub.names)
}
