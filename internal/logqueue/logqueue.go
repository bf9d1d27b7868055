// Package logqueue buffers the log lines of running runs and persists them as
// the run's log.json file.
package logqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"askanna/internal/storage"
	"askanna/internal/store"
	"askanna/internal/upload"
)

const (
	// FlushInterval is the minimum spacing between unforced flushes.
	FlushInterval = 5 * time.Second

	// MaxLineLength caps a single message, in characters.
	MaxLineLength = 10000

	// FileName of the persisted log inside the run prefix.
	FileName = "log.json"

	// DefaultCacheSize is the number of terminal run logs kept in memory.
	DefaultCacheSize = 256

	// MaxEntries bounds the lines kept for one run. Output beyond it is
	// counted but not stored.
	MaxEntries = 100000
)

// truncatedNotice is the last entry of a log that reached MaxEntries.
const truncatedNotice = "The log reached its limit of %d lines; further output is not stored."

// Entry is one log line. It encodes as [index, timestamp, message].
type Entry struct {
	Index     int
	Timestamp time.Time
	Message   string
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Message})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("log entry: expected 3 elements, got %d", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &e.Index); err != nil {
		return fmt.Errorf("log entry index: %w", err)
	}
	if err := json.Unmarshal(raw[1], &ts); err != nil {
		return fmt.Errorf("log entry timestamp: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Message); err != nil {
		return fmt.Errorf("log entry message: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("log entry timestamp: %w", err)
	}
	e.Timestamp = t
	return nil
}

// Files is the part of the upload manager the queue writes through.
type Files interface {
	Get(ctx context.Context, id uuid.UUID) (*store.File, error)
	Open(ctx context.Context, f *store.File) (io.ReadCloser, error)
	Store(ctx context.Context, tx store.DBTransaction, req upload.CreateRequest, data []byte) (*store.File, error)
	Replace(ctx context.Context, f *store.File, data []byte) error
}

// RunFiles attaches the persisted log to its run.
type RunFiles interface {
	GetRunBySUUID(ctx context.Context, suuid string) (*store.Run, error)
	SetRunFile(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, field store.RunFileField, fileID uuid.UUID) error
}

// Manager owns the queues of the runs executing in this process and the
// cache of persisted logs.
type Manager struct {
	files  Files
	runs   RunFiles
	cache  *lru.Cache[string, []Entry]
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*Queue
}

// NewManager creates a Manager caching up to cacheSize terminal logs.
func NewManager(files Files, runs RunFiles, cacheSize int, logger *slog.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, []Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create log cache: %w", err)
	}
	return &Manager{
		files:  files,
		runs:   runs,
		cache:  cache,
		logger: logger,
		now:    time.Now,
		active: make(map[string]*Queue),
	}, nil
}

// Open returns the queue of run, creating it on first use.
func (m *Manager) Open(run *store.Run) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.active[run.SUUID]; ok {
		return q
	}
	q := &Queue{m: m, run: run, known: run.LogFileID}
	m.active[run.SUUID] = q
	return q
}

// Active returns the queue of a run executing in this process.
func (m *Manager) Active(runSUUID string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.active[runSUUID]
	return q, ok
}

// Release drops the in-memory queue of a run. Call it after a forced flush.
func (m *Manager) Release(runSUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, runSUUID)
}

// Get returns the log of run. A queue held by this process is served from
// memory. Otherwise the persisted file is read; logs of terminal runs are
// cached.
func (m *Manager) Get(ctx context.Context, run *store.Run) ([]Entry, error) {
	m.mu.Lock()
	q, ok := m.active[run.SUUID]
	m.mu.Unlock()
	if ok {
		return q.Entries(), nil
	}

	terminal := run.Status.IsTerminal()
	if terminal {
		if entries, ok := m.cache.Get(run.SUUID); ok {
			return entries, nil
		}
	}

	entries, err := m.read(ctx, run.SUUID, run.LogFileID)
	if err != nil {
		return nil, err
	}
	if terminal {
		m.cache.Add(run.SUUID, entries)
	}
	return entries, nil
}

func (m *Manager) read(ctx context.Context, runSUUID string, fileID *uuid.UUID) ([]Entry, error) {
	if fileID == nil {
		return []Entry{}, nil
	}
	f, err := m.files.Get(ctx, *fileID)
	if err != nil {
		return nil, fmt.Errorf("log file of run %s: %w", runSUUID, err)
	}
	return m.decode(ctx, runSUUID, f)
}

func (m *Manager) decode(ctx context.Context, runSUUID string, f *store.File) ([]Entry, error) {
	rc, err := m.files.Open(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("open log of run %s: %w", runSUUID, err)
	}
	defer rc.Close()

	entries := []Entry{}
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode log of run %s: %w", runSUUID, err)
	}
	return entries, nil
}

// Queue is the log buffer of one run.
type Queue struct {
	m   *Manager
	run *store.Run
	// known is the log file the run had when the queue was opened.
	known *uuid.UUID

	mu        sync.Mutex
	entries   []Entry
	dropped   int
	dirty     bool
	lastFlush time.Time
	file      *store.File
}

// Add appends a message. A zero ts means now.
func (q *Queue) Add(message string, ts time.Time) {
	if ts.IsZero() {
		ts = q.m.now()
	}
	message = strings.TrimRight(message, "\r\n")
	if utf8.RuneCountInString(message) > MaxLineLength {
		message = string([]rune(message)[:MaxLineLength])
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.append(message, ts)
}

// append adds one entry, keeping the last slot for the truncation notice.
func (q *Queue) append(message string, ts time.Time) {
	switch {
	case len(q.entries) < MaxEntries-1:
	case len(q.entries) == MaxEntries-1:
		message = fmt.Sprintf(truncatedNotice, MaxEntries)
		q.dropped++
	default:
		q.dropped++
		return
	}
	q.entries = append(q.entries, Entry{
		Index:     len(q.entries),
		Timestamp: ts.UTC(),
		Message:   message,
	})
	q.dirty = true
}

// Dropped returns the number of lines not stored because of MaxEntries.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Contains reports whether message was logged.
func (q *Queue) Contains(message string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Message == message {
			return true
		}
	}
	return false
}

// Entries returns a copy of the buffered entries.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush persists the queue. Without force it does nothing when the last
// flush is less than FlushInterval ago or nothing changed. It reports
// whether a write happened.
func (q *Queue) Flush(ctx context.Context, force bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.m.now()
	if !force {
		if !q.dirty || now.Sub(q.lastFlush) < FlushInterval {
			return false, nil
		}
	}

	if err := q.attach(ctx); err != nil {
		return false, err
	}

	data, err := json.Marshal(q.entries)
	if err != nil {
		return false, fmt.Errorf("encode log of run %s: %w", q.run.SUUID, err)
	}
	if q.entries == nil {
		data = []byte("[]")
	}

	if err := q.write(ctx, data); err != nil {
		return false, err
	}
	q.dirty = false
	q.lastFlush = now
	q.m.cache.Remove(q.run.SUUID)
	return true, nil
}

// attach resolves the log file of the run before the first write. The run is
// read again, since another process, such as an abort, may have created the
// file after the queue was opened; the lines of such a file are merged in.
func (q *Queue) attach(ctx context.Context) error {
	if q.file != nil {
		return nil
	}
	id := q.run.LogFileID
	current, err := q.m.runs.GetRunBySUUID(ctx, q.run.SUUID)
	switch {
	case err == nil:
		if current.LogFileID != nil {
			id = current.LogFileID
		}
	case !store.IsNotFound(err):
		return fmt.Errorf("reload run %s: %w", q.run.SUUID, err)
	}
	if id == nil {
		return nil
	}

	f, err := q.m.files.Get(ctx, *id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("log file of run %s: %w", q.run.SUUID, err)
	}
	if q.known == nil || *q.known != *id {
		foreign, err := q.m.decode(ctx, q.run.SUUID, f)
		if err != nil {
			return err
		}
		q.merge(foreign)
	}
	q.file = f
	q.known = id
	q.run.LogFileID = id
	return nil
}

// merge interleaves entries by timestamp and renumbers the result.
func (q *Queue) merge(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	own := q.entries
	q.entries = append(append(make([]Entry, 0, len(entries)+len(own)), entries...), own...)
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].Timestamp.Before(q.entries[j].Timestamp)
	})
	if len(q.entries) > MaxEntries {
		q.dropped += len(q.entries) - MaxEntries
		q.entries = q.entries[:MaxEntries]
	}
	for i := range q.entries {
		q.entries[i].Index = i
	}
	q.dirty = true
}

func (q *Queue) write(ctx context.Context, data []byte) error {
	if q.file != nil {
		if err := q.m.files.Replace(ctx, q.file, data); err != nil {
			return fmt.Errorf("write log of run %s: %w", q.run.SUUID, err)
		}
		return nil
	}

	f, err := q.m.files.Store(ctx, nil, upload.CreateRequest{
		Name:        FileName,
		ContentType: "application/json",
		UploadTo:    storage.RunPrefix(q.run.SUUID),
		OwnerType:   store.OwnerRun,
		OwnerID:     q.run.ID,
	}, data)
	if err != nil {
		return fmt.Errorf("write log of run %s: %w", q.run.SUUID, err)
	}
	if err := q.m.runs.SetRunFile(ctx, nil, q.run.ID, store.RunFileLog, f.ID); err != nil {
		return fmt.Errorf("attach log of run %s: %w", q.run.SUUID, err)
	}
	q.file = f
	q.known = &f.ID
	q.run.LogFileID = &f.ID
	return nil
}

// SplitTimestamp separates the RFC 3339 timestamp the container runtime
// prefixes to each line. Lines without one return a zero time.
func SplitTimestamp(line string) (time.Time, string) {
	i := strings.IndexByte(line, ' ')
	if i <= 0 {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimRight(line, "\r\n")); err == nil {
			return ts, ""
		}
		return time.Time{}, line
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:i])
	if err != nil {
		return time.Time{}, line
	}
	return ts, line[i+1:]
}
