// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"askanna/internal/store"

	_ "github.com/lib/pq"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db         *sql.DB
	maxRetries int
}

// New opens a connection pool and verifies it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetMaxRetries overrides the task retry ceiling.
func (s *Store) SetMaxRetries(n int) {
	s.maxRetries = n
}

func (s *Store) retryCeiling() int {
	if s.maxRetries > 0 {
		return s.maxRetries
	}
	return MaxRetries
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginTx opens a transaction that runs AfterCommit hooks once committed.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &hookTx{Tx: tx}, nil
}

type hookTx struct {
	*sql.Tx

	mu    sync.Mutex
	hooks []func()
}

func (t *hookTx) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *hookTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	t.mu.Lock()
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}
