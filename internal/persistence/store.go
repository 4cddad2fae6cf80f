package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/featureloop/internal/bus"
)

const (
	defaultMaxAttempts = 3

	// standaloneSlot owns claims made by a worker running outside the
	// orchestrator.
	standaloneSlot = "worker"

	// KeyOperatorContext holds the operator-injected text appended to every task prompt.
	KeyOperatorContext = "operator_context"
)

var (
	ErrFeatureNotFound  = errors.New("feature not found")
	ErrSlotNotFound     = errors.New("slot not found")
	ErrNotClaimed       = errors.New("feature not claimed by slot")
	ErrAlreadyPassing   = errors.New("feature already passing")
	ErrIllegalStatus    = errors.New("illegal feature status transition")
	ErrClaimedElsewhere = errors.New("feature claimed by another slot")
)

// Store is the durable state of one project: its feature backlog, attempt
// counters, usage log, slot registry and session diagnostics.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus // may be nil in tests
	project string

	maxAttempts atomic.Int64

	// mu orders committed feature mutations with their published events.
	mu sync.Mutex
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".featureloop", "features.db")
}

// Open opens (creating if needed) the project database at path and brings
// its schema up to date.
func Open(path, project string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if project == "" {
		project = "default"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// go-sqlite3 applies these per connection.
	params := url.Values{
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"FULL"},
	}
	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One writer; the claim transaction relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := &Store{db: db, bus: eventBus, project: project}
	store.maxAttempts.Store(defaultMaxAttempts)
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Project() string {
	return s.project
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaxAttempts changes the attempt budget used by claim selection and stuck checks.
func (s *Store) SetMaxAttempts(n int) {
	if n <= 0 {
		n = defaultMaxAttempts
	}
	s.maxAttempts.Store(int64(n))
}

func (s *Store) MaxAttempts() int {
	return int(s.maxAttempts.Load())
}

// retryOnBusy reruns f while SQLite reports BUSY or LOCKED, backing off
// from 50ms up to 500ms with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	delay := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || attempt == maxRetries || !isSQLiteBusy(err) {
			return err
		}
		wait := delay*3/4 + rand.N(delay/2)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, 500*time.Millisecond)
	}
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// OperatorContext returns the currently injected operator context, if any.
func (s *Store) OperatorContext(ctx context.Context) (string, error) {
	return s.KVGet(ctx, KeyOperatorContext)
}

func (s *Store) SetOperatorContext(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return s.KVDelete(ctx, KeyOperatorContext)
	}
	return s.KVSet(ctx, KeyOperatorContext, text)
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Topic(s.project, kind), payload)
}
