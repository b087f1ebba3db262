package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyRetryAttempts = 3
	busyRetryDelay    = time.Second

	// insertChunkSize bounds multi-row inserts so a single statement never
	// exceeds the sqlite variable limit.
	insertChunkSize = 500
)

// Store provides durable relational state for the feed generator: posts,
// follow and interaction edges, and per-user personalization artifacts.
// It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the sqlite database at path, switches it
// to WAL mode, and runs any pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isBusy reports whether err is a transient sqlite contention error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs fn up to busyRetryAttempts times in total, waiting a
// fixed delay after each attempt that fails with database contention. Other
// errors surface immediately.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Warn("database busy, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryDelay):
		}
	}
	return err
}

// inPlaceholders returns "?,?,..." with n slots.
func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunkStrings splits items into slices of at most size elements.
func chunkStrings(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func toArgs(items []string) []any {
	args := make([]any, len(items))
	for i, it := range items {
		args[i] = it
	}
	return args
}
