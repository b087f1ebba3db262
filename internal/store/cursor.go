package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCursor retrieves the last-processed firehose cursor for the given
// service name. Returns 0 if no cursor has been saved.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sub_state WHERE service = ?`, service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor persists the firehose cursor so ingestion can resume on
// restart. The cursor never moves backwards.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_state (service, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET
			cursor = MAX(sub_state.cursor, excluded.cursor),
			updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}

// GetMeta reads a meta key. Returns ("", nil) when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta upserts a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
