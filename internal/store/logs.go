package store

import (
	"context"
	"fmt"
	"time"
)

// RecordServed appends served-log rows for the given URIs.
func (s *Store) RecordServed(ctx context.Context, userDid string, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withBusyRetry(ctx, func() error {
		for _, chunk := range chunkStrings(uris, insertChunkSize) {
			query := `INSERT INTO user_served_post (user_did, uri, served_at) VALUES `
			args := make([]any, 0, len(chunk)*3)
			for i, uri := range chunk {
				if i > 0 {
					query += ","
				}
				query += "(?, ?, ?)"
				args = append(args, userDid, uri, now)
			}
			query += ` ON CONFLICT (user_did, uri) DO UPDATE SET served_at = excluded.served_at`
			if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("record served: %w", err)
			}
		}
		return nil
	})
}

// ServedURIs returns URIs served to the user after since.
func (s *Store) ServedURIs(ctx context.Context, userDid string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri FROM user_served_post WHERE user_did = ? AND served_at > ?`,
		userDid, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query served uris: %w", err)
	}
	return scanStrings(rows)
}

// RecordSeen bumps the seen count for a post the client reported visible.
func (s *Store) RecordSeen(ctx context.Context, userDid, uri string) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_seen_post (user_did, uri, seen_count, seen_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (user_did, uri) DO UPDATE SET
				seen_count = user_seen_post.seen_count + 1,
				seen_at = excluded.seen_at`,
			userDid, uri, time.Now().UTC(),
		)
		return err
	})
}

// SeenCounts returns per-URI seen counts for the user since the given time.
func (s *Store) SeenCounts(ctx context.Context, userDid string, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, seen_count FROM user_seen_post
		WHERE user_did = ? AND seen_at > ?`, userDid, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query seen counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var uri string
		var count int
		if err := rows.Scan(&uri, &count); err != nil {
			return nil, fmt.Errorf("scan seen count: %w", err)
		}
		out[uri] = count
	}
	return out, rows.Err()
}

// GCLogs removes served rows older than servedTTL and seen rows older than
// seenTTL. Returns total rows deleted.
func (s *Store) GCLogs(ctx context.Context, servedTTL, seenTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	var total int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM user_served_post WHERE served_at < ?`, now.Add(-servedTTL))
		if err != nil {
			return fmt.Errorf("gc served log: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM user_seen_post WHERE seen_at < ?`, now.Add(-seenTTL))
		if err != nil {
			return fmt.Errorf("gc seen log: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}
