package store

import (
	"context"
	"fmt"
	"time"
)

// KeywordsByUser returns the user's keyword profile as keyword → score.
func (s *Store) KeywordsByUser(ctx context.Context, userDid string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword, score FROM user_keyword WHERE user_did = ?`, userDid)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var keyword string
		var score float64
		if err := rows.Scan(&keyword, &score); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		out[keyword] = score
	}
	return out, rows.Err()
}

// UpsertKeyword writes one keyword score, clamped to [-1, 1].
func (s *Store) UpsertKeyword(ctx context.Context, userDid, keyword string, score float64) error {
	score = clamp(score, -1.0, 1.0)
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_keyword (user_did, keyword, score, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_did, keyword) DO UPDATE SET
				score = excluded.score,
				updated_at = excluded.updated_at`,
			userDid, keyword, score, time.Now().UTC(),
		)
		return err
	})
}

// ReplaceKeywords rewrites the user's whole keyword profile in one
// transaction, dropping entries below the prune threshold.
func (s *Store) ReplaceKeywords(ctx context.Context, userDid string, scores map[string]float64, pruneBelow float64) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin keyword replace: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_keyword WHERE user_did = ?`, userDid); err != nil {
			return fmt.Errorf("clear keywords: %w", err)
		}
		now := time.Now().UTC()
		for keyword, score := range scores {
			if abs(score) < pruneBelow {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_keyword (user_did, keyword, score, updated_at)
				VALUES (?, ?, ?, ?)`,
				userDid, keyword, clamp(score, -1.0, 1.0), now); err != nil {
				return fmt.Errorf("insert keyword: %w", err)
			}
		}
		return tx.Commit()
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
