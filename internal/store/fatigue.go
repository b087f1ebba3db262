package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuthorFatigue tracks how worn out a user is on a particular author, and
// how much affinity interactions have earned back.
type AuthorFatigue struct {
	UserDid           string
	AuthorDid         string
	ServeCount        int
	LastServedAt      time.Time
	FatigueScore      float64
	AffinityScore     float64
	InteractionWeight float64
	LastInteractionAt time.Time
	InteractionCount  int
	UpdatedAt         time.Time
}

// GetAuthorFatigue loads one fatigue row. Returns (nil, nil) when absent.
func (s *Store) GetAuthorFatigue(ctx context.Context, userDid, authorDid string) (*AuthorFatigue, error) {
	var f AuthorFatigue
	var lastServed, lastInteraction sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_did, author_did, serve_count, last_served_at, fatigue_score,
			affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at
		FROM user_author_fatigue WHERE user_did = ? AND author_did = ?`,
		userDid, authorDid,
	).Scan(&f.UserDid, &f.AuthorDid, &f.ServeCount, &lastServed, &f.FatigueScore,
		&f.AffinityScore, &f.InteractionWeight, &lastInteraction, &f.InteractionCount, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query author fatigue: %w", err)
	}
	if lastServed.Valid {
		f.LastServedAt = lastServed.Time
	}
	if lastInteraction.Valid {
		f.LastInteractionAt = lastInteraction.Time
	}
	return &f, nil
}

// PutAuthorFatigue upserts a full fatigue row.
func (s *Store) PutAuthorFatigue(ctx context.Context, f *AuthorFatigue) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_author_fatigue
				(user_did, author_did, serve_count, last_served_at, fatigue_score,
				affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_did, author_did) DO UPDATE SET
				serve_count = excluded.serve_count,
				last_served_at = excluded.last_served_at,
				fatigue_score = excluded.fatigue_score,
				affinity_score = excluded.affinity_score,
				interaction_weight = excluded.interaction_weight,
				last_interaction_at = excluded.last_interaction_at,
				interaction_count = excluded.interaction_count,
				updated_at = excluded.updated_at`,
			f.UserDid, f.AuthorDid, f.ServeCount, nullTime(f.LastServedAt), f.FatigueScore,
			f.AffinityScore, f.InteractionWeight, nullTime(f.LastInteractionAt), f.InteractionCount,
			f.UpdatedAt.UTC(),
		)
		return err
	})
}

// FatigueByUser returns all fatigue rows for the user keyed by author DID.
func (s *Store) FatigueByUser(ctx context.Context, userDid string) (map[string]*AuthorFatigue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_did, author_did, serve_count, last_served_at, fatigue_score,
			affinity_score, interaction_weight, last_interaction_at, interaction_count, updated_at
		FROM user_author_fatigue WHERE user_did = ?`, userDid)
	if err != nil {
		return nil, fmt.Errorf("query fatigue rows: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*AuthorFatigue)
	for rows.Next() {
		var f AuthorFatigue
		var lastServed, lastInteraction sql.NullTime
		if err := rows.Scan(&f.UserDid, &f.AuthorDid, &f.ServeCount, &lastServed, &f.FatigueScore,
			&f.AffinityScore, &f.InteractionWeight, &lastInteraction, &f.InteractionCount, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fatigue row: %w", err)
		}
		if lastServed.Valid {
			f.LastServedAt = lastServed.Time
		}
		if lastInteraction.Valid {
			f.LastInteractionAt = lastInteraction.Time
		}
		out[f.AuthorDid] = &f
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
