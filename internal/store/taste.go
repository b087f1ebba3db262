package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TasteSimilarity is one co-like edge between a tracked user and another
// account.
type TasteSimilarity struct {
	UserDid         string
	SimilarUserDid  string
	AgreementCount  int
	TotalCoLiked    int
	LastAgreementAt time.Time
	UpdatedAt       time.Time
}

// TasteReputation is the decaying trust score attached to a taste twin.
type TasteReputation struct {
	UserDid          string
	SimilarUserDid   string
	ReputationScore  float64
	AgreementHistory float64
	LastSeenAt       time.Time
	DecayRate        float64
	UpdatedAt        time.Time
}

// BumpTasteSimilarity upserts a co-like edge, incrementing both counters.
func (s *Store) BumpTasteSimilarity(ctx context.Context, userDid, similarDid string) error {
	now := time.Now().UTC()
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO taste_similarity
				(user_did, similar_user_did, agreement_count, total_co_liked_posts, last_agreement_at, updated_at)
			VALUES (?, ?, 1, 1, ?, ?)
			ON CONFLICT (user_did, similar_user_did) DO UPDATE SET
				agreement_count = taste_similarity.agreement_count + 1,
				total_co_liked_posts = taste_similarity.total_co_liked_posts + 1,
				last_agreement_at = excluded.last_agreement_at,
				updated_at = excluded.updated_at`,
			userDid, similarDid, now, now,
		)
		return err
	})
}

// GetTasteReputation loads one reputation row. Returns (nil, nil) when absent.
func (s *Store) GetTasteReputation(ctx context.Context, userDid, similarDid string) (*TasteReputation, error) {
	var r TasteReputation
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_did, similar_user_did, reputation_score, agreement_history,
			last_seen_at, decay_rate, updated_at
		FROM taste_reputation WHERE user_did = ? AND similar_user_did = ?`,
		userDid, similarDid,
	).Scan(&r.UserDid, &r.SimilarUserDid, &r.ReputationScore, &r.AgreementHistory,
		&lastSeen, &r.DecayRate, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query taste reputation: %w", err)
	}
	if lastSeen.Valid {
		r.LastSeenAt = lastSeen.Time
	}
	return &r, nil
}

// PutTasteReputation upserts a full reputation row.
func (s *Store) PutTasteReputation(ctx context.Context, r *TasteReputation) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO taste_reputation
				(user_did, similar_user_did, reputation_score, agreement_history, last_seen_at, decay_rate, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_did, similar_user_did) DO UPDATE SET
				reputation_score = excluded.reputation_score,
				agreement_history = excluded.agreement_history,
				last_seen_at = excluded.last_seen_at,
				decay_rate = excluded.decay_rate,
				updated_at = excluded.updated_at`,
			r.UserDid, r.SimilarUserDid, r.ReputationScore, r.AgreementHistory,
			r.LastSeenAt.UTC(), r.DecayRate, r.UpdatedAt.UTC(),
		)
		return err
	})
}

// TasteTwins returns similar users with reputation at or above minScore,
// best first, capped at limit.
func (s *Store) TasteTwins(ctx context.Context, userDid string, minScore float64, limit int) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT similar_user_did, reputation_score FROM taste_reputation
		WHERE user_did = ? AND reputation_score >= ?
		ORDER BY reputation_score DESC LIMIT ?`,
		userDid, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("query taste twins: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var did string
		var score float64
		if err := rows.Scan(&did, &score); err != nil {
			return nil, fmt.Errorf("scan taste twin: %w", err)
		}
		out[did] = score
	}
	return out, rows.Err()
}

// ReputationsByAuthors returns reputation scores for the given similar users.
func (s *Store) ReputationsByAuthors(ctx context.Context, userDid string, dids []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, chunk := range chunkStrings(dids, insertChunkSize) {
		query := fmt.Sprintf(`
			SELECT similar_user_did, reputation_score FROM taste_reputation
			WHERE user_did = ? AND similar_user_did IN (%s)`, inPlaceholders(len(chunk)))
		args := append([]any{userDid}, toArgs(chunk)...)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query reputations: %w", err)
		}
		for rows.Next() {
			var did string
			var score float64
			if err := rows.Scan(&did, &score); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan reputation: %w", err)
			}
			out[did] = score
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate reputations: %w", err)
		}
		rows.Close()
	}
	return out, nil
}
