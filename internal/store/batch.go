package store

import (
	"context"
	"fmt"
	"time"
)

// CandidateBatchRow is one persisted semantic candidate for a user.
type CandidateBatchRow struct {
	UserDid       string
	URI           string
	SemanticScore float64
	PipelineScore float64
	CentroidID    int
	BatchID       string
	GeneratedAt   time.Time
}

// InsertCandidateBatch writes a new batch of semantic candidates.
func (s *Store) InsertCandidateBatch(ctx context.Context, rows []CandidateBatchRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch insert: %w", err)
		}
		defer tx.Rollback()
		for start := 0; start < len(rows); start += insertChunkSize {
			end := start + insertChunkSize
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]
			query := `INSERT INTO user_candidate_batch
				(user_did, uri, semantic_score, pipeline_score, centroid_id, batch_id, generated_at)
				VALUES `
			args := make([]any, 0, len(chunk)*7)
			for i, r := range chunk {
				if i > 0 {
					query += ","
				}
				query += "(?, ?, ?, ?, ?, ?, ?)"
				args = append(args, r.UserDid, r.URI, r.SemanticScore, r.PipelineScore,
					r.CentroidID, r.BatchID, r.GeneratedAt.UTC())
			}
			query += ` ON CONFLICT (user_did, uri, batch_id) DO UPDATE SET
				semantic_score = excluded.semantic_score,
				pipeline_score = excluded.pipeline_score,
				centroid_id = excluded.centroid_id,
				generated_at = excluded.generated_at`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert candidate batch: %w", err)
			}
		}
		return tx.Commit()
	})
}

// CandidateBatch returns the user's candidate rows generated within ttl,
// newest batches first.
func (s *Store) CandidateBatch(ctx context.Context, userDid string, ttl time.Duration) ([]CandidateBatchRow, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_did, uri, semantic_score, pipeline_score, centroid_id, batch_id, generated_at
		FROM user_candidate_batch
		WHERE user_did = ? AND generated_at > ?
		ORDER BY generated_at DESC, semantic_score DESC`, userDid, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query candidate batch: %w", err)
	}
	defer rows.Close()
	var out []CandidateBatchRow
	for rows.Next() {
		var r CandidateBatchRow
		if err := rows.Scan(&r.UserDid, &r.URI, &r.SemanticScore, &r.PipelineScore,
			&r.CentroidID, &r.BatchID, &r.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GCCandidateBatches deletes candidate rows older than ttl. Returns rows
// deleted.
func (s *Store) GCCandidateBatches(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	var total int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM user_candidate_batch WHERE generated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("gc candidate batches: %w", err)
		}
		total, _ = res.RowsAffected()
		return nil
	})
	return total, err
}
