package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// UpsertFollows inserts follow edges, ignoring duplicates.
func (s *Store) UpsertFollows(ctx context.Context, follower string, followees []string) error {
	if len(followees) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withBusyRetry(ctx, func() error {
		for _, chunk := range chunkStrings(followees, insertChunkSize) {
			query := `INSERT INTO graph_follow (follower, followee, indexed_at) VALUES `
			args := make([]any, 0, len(chunk)*3)
			for i, followee := range chunk {
				if i > 0 {
					query += ","
				}
				query += "(?, ?, ?)"
				args = append(args, follower, followee, now)
			}
			query += ` ON CONFLICT (follower, followee) DO NOTHING`
			if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert follows: %w", err)
			}
		}
		return nil
	})
}

// Follows returns the DIDs the given user follows (Layer-1).
func (s *Store) Follows(ctx context.Context, follower string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT followee FROM graph_follow WHERE follower = ?`, follower)
	if err != nil {
		return nil, fmt.Errorf("query follows: %w", err)
	}
	return scanStrings(rows)
}

// FollowsOfMany returns the follows of each of the given users, keyed by
// follower. Nothing is filtered out of the follow lists.
func (s *Store) FollowsOfMany(ctx context.Context, followers []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, chunk := range chunkStrings(followers, insertChunkSize) {
		query := fmt.Sprintf(
			`SELECT follower, followee FROM graph_follow WHERE follower IN (%s)`,
			inPlaceholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query follows of many: %w", err)
		}
		for rows.Next() {
			var follower, followee string
			if err := rows.Scan(&follower, &followee); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan follow edge: %w", err)
			}
			out[follower] = append(out[follower], followee)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate follow edges: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// Mutuals returns the user's L1 follows that also follow the user back,
// as far as the indexed graph knows.
func (s *Store) Mutuals(ctx context.Context, userDid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.followee FROM graph_follow f
		JOIN graph_follow back ON back.follower = f.followee AND back.followee = f.follower
		WHERE f.follower = ?`, userDid)
	if err != nil {
		return nil, fmt.Errorf("query mutuals: %w", err)
	}
	return scanStrings(rows)
}

// InsertInteraction records a single interaction edge outside a batch flush.
func (s *Store) InsertInteraction(ctx context.Context, edge domain.Interaction) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_interaction (actor, target, type, weight, indexed_at, interaction_uri)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (actor, target, type) DO NOTHING`,
			edge.Actor, edge.Target, string(edge.Type), edge.Weight, edge.IndexedAt.UTC(), nullable(edge.InteractionURI),
		)
		return err
	})
}

// InteractionsByTargets returns all interaction edges pointing at the given
// post URIs. Callers filter by actor set in memory; the table only holds
// tracked actors to begin with.
func (s *Store) InteractionsByTargets(ctx context.Context, uris []string) ([]domain.Interaction, error) {
	var out []domain.Interaction
	for _, chunk := range chunkStrings(uris, insertChunkSize) {
		query := fmt.Sprintf(`
			SELECT actor, target, type, weight, indexed_at, COALESCE(interaction_uri, '')
			FROM graph_interaction WHERE target IN (%s)`, inPlaceholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query interactions by target: %w", err)
		}
		for rows.Next() {
			var edge domain.Interaction
			var typ string
			if err := rows.Scan(&edge.Actor, &edge.Target, &typ, &edge.Weight, &edge.IndexedAt, &edge.InteractionURI); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan interaction: %w", err)
			}
			edge.Type = domain.InteractionType(typ)
			out = append(out, edge)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate interactions: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// InteractedURIs returns the URIs the user has engaged with, keyed by type.
func (s *Store) InteractedURIs(ctx context.Context, userDid string) (map[string][]domain.InteractionType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, type FROM graph_interaction WHERE actor = ?`, userDid)
	if err != nil {
		return nil, fmt.Errorf("query interacted uris: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]domain.InteractionType)
	for rows.Next() {
		var uri, typ string
		if err := rows.Scan(&uri, &typ); err != nil {
			return nil, fmt.Errorf("scan interacted uri: %w", err)
		}
		out[uri] = append(out[uri], domain.InteractionType(typ))
	}
	return out, rows.Err()
}

// InteractedAuthors returns authors of posts the user recently engaged with.
func (s *Store) InteractedAuthors(ctx context.Context, userDid string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.author FROM graph_interaction gi
		JOIN post p ON p.uri = gi.target
		WHERE gi.actor = ? AND gi.indexed_at > ?`, userDid, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query interacted authors: %w", err)
	}
	return scanStrings(rows)
}

// RecentLikeTargets returns the post URIs the user liked or reposted after
// since, newest first.
func (s *Store) RecentLikeTargets(ctx context.Context, userDid string, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target FROM graph_interaction
		WHERE actor = ? AND type IN ('like', 'repost') AND indexed_at > ?
		ORDER BY indexed_at DESC LIMIT ?`, userDid, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent like targets: %w", err)
	}
	return scanStrings(rows)
}

// LikersOf returns tracked actors who liked the given post.
func (s *Store) LikersOf(ctx context.Context, uri string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor FROM graph_interaction WHERE target = ? AND type = 'like'`, uri)
	if err != nil {
		return nil, fmt.Errorf("query likers: %w", err)
	}
	return scanStrings(rows)
}

// TwinLikes returns recent likes by the given taste twins as post URI →
// liking twin DIDs, capped at limit distinct URIs.
func (s *Store) TwinLikes(ctx context.Context, twins []string, since time.Time, limit int) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, chunk := range chunkStrings(twins, insertChunkSize) {
		query := fmt.Sprintf(`
			SELECT target, actor FROM graph_interaction
			WHERE actor IN (%s) AND type = 'like' AND indexed_at > ?
			ORDER BY indexed_at DESC LIMIT ?`, inPlaceholders(len(chunk)))
		args := append(toArgs(chunk), since.UTC(), limit)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query twin likes: %w", err)
		}
		for rows.Next() {
			var uri, actor string
			if err := rows.Scan(&uri, &actor); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan twin like: %w", err)
			}
			if _, known := out[uri]; !known && len(out) >= limit {
				continue
			}
			out[uri] = append(out[uri], actor)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate twin likes: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// UserMediaRatio returns the fraction of the user's recently liked posts that
// carry an image or video. Returns 0 when the user has no recent likes.
func (s *Store) UserMediaRatio(ctx context.Context, userDid string, since time.Time) (float64, error) {
	var total, media int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN p.has_image = 1 OR p.has_video = 1 THEN 1 ELSE 0 END), 0)
		FROM graph_interaction gi
		JOIN post p ON p.uri = gi.target
		WHERE gi.actor = ? AND gi.type = 'like' AND gi.indexed_at > ?`,
		userDid, since.UTC(),
	).Scan(&total, &media)
	if err != nil {
		return 0, fmt.Errorf("query media ratio: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(media) / float64(total), nil
}

// ReplaceInfluentialL2 replaces the influential-L2 cache for a user.
func (s *Store) ReplaceInfluentialL2(ctx context.Context, userDid string, entries []InfluentialL2) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin influential l2 replace: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM influential_l2 WHERE user_did = ?`, userDid); err != nil {
			return fmt.Errorf("clear influential l2: %w", err)
		}
		now := time.Now().UTC()
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO influential_l2 (user_did, l2_did, influence_score, l1_follower_count, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				userDid, e.DID, e.InfluenceScore, e.L1FollowerCount, now); err != nil {
				return fmt.Errorf("insert influential l2: %w", err)
			}
		}
		return tx.Commit()
	})
}

// InfluentialL2 is one cached influential Layer-2 account.
type InfluentialL2 struct {
	DID             string
	InfluenceScore  float64
	L1FollowerCount int
	UpdatedAt       time.Time
}

// GetInfluentialL2 loads the cached influential-L2 set for a user along with
// the cache timestamp. Returns a zero time when the cache is empty.
func (s *Store) GetInfluentialL2(ctx context.Context, userDid string) ([]InfluentialL2, time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l2_did, influence_score, l1_follower_count, updated_at
		FROM influential_l2 WHERE user_did = ?
		ORDER BY influence_score DESC`, userDid)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query influential l2: %w", err)
	}
	defer rows.Close()
	var out []InfluentialL2
	var newest time.Time
	for rows.Next() {
		var e InfluentialL2
		if err := rows.Scan(&e.DID, &e.InfluenceScore, &e.L1FollowerCount, &e.UpdatedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan influential l2: %w", err)
		}
		if e.UpdatedAt.After(newest) {
			newest = e.UpdatedAt
		}
		out = append(out, e)
	}
	return out, newest, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
