package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// CounterDeltas accumulates per-URI engagement increments.
type CounterDeltas struct {
	Likes   map[string]int
	Reposts map[string]int
	Replies map[string]int
}

// NewCounterDeltas returns an empty delta set.
func NewCounterDeltas() CounterDeltas {
	return CounterDeltas{
		Likes:   make(map[string]int),
		Reposts: make(map[string]int),
		Replies: make(map[string]int),
	}
}

// Merge folds other into d. Used to re-queue deltas after a failed flush.
func (d CounterDeltas) Merge(other CounterDeltas) {
	for uri, n := range other.Likes {
		d.Likes[uri] += n
	}
	for uri, n := range other.Reposts {
		d.Reposts[uri] += n
	}
	for uri, n := range other.Replies {
		d.Replies[uri] += n
	}
}

// Empty reports whether no deltas are pending.
func (d CounterDeltas) Empty() bool {
	return len(d.Likes) == 0 && len(d.Reposts) == 0 && len(d.Replies) == 0
}

// EventBatch is one flush unit of firehose mutations.
type EventBatch struct {
	Posts        []domain.Post
	Deletes      []string
	Counters     CounterDeltas
	Interactions []domain.Interaction
}

// Empty reports whether the batch contains no work.
func (b *EventBatch) Empty() bool {
	return len(b.Posts) == 0 && len(b.Deletes) == 0 && b.Counters.Empty() && len(b.Interactions) == 0
}

// ApplyEventBatch applies one batch inside a single transaction: post inserts,
// post deletes, counter increments (URI-sorted), then interaction edges.
// Duplicate rows are absorbed by ON CONFLICT DO NOTHING so replay after a
// crash is safe for inserts; counter increments are approximately-once.
func (s *Store) ApplyEventBatch(ctx context.Context, batch *EventBatch) error {
	if batch.Empty() {
		return nil
	}
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin flush: %w", err)
		}
		defer tx.Rollback()

		for _, chunk := range chunkPosts(batch.Posts, insertChunkSize) {
			if err := insertPosts(ctx, tx, chunk); err != nil {
				return fmt.Errorf("insert posts: %w", err)
			}
		}

		for _, chunk := range chunkStrings(batch.Deletes, insertChunkSize) {
			query := fmt.Sprintf(`DELETE FROM post WHERE uri IN (%s)`, inPlaceholders(len(chunk)))
			if _, err := tx.ExecContext(ctx, query, toArgs(chunk)...); err != nil {
				return fmt.Errorf("delete posts: %w", err)
			}
		}

		if err := applyCounters(ctx, tx, batch.Counters); err != nil {
			return err
		}

		for _, edge := range batch.Interactions {
			if err := insertInteractionTx(ctx, tx, edge); err != nil {
				return fmt.Errorf("insert interaction: %w", err)
			}
		}

		return tx.Commit()
	})
}

func chunkPosts(posts []domain.Post, size int) [][]domain.Post {
	if len(posts) == 0 {
		return nil
	}
	var chunks [][]domain.Post
	for start := 0; start < len(posts); start += size {
		end := start + size
		if end > len(posts) {
			end = len(posts)
		}
		chunks = append(chunks, posts[start:end])
	}
	return chunks
}

func insertPosts(ctx context.Context, tx *sql.Tx, posts []domain.Post) error {
	query := `INSERT INTO post
		(uri, cid, indexed_at, author, reply_root, reply_parent, text, has_image, has_video, has_external)
		VALUES `
	args := make([]any, 0, len(posts)*10)
	for i, p := range posts {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			p.URI, p.CID, p.IndexedAt.UTC(), p.Author,
			nullable(p.ReplyRoot), nullable(p.ReplyParent), nullable(p.Text),
			boolInt(p.HasImage), boolInt(p.HasVideo), boolInt(p.HasExternal),
		)
	}
	query += ` ON CONFLICT (uri) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// applyCounters applies all pending counter deltas in URI order so concurrent
// flushers cannot deadlock on row lock order. Counters never go below zero.
func applyCounters(ctx context.Context, tx *sql.Tx, deltas CounterDeltas) error {
	type counterOp struct {
		column string
		deltas map[string]int
	}
	ops := []counterOp{
		{"like_count", deltas.Likes},
		{"repost_count", deltas.Reposts},
		{"reply_count", deltas.Replies},
	}
	for _, op := range ops {
		uris := make([]string, 0, len(op.deltas))
		for uri := range op.deltas {
			uris = append(uris, uri)
		}
		sort.Strings(uris)
		for _, uri := range uris {
			query := fmt.Sprintf(`UPDATE post SET %s = MAX(0, %s + ?) WHERE uri = ?`, op.column, op.column)
			if _, err := tx.ExecContext(ctx, query, op.deltas[uri], uri); err != nil {
				return fmt.Errorf("increment %s: %w", op.column, err)
			}
		}
	}
	return nil
}

func insertInteractionTx(ctx context.Context, tx *sql.Tx, edge domain.Interaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_interaction (actor, target, type, weight, indexed_at, interaction_uri)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (actor, target, type) DO NOTHING`,
		edge.Actor, edge.Target, string(edge.Type), edge.Weight, edge.IndexedAt.UTC(), nullable(edge.InteractionURI),
	)
	return err
}

// GetPost fetches a single post by URI. Returns (nil, nil) when absent.
func (s *Store) GetPost(ctx context.Context, uri string) (*domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, selectPost+` WHERE uri = ?`, uri)
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}

// GetPostsByURIs fetches posts for the given URIs; missing URIs are skipped.
func (s *Store) GetPostsByURIs(ctx context.Context, uris []string) ([]domain.Post, error) {
	var out []domain.Post
	for _, chunk := range chunkStrings(uris, insertChunkSize) {
		query := selectPost + fmt.Sprintf(` WHERE uri IN (%s)`, inPlaceholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, query, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query posts by uri: %w", err)
		}
		posts, err := scanPosts(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, posts...)
	}
	return out, nil
}

// PostsByAuthorsBetween returns posts authored by any of authors, indexed in
// (from, to], with like_count > minLikes (pass -1 to disable the engagement
// filter), newest first, capped at limit.
func (s *Store) PostsByAuthorsBetween(ctx context.Context, authors []string, from, to time.Time, minLikes, limit int) ([]domain.Post, error) {
	var out []domain.Post
	for _, chunk := range chunkStrings(authors, insertChunkSize) {
		query := selectPost + fmt.Sprintf(
			` WHERE author IN (%s) AND indexed_at > ? AND indexed_at <= ? AND like_count > ?
			ORDER BY indexed_at DESC LIMIT ?`, inPlaceholders(len(chunk)))
		args := append(toArgs(chunk), from.UTC(), to.UTC(), minLikes, limit)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query posts by author: %w", err)
		}
		posts, err := scanPosts(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, posts...)
		if len(out) >= limit {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PopularPostsBetween returns posts indexed in (from, to] with like_count >
// minLikes, most liked first, capped at limit.
func (s *Store) PopularPostsBetween(ctx context.Context, from, to time.Time, minLikes, limit int) ([]domain.Post, error) {
	query := selectPost + ` WHERE indexed_at > ? AND indexed_at <= ? AND like_count > ?
		ORDER BY like_count DESC, indexed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, from.UTC(), to.UTC(), minLikes, limit)
	if err != nil {
		return nil, fmt.Errorf("query popular posts: %w", err)
	}
	return scanPosts(rows)
}

// RandomPosts samples posts with non-empty text for the background corpus.
func (s *Store) RandomPosts(ctx context.Context, limit int) ([]domain.Post, error) {
	query := selectPost + ` WHERE text IS NOT NULL AND LENGTH(text) > 0 ORDER BY RANDOM() LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query random posts: %w", err)
	}
	return scanPosts(rows)
}

// DeleteStalePosts removes posts older than maxAge that have zero engagement
// and whose author is not followed by anyone we track. Returns rows deleted.
func (s *Store) DeleteStalePosts(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var total int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM post
			WHERE indexed_at < ?
			AND like_count = 0 AND reply_count = 0 AND repost_count = 0
			AND author NOT IN (SELECT followee FROM graph_follow)`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("delete stale posts: %w", err)
		}
		total, _ = res.RowsAffected()
		return nil
	})
	return total, err
}

const selectPost = `SELECT uri, cid, indexed_at, author, like_count, reply_count, repost_count,
	COALESCE(reply_root, ''), COALESCE(reply_parent, ''), COALESCE(text, ''),
	has_image, has_video, has_external
	FROM post`

func scanPosts(rows *sql.Rows) ([]domain.Post, error) {
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		var hasImage, hasVideo, hasExternal int
		err := rows.Scan(
			&p.URI, &p.CID, &p.IndexedAt, &p.Author,
			&p.LikeCount, &p.ReplyCount, &p.RepostCount,
			&p.ReplyRoot, &p.ReplyParent, &p.Text,
			&hasImage, &hasVideo, &hasExternal,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.HasImage = hasImage != 0
		p.HasVideo = hasVideo != 0
		p.HasExternal = hasExternal != 0
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
