package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func somePost(uri, author string, indexedAt time.Time) domain.Post {
	return domain.Post{
		URI:       uri,
		CID:       "bafy" + uri[len(uri)-4:],
		IndexedAt: indexedAt,
		Author:    author,
		Text:      "hello from " + author,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening must not re-run applied migrations.
	st, err = Open(path, logger)
	require.NoError(t, err)
	defer st.Close()

	var version int
	require.NoError(t, st.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestApplyEventBatch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &EventBatch{
		Posts:    []domain.Post{somePost("at://did:a/app.bsky.feed.post/p1", "did:a", now)},
		Counters: NewCounterDeltas(),
	}
	batch.Counters.Likes["at://did:a/app.bsky.feed.post/p1"] = 1
	batch.Interactions = []domain.Interaction{{
		Actor:     "did:u",
		Target:    "at://did:a/app.bsky.feed.post/p1",
		Type:      domain.InteractionLike,
		Weight:    1,
		IndexedAt: now,
	}}
	require.NoError(t, st.ApplyEventBatch(ctx, batch))

	post, err := st.GetPost(ctx, "at://did:a/app.bsky.feed.post/p1")
	require.NoError(t, err)
	require.NotNil(t, post)
	require.Equal(t, 1, post.LikeCount)
	require.Equal(t, "did:a", post.Author)

	// Replaying the same insert + interaction is absorbed by the unique
	// keys; only the counter moves.
	require.NoError(t, st.ApplyEventBatch(ctx, batch))
	post, err = st.GetPost(ctx, "at://did:a/app.bsky.feed.post/p1")
	require.NoError(t, err)
	require.Equal(t, 2, post.LikeCount)

	var interactions int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM graph_interaction WHERE actor = 'did:u'`).Scan(&interactions))
	require.Equal(t, 1, interactions, "one row per (actor, target, type)")
}

func TestCountersNeverGoNegative(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	batch := &EventBatch{
		Posts:    []domain.Post{somePost("at://did:a/app.bsky.feed.post/p1", "did:a", time.Now())},
		Counters: NewCounterDeltas(),
	}
	batch.Counters.Likes["at://did:a/app.bsky.feed.post/p1"] = -5
	require.NoError(t, st.ApplyEventBatch(ctx, batch))

	post, err := st.GetPost(ctx, "at://did:a/app.bsky.feed.post/p1")
	require.NoError(t, err)
	require.Equal(t, 0, post.LikeCount)
}

func TestCursorMonotonic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpdateCursor(ctx, "jetstream", 300))
	cursor, err := st.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.EqualValues(t, 300, cursor)

	// A stale write must not move the cursor backwards.
	require.NoError(t, st.UpdateCursor(ctx, "jetstream", 150))
	cursor, err = st.GetCursor(ctx, "jetstream")
	require.NoError(t, err)
	require.EqualValues(t, 300, cursor)
}

func TestSeenCountsAccumulate(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordSeen(ctx, "did:u", "at://p1"))
	require.NoError(t, st.RecordSeen(ctx, "did:u", "at://p1"))
	require.NoError(t, st.RecordSeen(ctx, "did:u", "at://p2"))

	counts, err := st.SeenCounts(ctx, "did:u", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, counts["at://p1"])
	require.Equal(t, 1, counts["at://p2"])
}

func TestMutuals(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertFollows(ctx, "did:u", []string{"did:a", "did:b"}))
	require.NoError(t, st.UpsertFollows(ctx, "did:a", []string{"did:u", "did:x"}))

	mutuals, err := st.Mutuals(ctx, "did:u")
	require.NoError(t, err)
	require.Equal(t, []string{"did:a"}, mutuals)
}

func TestCandidateBatchRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []CandidateBatchRow{
		{UserDid: "did:u", URI: "at://p1", SemanticScore: 0.9, PipelineScore: 1200, CentroidID: 1, BatchID: "aabbccdd", GeneratedAt: now},
		{UserDid: "did:u", URI: "at://p2", SemanticScore: 0.4, PipelineScore: -4000, CentroidID: 2, BatchID: "aabbccdd", GeneratedAt: now},
	}
	require.NoError(t, st.InsertCandidateBatch(ctx, rows))

	loaded, err := st.CandidateBatch(ctx, "did:u", 12*time.Hour)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "at://p1", loaded[0].URI)

	deleted, err := st.GCCandidateBatches(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
}

func TestDeleteStalePosts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)

	stale := somePost("at://did:x/app.bsky.feed.post/old", "did:x", old)
	followed := somePost("at://did:f/app.bsky.feed.post/old", "did:f", old)
	engaged := somePost("at://did:y/app.bsky.feed.post/hot", "did:y", old)

	batch := &EventBatch{Posts: []domain.Post{stale, followed, engaged}, Counters: NewCounterDeltas()}
	batch.Counters.Likes[engaged.URI] = 3
	require.NoError(t, st.ApplyEventBatch(ctx, batch))
	require.NoError(t, st.UpsertFollows(ctx, "did:u", []string{"did:f"}))

	deleted, err := st.DeleteStalePosts(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	gone, err := st.GetPost(ctx, stale.URI)
	require.NoError(t, err)
	require.Nil(t, gone)
	kept, err := st.GetPost(ctx, followed.URI)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
