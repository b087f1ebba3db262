package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/ranking"
	"github.com/Mattis142/feed-generator/internal/store"
)

type fakeSocial struct{}

func (fakeSocial) GetAllFollows(context.Context, string, int) ([]bluesky.Profile, error) {
	return nil, nil
}
func (fakeSocial) GetFollows(context.Context, string, string, int) (*bluesky.FollowsPage, error) {
	return &bluesky.FollowsPage{}, nil
}
func (fakeSocial) GetProfile(context.Context, string) (*bluesky.Profile, error) {
	return &bluesky.Profile{}, nil
}
func (fakeSocial) GetPostLikers(context.Context, string, int) []string { return nil }

type fakeFatigue struct {
	mu     sync.Mutex
	served []string
}

func (f *fakeFatigue) OnServe(_ context.Context, _, authorDid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served = append(f.served, authorDid)
	return nil
}

type triggerSpy struct {
	mu    sync.Mutex
	calls []bool
}

func (s *triggerSpy) trigger(_ string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, force)
}

func (s *triggerSpy) forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.calls {
		if f {
			return true
		}
	}
	return false
}

type fixture struct {
	st     *store.Store
	fusion *Fusion
	spy    *triggerSpy
	fat    *fakeFatigue
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	graphSvc := graph.NewService(st, fakeSocial{}, logger)
	ranker := ranking.NewRanker(st, graphSvc, logger)
	// Candidate batches are cut off by the wall clock in the store, so the
	// fixture clock must be the real one.
	now := time.Now().UTC()
	ranker.SetNow(func() time.Time { return now })

	spy := &triggerSpy{}
	fat := &fakeFatigue{}
	fusion := NewFusion(st, ranker, graphSvc, fat, spy.trigger, logger)
	fusion.SetNow(func() time.Time { return now })
	return &fixture{st: st, fusion: fusion, spy: spy, fat: fat, now: now}
}

// seedBatch inserts n batch candidates with posts behind them, authors cycled
// so diversity keeps the pool intact.
func (f *fixture) seedBatch(t *testing.T, n int, generatedAt time.Time) []string {
	t.Helper()
	ctx := context.Background()
	var posts []domain.Post
	var rows []store.CandidateBatchRow
	uris := make([]string, 0, n)
	for i := 0; i < n; i++ {
		author := fmt.Sprintf("did:author%d", i%7)
		uri := fmt.Sprintf("at://%s/app.bsky.feed.post/p%03d", author, i)
		uris = append(uris, uri)
		posts = append(posts, domain.Post{
			URI: uri, CID: "c", IndexedAt: f.now.Add(-time.Duration(i+1) * time.Minute),
			Author: author, Text: "candidate text",
		})
		rows = append(rows, store.CandidateBatchRow{
			UserDid:       "did:u",
			URI:           uri,
			SemanticScore: 0.9 - float64(i)*0.0005,
			PipelineScore: 500,
			CentroidID:    1,
			BatchID:       "aabbccdd",
			GeneratedAt:   generatedAt,
		})
	}
	require.NoError(t, f.st.ApplyEventBatch(ctx, &store.EventBatch{Posts: posts, Counters: store.NewCounterDeltas()}))
	require.NoError(t, f.st.InsertCandidateBatch(ctx, rows))
	return uris
}

func TestBuildFeedServesBatch(t *testing.T) {
	f := newFixture(t)
	f.seedBatch(t, 30, f.now.Add(-time.Hour))

	skeleton, err := f.fusion.BuildFeed(context.Background(), "did:u", 10, "")
	require.NoError(t, err)
	require.Len(t, skeleton.Posts, 10)
	require.NotEmpty(t, skeleton.Cursor)

	// Served log and fatigue writes are async; wait for them.
	require.Eventually(t, func() bool {
		served, err := f.st.ServedURIs(context.Background(), "did:u", f.now.Add(-time.Hour))
		return err == nil && len(served) == 10
	}, 2*time.Second, 10*time.Millisecond, "every returned URI lands in the served log")
}

func TestBuildFeedPaginationDisjoint(t *testing.T) {
	f := newFixture(t)
	f.seedBatch(t, 40, f.now.Add(-time.Hour))
	ctx := context.Background()

	page1, err := f.fusion.BuildFeed(ctx, "did:u", 15, "")
	require.NoError(t, err)
	require.NotEmpty(t, page1.Cursor)
	page2, err := f.fusion.BuildFeed(ctx, "did:u", 15, page1.Cursor)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, p := range append(page1.Posts, page2.Posts...) {
		require.False(t, seen[p.Post], "pages overlap on %s", p.Post)
		seen[p.Post] = true
	}
}

func TestInteractedCandidatesDropped(t *testing.T) {
	f := newFixture(t)
	uris := f.seedBatch(t, 25, f.now.Add(-time.Hour))
	ctx := context.Background()

	require.NoError(t, f.st.InsertInteraction(ctx, domain.Interaction{
		Actor: "did:u", Target: uris[0], Type: domain.InteractionLike, Weight: 1, IndexedAt: f.now,
	}))

	skeleton, err := f.fusion.BuildFeed(ctx, "did:u", 100, "")
	require.NoError(t, err)
	for _, p := range skeleton.Posts {
		require.NotEqual(t, uris[0], p.Post)
	}
}

func TestSeenCutoffDropsCandidate(t *testing.T) {
	f := newFixture(t)
	uris := f.seedBatch(t, 25, f.now.Add(-time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.st.RecordSeen(ctx, "did:u", uris[1]))
	}

	skeleton, err := f.fusion.BuildFeed(ctx, "did:u", 100, "")
	require.NoError(t, err)
	for _, p := range skeleton.Posts {
		require.NotEqual(t, uris[1], p.Post, "three confirmed views hard-cut the candidate")
	}
}

func TestConsumptionTriggersPriorityRegenerate(t *testing.T) {
	f := newFixture(t)
	uris := f.seedBatch(t, 100, f.now.Add(-time.Hour))
	ctx := context.Background()

	for _, uri := range uris[:50] {
		require.NoError(t, f.st.RecordSeen(ctx, "did:u", uri))
	}

	_, err := f.fusion.BuildFeed(ctx, "did:u", 10, "")
	require.NoError(t, err)
	require.True(t, f.spy.forced(), "half-consumed batch fires a forcePriority regenerate")
}

func TestNoTriggerBelowConsumptionThreshold(t *testing.T) {
	f := newFixture(t)
	uris := f.seedBatch(t, 100, f.now.Add(-time.Hour))
	ctx := context.Background()

	for _, uri := range uris[:20] {
		require.NoError(t, f.st.RecordSeen(ctx, "did:u", uri))
	}

	_, err := f.fusion.BuildFeed(ctx, "did:u", 10, "")
	require.NoError(t, err)
	require.False(t, f.spy.forced())
}

func TestImpactMultiplierFadesOldBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two candidates, same scores, one from a fresh batch and one from a
	// batch near the TTL edge.
	posts := []domain.Post{
		{URI: "at://did:a/app.bsky.feed.post/fresh", CID: "c", IndexedAt: f.now.Add(-time.Hour), Author: "did:a", Text: "x"},
		{URI: "at://did:b/app.bsky.feed.post/old", CID: "c", IndexedAt: f.now.Add(-time.Hour), Author: "did:b", Text: "x"},
	}
	require.NoError(t, f.st.ApplyEventBatch(ctx, &store.EventBatch{Posts: posts, Counters: store.NewCounterDeltas()}))
	require.NoError(t, f.st.InsertCandidateBatch(ctx, []store.CandidateBatchRow{
		{UserDid: "did:u", URI: posts[0].URI, SemanticScore: 0.5, PipelineScore: 0, BatchID: "aaaa0001", GeneratedAt: f.now.Add(-time.Hour)},
		{UserDid: "did:u", URI: posts[1].URI, SemanticScore: 0.5, PipelineScore: 0, BatchID: "aaaa0002", GeneratedAt: f.now.Add(-11 * time.Hour)},
	}))

	skeleton, err := f.fusion.BuildFeed(ctx, "did:u", 10, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(skeleton.Posts), 2)
	require.Equal(t, posts[0].URI, skeleton.Posts[0].Post, "fresher batch outranks the stale one")
}
