package ranking

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/store"
)

// fakeSocial satisfies graph.SocialAPI; everything external is empty so
// tests exercise only indexed state.
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

type fixture struct {
	st     *store.Store
	ranker *Ranker
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	graphSvc := graph.NewService(st, fakeSocial{}, logger)
	ranker := NewRanker(st, graphSvc, logger)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	ranker.SetNow(func() time.Time { return now })
	return &fixture{st: st, ranker: ranker, now: now}
}

func (f *fixture) seedPosts(t *testing.T, posts ...domain.Post) {
	t.Helper()
	batch := &store.EventBatch{Posts: posts, Counters: store.NewCounterDeltas()}
	require.NoError(t, f.st.ApplyEventBatch(context.Background(), batch))
	for _, p := range posts {
		if p.LikeCount > 0 {
			deltas := store.NewCounterDeltas()
			deltas.Likes[p.URI] = p.LikeCount
			require.NoError(t, f.st.ApplyEventBatch(context.Background(), &store.EventBatch{Counters: deltas}))
		}
	}
}

func post(uri, author string, age time.Duration, likes int, now time.Time) domain.Post {
	return domain.Post{
		URI:       uri,
		CID:       "bafy",
		IndexedAt: now.Add(-age),
		Author:    author,
		Text:      "a post about something interesting",
		LikeCount: likes,
	}
}

func reply(uri, author, root, parent string, age time.Duration, likes int, now time.Time) domain.Post {
	p := post(uri, author, age, likes, now)
	p.ReplyRoot = root
	p.ReplyParent = parent
	return p
}

func TestAlreadyLikedNeverServed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a"}))

	liked := post("at://did:a/app.bsky.feed.post/liked", "did:a", time.Hour, 50, f.now)
	fresh := post("at://did:a/app.bsky.feed.post/fresh", "did:a", time.Hour, 5, f.now)
	f.seedPosts(t, liked, fresh)
	require.NoError(t, f.st.InsertInteraction(ctx, domain.Interaction{
		Actor: "did:u", Target: liked.URI, Type: domain.InteractionLike, Weight: 1,
		IndexedAt: f.now,
	}))

	result, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 50})
	require.NoError(t, err)

	uris := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		uris = append(uris, item.Post.URI)
	}
	require.NotContains(t, uris, liked.URI)
	require.Contains(t, uris, fresh.URI)
}

func TestSeenMultiplierQuartersScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a"}))
	p := post("at://did:a/app.bsky.feed.post/p", "did:a", 2*time.Hour, 10, f.now)
	f.seedPosts(t, p)

	result, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	baseline := result.Items[0].Score

	require.NoError(t, f.st.RecordSeen(ctx, "did:u", p.URI))
	require.NoError(t, f.st.RecordSeen(ctx, "did:u", p.URI))

	result, err = f.ranker.Rank(ctx, "did:u", Params{Limit: 10})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.InDelta(t, baseline*0.25, result.Items[0].Score, 1e-6)

	// Batch mode ignores seen fatigue.
	batch, err := f.ranker.Rank(ctx, "did:u", Params{BatchMode: true})
	require.NoError(t, err)
	require.Len(t, batch.Items, 1)
	require.InDelta(t, baseline, batch.Items[0].Score, 1e-6)
}

func TestSeenScoresStrictlyDecrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a"}))
	p := post("at://did:a/app.bsky.feed.post/p", "did:a", 2*time.Hour, 10, f.now)
	f.seedPosts(t, p)

	var last float64
	for round := 0; round < 3; round++ {
		result, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 10})
		require.NoError(t, err)
		require.Len(t, result.Items, 1)
		if round > 0 {
			require.Less(t, result.Items[0].Score, last)
		}
		last = result.Items[0].Score
		require.NoError(t, f.st.RecordSeen(ctx, "did:u", p.URI))
	}
}

func TestLargeConversationKeepsOnlyBestReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a", "did:b", "did:c", "did:d"}))

	root := "at://did:z/app.bsky.feed.post/root"
	r1 := reply("at://did:a/app.bsky.feed.post/r1", "did:a", root, root, 3*time.Hour, 2, f.now)
	r2 := reply("at://did:b/app.bsky.feed.post/r2", "did:b", root, root, 3*time.Hour, 30, f.now)
	r3 := reply("at://did:c/app.bsky.feed.post/r3", "did:c", root, root, 3*time.Hour, 5, f.now)
	r4 := reply("at://did:d/app.bsky.feed.post/r4", "did:d", root, root, 3*time.Hour, 0, f.now)
	f.seedPosts(t, r1, r2, r3, r4)

	result, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 50})
	require.NoError(t, err)

	var fromThread []string
	for _, item := range result.Items {
		if item.Post.ReplyRoot == root {
			fromThread = append(fromThread, item.Post.URI)
		}
	}
	require.Equal(t, []string{r2.URI}, fromThread,
		"only the highest-scoring reply of a large multi-person conversation survives")
}

func TestDiversityNoThreeConsecutiveAuthors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a", "did:b", "did:c"}))

	var posts []domain.Post
	for i := 0; i < 4; i++ {
		for _, author := range []string{"did:a", "did:b", "did:c"} {
			posts = append(posts, post(
				"at://"+author+"/app.bsky.feed.post/x"+string(rune('0'+i)), author,
				time.Duration(i+1)*time.Hour, 10+i, f.now))
		}
	}
	f.seedPosts(t, posts...)

	result, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 50})
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)

	for i := 2; i < len(result.Items); i++ {
		a := result.Items[i].Post.Author
		require.False(t,
			a == result.Items[i-1].Post.Author && a == result.Items[i-2].Post.Author,
			"three consecutive posts by %s at position %d", a, i)
	}
}

func TestPaginationIsStableAndDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a", "did:b", "did:c"}))

	authors := []string{"did:a", "did:b", "did:c"}
	var posts []domain.Post
	for i := 0; i < 24; i++ {
		author := authors[i%3]
		posts = append(posts, post(
			"at://"+author+"/app.bsky.feed.post/p"+string(rune('a'+i%26))+string(rune('a'+i/26)),
			author, time.Duration(i+1)*30*time.Minute, i%7, f.now))
	}
	f.seedPosts(t, posts...)

	full, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 20})
	require.NoError(t, err)

	page1, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, page1.Cursor)
	page2, err := f.ranker.Rank(ctx, "did:u", Params{Limit: 10, Cursor: page1.Cursor})
	require.NoError(t, err)

	var combined []string
	seen := make(map[string]bool)
	for _, item := range append(page1.Items, page2.Items...) {
		require.False(t, seen[item.Post.URI], "pages must be disjoint")
		seen[item.Post.URI] = true
		combined = append(combined, item.Post.URI)
	}

	var expected []string
	for _, item := range full.Items {
		expected = append(expected, item.Post.URI)
	}
	require.Equal(t, expected[:len(combined)], combined)
}

func TestBatchModeReturnsSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertFollows(ctx, "did:u", []string{"did:a"}))
	f.seedPosts(t, post("at://did:a/app.bsky.feed.post/p", "did:a", time.Hour, 4, f.now))

	result, err := f.ranker.Rank(ctx, "did:u", Params{BatchMode: true})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Empty(t, result.Cursor, "batch mode is unpaginated")
	require.Contains(t, result.Items[0].Signals, "recency")
	require.Contains(t, result.Items[0].Signals, "tier")
	require.NotEmpty(t, result.Items[0].Post.Text, "raw post rows ride along in batch mode")
}
