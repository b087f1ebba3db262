package semantic

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/ranking"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/vectorindex"
)

// fakeIndex is an in-memory cosine store.
type fakeIndex struct {
	collections map[string]map[uint64]vectorindex.Point
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{collections: map[string]map[uint64]vectorindex.Point{}}
}

func (f *fakeIndex) col(name string) map[uint64]vectorindex.Point {
	if f.collections[name] == nil {
		f.collections[name] = map[uint64]vectorindex.Point{}
	}
	return f.collections[name]
}

func (f *fakeIndex) EnsureCollections(context.Context) error { return nil }

func (f *fakeIndex) Upsert(_ context.Context, collection string, points []vectorindex.Point) error {
	col := f.col(collection)
	for _, p := range points {
		col[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, collection string, vector []float32, limit int, threshold float32, field, value string) ([]vectorindex.ScoredPoint, error) {
	var out []vectorindex.ScoredPoint
	for _, p := range f.col(collection) {
		if p.Payload[field] != value {
			continue
		}
		score := cosine(vector, p.Vector)
		if score >= threshold {
			out = append(out, vectorindex.ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) Scroll(_ context.Context, collection, field, value string, withVectors bool) ([]vectorindex.StoredPoint, error) {
	var out []vectorindex.StoredPoint
	for _, p := range f.col(collection) {
		if p.Payload[field] != value {
			continue
		}
		sp := vectorindex.StoredPoint{ID: p.ID, Payload: p.Payload}
		if withVectors {
			sp.Vector = p.Vector
		}
		out = append(out, sp)
	}
	return out, nil
}

func (f *fakeIndex) DeletePoints(_ context.Context, collection string, ids []uint64) error {
	col := f.col(collection)
	for _, id := range ids {
		delete(col, id)
	}
	return nil
}

func (f *fakeIndex) DeleteByFilter(_ context.Context, collection, field, value string) error {
	col := f.col(collection)
	for id, p := range col {
		if p.Payload[field] == value {
			delete(col, id)
		}
	}
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// fakeEmbedder gives every text the same direction so everything clusters.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, inputs []EmbedInput) ([]EmbedOutput, error) {
	out := make([]EmbedOutput, 0, len(inputs))
	for _, in := range inputs {
		vec := make([]float32, vectorindex.VectorDim)
		vec[0] = 1
		vec[1] = float32(len(in.Text)%7) * 0.01
		out = append(out, EmbedOutput{URI: in.URI, Vector: vec})
	}
	return out, nil
}

type fakeClusterer struct{}

func (fakeClusterer) Cluster(_ context.Context, inputs []ClusterInput) ([]Centroid, error) {
	centroid := make([]float32, vectorindex.VectorDim)
	centroid[0] = 1
	return []Centroid{{ClusterID: 0, Centroid: centroid, Weight: 1.0, PostCount: len(inputs)}}, nil
}

type fakeHydrator struct{}

func (fakeHydrator) GetPosts(_ context.Context, uris []string) ([]bluesky.PostView, error) {
	out := make([]bluesky.PostView, 0, len(uris))
	for _, uri := range uris {
		out = append(out, bluesky.PostView{URI: uri, ImageURLs: []string{"https://img/" + uri}, AltTexts: []string{"alt"}})
	}
	return out, nil
}

func setupPipeline(t *testing.T) (*Pipeline, *store.Store, *fakeIndex, time.Time) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Candidate batches are cut off by the wall clock in the store, so the
	// fixture clock must be the real one.
	now := time.Now().UTC()
	graphSvc := graph.NewService(st, fakeSocial{}, logger)
	ranker := ranking.NewRanker(st, graphSvc, logger)
	ranker.SetNow(func() time.Time { return now })

	index := newFakeIndex()
	pipeline := NewPipeline(st, ranker, index, fakeEmbedder{}, fakeClusterer{}, fakeHydrator{}, logger)
	pipeline.SetNow(func() time.Time { return now })
	return pipeline, st, index, now
}

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

func seedWorld(t *testing.T, st *store.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertFollows(ctx, "did:u", []string{"did:a"}))

	var posts []domain.Post
	for _, p := range []struct {
		uri, author, text string
	}{
		{"at://did:a/app.bsky.feed.post/c1", "did:a", "a fresh post about synthesizers"},
		{"at://did:a/app.bsky.feed.post/c2", "did:a", "modular rigs and patch cables everywhere"},
		{"at://did:a/app.bsky.feed.post/l1", "did:a", "liked post one about synth patches"},
		{"at://did:a/app.bsky.feed.post/l2", "did:a", "liked post two about drum machines"},
		{"at://did:a/app.bsky.feed.post/l3", "did:a", "liked post three about sequencers"},
	} {
		posts = append(posts, domain.Post{
			URI: p.uri, CID: "c", IndexedAt: now.Add(-2 * time.Hour), Author: p.author, Text: p.text,
		})
	}
	batch := &store.EventBatch{Posts: posts, Counters: store.NewCounterDeltas()}
	for _, uri := range []string{"at://did:a/app.bsky.feed.post/l1", "at://did:a/app.bsky.feed.post/l2", "at://did:a/app.bsky.feed.post/l3"} {
		batch.Interactions = append(batch.Interactions, domain.Interaction{
			Actor: "did:u", Target: uri, Type: domain.InteractionLike, Weight: 1,
			IndexedAt: now.Add(-time.Hour),
		})
	}
	require.NoError(t, st.ApplyEventBatch(context.Background(), batch))
}

func TestRunForUserMaterializesBatch(t *testing.T) {
	pipeline, st, index, now := setupPipeline(t)
	seedWorld(t, st, now)
	ctx := context.Background()

	// A pre-embedded discovery point the live pipeline never recalled.
	stranger := vectorindex.Point{
		ID:     vectorindex.PostPointID("did:u", "at://did:stranger/app.bsky.feed.post/s1"),
		Vector: unitVector(),
		Payload: map[string]any{
			"uri": "at://did:stranger/app.bsky.feed.post/s1", "author": "did:stranger",
			"discoveredBy": "did:u",
		},
	}
	require.NoError(t, index.Upsert(ctx, vectorindex.CollectionPosts, []vectorindex.Point{stranger}))

	require.NoError(t, pipeline.RunForUser(ctx, "did:u"))

	rows, err := st.CandidateBatch(ctx, "did:u", BatchTTL)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	byURI := make(map[string]store.CandidateBatchRow)
	for _, row := range rows {
		require.Equal(t, "did:u", row.UserDid)
		require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), row.BatchID)
		byURI[row.URI] = row
	}

	// Liked posts never come back as candidates.
	require.NotContains(t, byURI, "at://did:a/app.bsky.feed.post/l1")

	// Live-pipeline candidates carry their pipeline score; discovery-only
	// hits get the sandbox baseline.
	c1 := byURI["at://did:a/app.bsky.feed.post/c1"]
	require.Greater(t, c1.PipelineScore, float64(discoveryPipelineScore))
	s1, ok := byURI["at://did:stranger/app.bsky.feed.post/s1"]
	require.True(t, ok)
	require.EqualValues(t, discoveryPipelineScore, s1.PipelineScore)

	// The profile collection holds the user's centroid.
	profiles, err := index.Scroll(ctx, vectorindex.CollectionProfiles, "userDid", "did:u", false)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestCooldownSkipsRuns(t *testing.T) {
	pipeline, st, _, now := setupPipeline(t)
	seedWorld(t, st, now)
	ctx := context.Background()

	require.NoError(t, pipeline.Run(ctx, []string{"did:u"}, false))
	first, err := st.CandidateBatch(ctx, "did:u", BatchTTL)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Remove the batch; a non-priority run inside the cooldown must not
	// recreate it.
	_, err = st.GCCandidateBatches(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, pipeline.Run(ctx, []string{"did:u"}, false))
	after, err := st.CandidateBatch(ctx, "did:u", BatchTTL)
	require.NoError(t, err)
	require.Empty(t, after)

	// A priority run bypasses the cooldown.
	require.NoError(t, pipeline.Run(ctx, []string{"did:u"}, true))
	after, err = st.CandidateBatch(ctx, "did:u", BatchTTL)
	require.NoError(t, err)
	require.NotEmpty(t, after)
}

func TestNewBatchIDShape(t *testing.T) {
	id := newBatchID(time.Now())
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), id)
}

func unitVector() []float32 {
	v := make([]float32, vectorindex.VectorDim)
	v[0] = 1
	return v
}
