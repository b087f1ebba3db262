package keywords

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/store"
)

func TestParabolicDecay(t *testing.T) {
	// Weak scores barely decay; saturated scores decay by the full 15%.
	require.InDelta(t, 0.97, parabolicDecay(0), 1e-9)
	require.InDelta(t, 0.85, parabolicDecay(1.0), 1e-9)
	require.InDelta(t, 0.85, parabolicDecay(-1.0), 1e-9)

	mid := parabolicDecay(0.5)
	factor := 1 - (1-0.5)*(1-0.5)
	require.InDelta(t, 1-(0.03+0.12*factor), mid, 1e-9)
}

func TestMergeScores(t *testing.T) {
	existing := map[string]float64{
		"gardening": 0.5,
		"fading":    0.12,
	}
	fresh := []Extraction{
		{Keyword: "gardening", Score: 0.3},
		{Keyword: "pottery", Score: 0.4},
	}

	merged := MergeScores(existing, fresh)

	require.InDelta(t, 0.5*parabolicDecay(0.5)+0.3, merged["gardening"], 1e-9)
	require.InDelta(t, 0.4, merged["pottery"], 1e-9)
	// Unseen keywords only decay.
	require.InDelta(t, 0.12*parabolicDecay(0.12), merged["fading"], 1e-9)
}

func TestMergeScoresClamps(t *testing.T) {
	merged := MergeScores(map[string]float64{"hot": 0.9}, []Extraction{{Keyword: "hot", Score: 0.9}})
	require.InDelta(t, 1.0, merged["hot"], 1e-9)
	require.LessOrEqual(t, math.Abs(merged["hot"]), 1.0)
}

type fakeExtractor struct {
	out []Extraction
}

func (f *fakeExtractor) Extract(_ context.Context, _, _ []string) ([]Extraction, error) {
	return f.out, nil
}

func TestRebuildForUserPrunes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	// One liked post with text so the rebuild has a corpus.
	uri := "at://did:a/app.bsky.feed.post/p1"
	batch := &store.EventBatch{
		Posts: []domain.Post{{
			URI: uri, CID: "c", IndexedAt: time.Now().UTC(), Author: "did:a",
			Text: "long discussions about fermentation",
		}},
		Counters: store.NewCounterDeltas(),
	}
	batch.Interactions = []domain.Interaction{{
		Actor: "did:u", Target: uri, Type: domain.InteractionLike, Weight: 1,
		IndexedAt: time.Now().UTC(),
	}}
	require.NoError(t, st.ApplyEventBatch(ctx, batch))

	// Pre-existing weak keyword decays under the prune threshold.
	require.NoError(t, st.UpsertKeyword(ctx, "did:u", "stale", 0.1))

	engine := NewEngine(st, &fakeExtractor{out: []Extraction{{Keyword: "fermentation", Score: 0.6}}}, logger)
	require.NoError(t, engine.RebuildForUser(ctx, "did:u"))

	scores, err := st.KeywordsByUser(ctx, "did:u")
	require.NoError(t, err)
	require.InDelta(t, 0.6, scores["fermentation"], 1e-9)
	require.NotContains(t, scores, "stale")
}

func TestParseExtractions(t *testing.T) {
	out, err := parseExtractions(bytes.NewBufferString("Gardening\t0.8\nbroken line\nsoil \t -0.2\n"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, Extraction{Keyword: "gardening", Score: 0.8}, out[0])
	require.Equal(t, Extraction{Keyword: "soil", Score: -0.2}, out[1])
}
