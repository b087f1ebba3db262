package feedback

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/fatigue"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/taste"
)

type fakeLikers struct {
	likers []string
}

func (f *fakeLikers) GetPostLikers(_ context.Context, _ string, _ int) []string {
	return f.likers
}

func setup(t *testing.T, likers []string, restricted []string) (*Engine, *store.Store, *taste.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := &fakeLikers{likers: likers}
	tasteEngine := taste.NewEngine(st, src, logger)
	fatigueEngine := fatigue.NewEngine(st, logger)
	engine := NewEngine(st, tasteEngine, fatigueEngine, src, restricted, logger)
	return engine, st, tasteEngine
}

func seedPost(t *testing.T, st *store.Store, uri, author, text string) {
	t.Helper()
	batch := &store.EventBatch{
		Posts: []domain.Post{{
			URI: uri, CID: "bafy1", IndexedAt: time.Now().UTC(), Author: author, Text: text,
		}},
		Counters: store.NewCounterDeltas(),
	}
	require.NoError(t, st.ApplyEventBatch(context.Background(), batch))
}

func TestStrongLessPropagates(t *testing.T) {
	engine, st, tasteEngine := setup(t, []string{"did:x", "did:y"}, nil)
	ctx := context.Background()
	uri := "at://did:a/app.bsky.feed.post/p1"
	seedPost(t, st, uri, "did:a", "quantum gardening tips")

	// Give X and Y a known reputation first so the 0.1 multiplier is
	// observable.
	require.NoError(t, tasteEngine.UpdateReputation(ctx, "did:u", "did:x", taste.ActionAgreement))
	require.NoError(t, tasteEngine.UpdateReputation(ctx, "did:u", "did:y", taste.ActionAgreement))

	require.NoError(t, engine.Apply(ctx, "did:u", uri, false, true))

	row, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.InDelta(t, 60.0, row.FatigueScore, 1e-9)
	require.InDelta(t, 0.1, row.AffinityScore, 1e-9, "1.0 - 5.0 clamped to the floor")

	repX, err := st.GetTasteReputation(ctx, "did:u", "did:x")
	require.NoError(t, err)
	require.InDelta(t, 0.12, repX.ReputationScore, 1e-9, "1.2 * 0.1")
	repY, err := st.GetTasteReputation(ctx, "did:u", "did:y")
	require.NoError(t, err)
	require.InDelta(t, 0.12, repY.ReputationScore, 1e-9)
}

func TestKeywordAdjustment(t *testing.T) {
	engine, st, _ := setup(t, nil, []string{"politics"})
	ctx := context.Background()
	uri := "at://did:a/app.bsky.feed.post/p2"
	seedPost(t, st, uri, "did:a", "Politics and gardening, the art of soil")

	require.NoError(t, engine.Apply(ctx, "did:u", uri, true, true))

	scores, err := st.KeywordsByUser(ctx, "did:u")
	require.NoError(t, err)
	require.InDelta(t, 0.15, scores["gardening"], 1e-9)
	require.InDelta(t, 0.15, scores["soil"], 1e-9)
	require.NotContains(t, scores, "politics", "restricted keywords are skipped")
	require.NotContains(t, scores, "the", "short words are skipped")
	require.NotContains(t, scores, "art", "short words are skipped")
}

func TestUnknownPostIsIgnored(t *testing.T) {
	engine, _, _ := setup(t, []string{"did:x"}, nil)
	require.NoError(t, engine.Apply(context.Background(), "did:u", "at://nope", false, true))
}
