package fatigue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, logger), st
}

func TestOnServeAccumulates(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.OnServe(ctx, "did:u", "did:a"))
	row, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.Equal(t, 1, row.ServeCount)
	require.InDelta(t, 3.0, row.FatigueScore, 1e-9)
	require.InDelta(t, 0.95, row.AffinityScore, 1e-9)

	// Serves 2-4 stay in the low band; 5+ moves to the middle band.
	for i := 0; i < 4; i++ {
		require.NoError(t, engine.OnServe(ctx, "did:u", "did:a"))
	}
	row, err = st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.Equal(t, 5, row.ServeCount)
	require.InDelta(t, 3*4+5, row.FatigueScore, 1e-9)
}

func TestServeRecoveryAfterIdle(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	engine.SetNow(func() time.Time { return base })
	for i := 0; i < 10; i++ {
		require.NoError(t, engine.OnServe(ctx, "did:u", "did:a"))
	}
	before, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)

	engine.SetNow(func() time.Time { return base.Add(49 * time.Hour) })
	require.NoError(t, engine.OnServe(ctx, "did:u", "did:a"))
	after, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.InDelta(t, before.FatigueScore*0.7+5, after.FatigueScore, 1e-9,
		"30%% recovery after 48h idle, then the serve increment")
}

func TestOnInteractionCoolsFatigue(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	engine.SetNow(func() time.Time { return base })

	// First interaction ever gets the re-engagement factor.
	require.NoError(t, engine.OnInteraction(ctx, "did:u", "did:a", domain.InteractionLike))
	row, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.InDelta(t, -25*1.5, row.FatigueScore, 1e-9)
	require.InDelta(t, 1.0+0.8*1.5, row.AffinityScore, 1e-9)

	// A second interaction shortly after is unboosted.
	engine.SetNow(func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, engine.OnInteraction(ctx, "did:u", "did:a", domain.InteractionRepost))
	row, err = st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.InDelta(t, -25*1.5-30, row.FatigueScore, 1e-9)
	require.Equal(t, 2, row.InteractionCount)
}

func TestClampsHold(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, engine.OnInteraction(ctx, "did:u", "did:a", domain.InteractionRepost))
	}
	row, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.GreaterOrEqual(t, row.FatigueScore, -100.0)
	require.LessOrEqual(t, row.AffinityScore, 10.0)

	for i := 0; i < 100; i++ {
		require.NoError(t, engine.OnServe(ctx, "did:u", "did:a"))
	}
	row, err = st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.LessOrEqual(t, row.FatigueScore, 100.0)
	require.GreaterOrEqual(t, row.AffinityScore, 0.1)
}

func TestApplyExplicitStrongLess(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	// Seed some affinity so the drop is visible against the floor.
	for i := 0; i < 8; i++ {
		require.NoError(t, engine.OnInteraction(ctx, "did:u", "did:a", domain.InteractionRepost))
	}
	before, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)

	require.NoError(t, engine.ApplyExplicit(ctx, "did:u", "did:a", false, true))
	after, err := st.GetAuthorFatigue(ctx, "did:u", "did:a")
	require.NoError(t, err)
	require.InDelta(t, before.AffinityScore-5.0, after.AffinityScore, 1e-9)
	require.InDelta(t, before.FatigueScore+60.0, after.FatigueScore, 1e-9)
}
