package taste

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mattis142/feed-generator/internal/store"
)

type fakeLikers struct {
	likers []string
}

func (f *fakeLikers) GetPostLikers(_ context.Context, _ string, _ int) []string {
	return f.likers
}

func testEngine(t *testing.T, likers []string) (*Engine, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, &fakeLikers{likers: likers}, logger), st
}

func TestOnLikeBootstrapsExternalTwins(t *testing.T) {
	engine, st := testEngine(t, []string{"did:x", "did:y", "did:u0"})
	ctx := context.Background()

	require.NoError(t, engine.OnLike(ctx, "did:u0", "at://did:a/app.bsky.feed.post/p"))

	repX, err := st.GetTasteReputation(ctx, "did:u0", "did:x")
	require.NoError(t, err)
	require.NotNil(t, repX)
	require.InDelta(t, 1.2, repX.ReputationScore, 1e-9)

	repY, err := st.GetTasteReputation(ctx, "did:u0", "did:y")
	require.NoError(t, err)
	require.NotNil(t, repY)
	require.InDelta(t, 1.2, repY.ReputationScore, 1e-9)

	// The liker list includes the user themselves; no self-reputation row.
	self, err := st.GetTasteReputation(ctx, "did:u0", "did:u0")
	require.NoError(t, err)
	require.Nil(t, self)
}

func TestAgreementCapsAtThree(t *testing.T) {
	engine, st := testEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionAgreement))
	}
	rep, err := st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	require.InDelta(t, 3.0, rep.ReputationScore, 1e-9)
}

func TestExplicitLessFloors(t *testing.T) {
	engine, st := testEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionAgreement))
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitLess))
	rep, err := st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	require.InDelta(t, 0.12, rep.ReputationScore, 1e-9, "1.2 * 0.1")

	// 0.12 -> 0.012 -> 0.0012 -> 0.00012, which the floor lifts to 0.001.
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitLess))
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitLess))
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitLess))
	rep, err = st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	require.InDelta(t, 0.001, rep.ReputationScore, 1e-9, "hard floor")
}

func TestDecayAppliedBeforeMultiplier(t *testing.T) {
	engine, st := testEngine(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	engine.SetNow(func() time.Time { return base })
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionAgreement))

	// 48 hours later the score has decayed two daily steps before the next
	// agreement multiplies it.
	engine.SetNow(func() time.Time { return base.Add(48 * time.Hour) })
	require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionAgreement))

	rep, err := st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	// decayRate after the first agreement is 0.955.
	expected := 1.2 * 0.955 * 0.955 * 1.15
	require.InDelta(t, expected, rep.ReputationScore, 1e-9)
}

func TestReputationStaysInBounds(t *testing.T) {
	engine, st := testEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitMore))
	}
	rep, err := st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	require.LessOrEqual(t, rep.ReputationScore, 5.0)

	for i := 0; i < 30; i++ {
		require.NoError(t, engine.UpdateReputation(ctx, "did:u", "did:v", ActionExplicitLess))
	}
	rep, err = st.GetTasteReputation(ctx, "did:u", "did:v")
	require.NoError(t, err)
	require.GreaterOrEqual(t, rep.ReputationScore, 0.001)
}
