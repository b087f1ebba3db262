package fatigue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	fatigueFloor  = -100.0
	fatigueCap    = 100.0
	affinityFloor = 0.1
	affinityCap   = 10.0

	// Passive affinity cooling applied on every serve.
	serveAffinityCooling = 0.05

	// Fatigue recovery when an author has not been served for a while.
	recoveryFactor48h = 0.7  // 30% recovery
	recoveryFactor24h = 0.85 // 15% recovery

	// Re-engagement bonus multiplier when the first interaction in 72h+.
	reengageWindow = 72 * time.Hour
	reengageFactor = 1.5
)

// interactionEffect is how much one interaction cools fatigue and warms
// affinity.
type interactionEffect struct {
	fatigue  float64
	affinity float64
}

var interactionEffects = map[domain.InteractionType]interactionEffect{
	domain.InteractionLike:   {fatigue: -25, affinity: +0.8},
	domain.InteractionRepost: {fatigue: -30, affinity: +1.2},
	domain.InteractionReply:  {fatigue: -20, affinity: +0.5},
}

// Engine maintains per-(user, author) fatigue and affinity state.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a fatigue engine.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: time.Now}
}

// SetNow overrides the clock for tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

func (e *Engine) load(ctx context.Context, userDid, authorDid string) (*store.AuthorFatigue, error) {
	row, err := e.store.GetAuthorFatigue(ctx, userDid, authorDid)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &store.AuthorFatigue{
			UserDid:       userDid,
			AuthorDid:     authorDid,
			AffinityScore: 1.0,
		}
	}
	return row, nil
}

// OnServe records that a post by authorDid was placed in userDid's feed.
// Repeat serves accumulate fatigue faster; long gaps recover it.
func (e *Engine) OnServe(ctx context.Context, userDid, authorDid string) error {
	row, err := e.load(ctx, userDid, authorDid)
	if err != nil {
		return fmt.Errorf("load fatigue: %w", err)
	}
	now := e.now().UTC()

	if !row.LastServedAt.IsZero() {
		idle := now.Sub(row.LastServedAt)
		switch {
		case idle >= 48*time.Hour:
			row.FatigueScore *= recoveryFactor48h
		case idle >= 24*time.Hour:
			row.FatigueScore *= recoveryFactor24h
		}
	}

	row.ServeCount++
	switch {
	case row.ServeCount < 5:
		row.FatigueScore += 3
	case row.ServeCount < 15:
		row.FatigueScore += 5
	default:
		row.FatigueScore += 8
	}
	row.AffinityScore -= serveAffinityCooling

	row.LastServedAt = now
	row.UpdatedAt = now
	clampRow(row)
	return e.store.PutAuthorFatigue(ctx, row)
}

// OnInteraction cools fatigue and warms affinity when the user engages with
// the author. The first interaction after a long gap counts extra.
func (e *Engine) OnInteraction(ctx context.Context, userDid, authorDid string, typ domain.InteractionType) error {
	effect, ok := interactionEffects[typ]
	if !ok {
		return nil
	}
	row, err := e.load(ctx, userDid, authorDid)
	if err != nil {
		return fmt.Errorf("load fatigue: %w", err)
	}
	now := e.now().UTC()

	factor := 1.0
	if row.LastInteractionAt.IsZero() || now.Sub(row.LastInteractionAt) >= reengageWindow {
		factor = reengageFactor
	}

	row.FatigueScore += effect.fatigue * factor
	row.AffinityScore += effect.affinity * factor
	row.InteractionWeight += float64(typ.Weight())
	row.InteractionCount++
	row.LastInteractionAt = now
	row.UpdatedAt = now
	clampRow(row)
	return e.store.PutAuthorFatigue(ctx, row)
}

// OnSeen applies the small passive affinity decay fired when the client
// reports a post by this author as visible but not engaged.
func (e *Engine) OnSeen(ctx context.Context, userDid, authorDid string) error {
	row, err := e.load(ctx, userDid, authorDid)
	if err != nil {
		return fmt.Errorf("load fatigue: %w", err)
	}
	row.AffinityScore -= 0.02
	row.UpdatedAt = e.now().UTC()
	clampRow(row)
	return e.store.PutAuthorFatigue(ctx, row)
}

// ApplyExplicit shifts fatigue and affinity for explicit more/less feedback.
// Positive direction means "more".
func (e *Engine) ApplyExplicit(ctx context.Context, userDid, authorDid string, more, strong bool) error {
	row, err := e.load(ctx, userDid, authorDid)
	if err != nil {
		return fmt.Errorf("load fatigue: %w", err)
	}
	affinityDelta := 1.0
	fatigueDelta := 20.0
	if strong {
		affinityDelta = 5.0
		fatigueDelta = 60.0
	}
	if more {
		row.AffinityScore += affinityDelta
		row.FatigueScore -= fatigueDelta
	} else {
		row.AffinityScore -= affinityDelta
		row.FatigueScore += fatigueDelta
	}
	row.UpdatedAt = e.now().UTC()
	clampRow(row)
	return e.store.PutAuthorFatigue(ctx, row)
}

func clampRow(row *store.AuthorFatigue) {
	if row.FatigueScore < fatigueFloor {
		row.FatigueScore = fatigueFloor
	}
	if row.FatigueScore > fatigueCap {
		row.FatigueScore = fatigueCap
	}
	if row.AffinityScore < affinityFloor {
		row.AffinityScore = affinityFloor
	}
	if row.AffinityScore > affinityCap {
		row.AffinityScore = affinityCap
	}
}
