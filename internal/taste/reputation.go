package taste

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Mattis142/feed-generator/internal/store"
)

// Action is a reputation-affecting observation about a taste twin.
type Action string

const (
	ActionAgreement    Action = "agreement"
	ActionDisagreement Action = "disagreement"
	ActionExplicitMore Action = "explicit_more"
	ActionExplicitLess Action = "explicit_less"
	ActionServedLiked  Action = "served_liked"
	ActionServedIgnore Action = "served_ignored"
)

const (
	// Reputation hard bounds.
	reputationFloor = 0.001
	reputationCap   = 5.0

	// A fresh agreement row starts above neutral so one co-like already
	// registers as a weak twin signal.
	initialAgreementScore = 1.2
	initialScore          = 1.0

	defaultDecayRate = 0.95
	decayRateFloor   = 0.5
	decayRateCap     = 0.999

	// ExternalLikerCap bounds how many external likers seed reputation per
	// like event.
	ExternalLikerCap = 100

	lockShards = 64
)

type actionRule struct {
	multiplier float64
	bound      float64 // cap for boosts, floor for cuts
	isCap      bool
	decayNudge float64 // added to decayRate, clamped
	history    float64
}

var actionRules = map[Action]actionRule{
	ActionAgreement:    {multiplier: 1.15, bound: 3.0, isCap: true, decayNudge: +0.005, history: +1},
	ActionDisagreement: {multiplier: 0.85, bound: 0.1, isCap: false, decayNudge: -0.01, history: -1},
	ActionExplicitMore: {multiplier: 1.6, bound: 5.0, isCap: true, decayNudge: +0.01, history: +2},
	ActionExplicitLess: {multiplier: 0.1, bound: 0.001, isCap: false, decayNudge: -0.02, history: -2},
	ActionServedLiked:  {multiplier: 1.05, bound: 5.0, isCap: true},
	ActionServedIgnore: {multiplier: 0.95, bound: 0.001, isCap: false},
}

// LikerSource fetches the actors who liked a post from the outside world.
type LikerSource interface {
	GetPostLikers(ctx context.Context, postURI string, limit int) []string
}

// Engine maintains taste-similarity edges and decaying twin reputations.
// Reputation updates for a (user, twin) pair are serialized through a sharded
// mutex map so concurrent likes cannot compound a lost update.
type Engine struct {
	store  *store.Store
	likers LikerSource
	logger *slog.Logger
	now    func() time.Time

	locks [lockShards]sync.Mutex
}

// NewEngine creates a taste engine.
func NewEngine(st *store.Store, likers LikerSource, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		likers: likers,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow overrides the clock for tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

// OnLike processes a like by userDid of the post at subjectURI. Tracked
// co-likers bump similarity edges; external likers bootstrap twin discovery
// outside the follow graph.
func (e *Engine) OnLike(ctx context.Context, userDid, subjectURI string) error {
	coLikers, err := e.store.LikersOf(ctx, subjectURI)
	if err != nil {
		return fmt.Errorf("load co-likers: %w", err)
	}
	for _, other := range coLikers {
		if other == userDid {
			continue
		}
		if err := e.store.BumpTasteSimilarity(ctx, userDid, other); err != nil {
			e.logger.Warn("taste similarity bump failed", "user", userDid, "similar", other, "error", err)
			continue
		}
		if err := e.UpdateReputation(ctx, userDid, other, ActionAgreement); err != nil {
			e.logger.Warn("reputation update failed", "user", userDid, "similar", other, "error", err)
		}
	}

	external := e.likers.GetPostLikers(ctx, subjectURI, ExternalLikerCap)
	for _, other := range external {
		if other == userDid || other == "" {
			continue
		}
		if err := e.UpdateReputation(ctx, userDid, other, ActionAgreement); err != nil {
			e.logger.Warn("reputation update failed", "user", userDid, "similar", other, "error", err)
		}
	}
	return nil
}

// UpdateReputation applies time decay and then the action's multiplier to the
// (userDid, similarDid) reputation row, creating it if needed.
func (e *Engine) UpdateReputation(ctx context.Context, userDid, similarDid string, action Action) error {
	rule, ok := actionRules[action]
	if !ok {
		return fmt.Errorf("unknown reputation action %q", action)
	}

	lock := e.lockFor(userDid, similarDid)
	lock.Lock()
	defer lock.Unlock()

	now := e.now().UTC()
	row, err := e.store.GetTasteReputation(ctx, userDid, similarDid)
	if err != nil {
		return err
	}
	if row == nil {
		score := initialScore
		if action == ActionAgreement {
			score = initialAgreementScore
		} else {
			score = clampScore(applyRule(score, rule))
		}
		return e.store.PutTasteReputation(ctx, &store.TasteReputation{
			UserDid:          userDid,
			SimilarUserDid:   similarDid,
			ReputationScore:  clampScore(score),
			AgreementHistory: rule.history,
			LastSeenAt:       now,
			DecayRate:        clampDecay(defaultDecayRate + rule.decayNudge),
			UpdatedAt:        now,
		})
	}

	// Decay is idempotent over updatedAt; apply it before the multiplier.
	hours := now.Sub(row.UpdatedAt).Hours()
	if hours > 0 {
		row.ReputationScore *= math.Pow(row.DecayRate, hours/24)
	}

	row.ReputationScore = clampScore(applyRule(row.ReputationScore, rule))
	row.AgreementHistory = row.AgreementHistory*0.95 + rule.history
	row.DecayRate = clampDecay(row.DecayRate + rule.decayNudge)
	row.LastSeenAt = now
	row.UpdatedAt = now
	return e.store.PutTasteReputation(ctx, row)
}

func applyRule(score float64, rule actionRule) float64 {
	score *= rule.multiplier
	if rule.isCap && score > rule.bound {
		return rule.bound
	}
	if !rule.isCap && score < rule.bound {
		return rule.bound
	}
	return score
}

func clampScore(score float64) float64 {
	if score < reputationFloor {
		return reputationFloor
	}
	if score > reputationCap {
		return reputationCap
	}
	return score
}

func clampDecay(rate float64) float64 {
	if rate < decayRateFloor {
		return decayRateFloor
	}
	if rate > decayRateCap {
		return decayRateCap
	}
	return rate
}

func (e *Engine) lockFor(userDid, similarDid string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userDid))
	h.Write([]byte{0})
	h.Write([]byte(similarDid))
	return &e.locks[h.Sum32()%lockShards]
}
