package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	// pruneThreshold drops keywords whose score has decayed into noise.
	pruneThreshold = 0.1

	likedCorpusWindow = 30 * 24 * time.Hour
	likedCorpusCap    = 500
	backgroundSize    = 1000
)

// Engine periodically rebuilds per-user keyword profiles from liked-post
// corpora scored against a random background corpus.
type Engine struct {
	store     *store.Store
	extractor Extractor
	logger    *slog.Logger
}

// NewEngine creates a keyword engine.
func NewEngine(st *store.Store, extractor Extractor, logger *slog.Logger) *Engine {
	return &Engine{store: st, extractor: extractor, logger: logger}
}

// RebuildForUser refreshes one user's keyword profile. Existing scores decay
// parabolically, fresh extractions are added on top, and entries below the
// prune threshold are dropped.
func (e *Engine) RebuildForUser(ctx context.Context, userDid string) error {
	likedURIs, err := e.store.RecentLikeTargets(ctx, userDid, time.Now().Add(-likedCorpusWindow), likedCorpusCap)
	if err != nil {
		return fmt.Errorf("load liked uris: %w", err)
	}
	likedPosts, err := e.store.GetPostsByURIs(ctx, likedURIs)
	if err != nil {
		return fmt.Errorf("load liked posts: %w", err)
	}
	var likedDocs []string
	for _, p := range likedPosts {
		if p.Text != "" {
			likedDocs = append(likedDocs, p.Text)
		}
	}
	if len(likedDocs) == 0 {
		e.logger.Debug("no liked texts, skipping keyword rebuild", "user", userDid)
		return nil
	}

	backgroundPosts, err := e.store.RandomPosts(ctx, backgroundSize)
	if err != nil {
		return fmt.Errorf("load background corpus: %w", err)
	}
	backgroundDocs := make([]string, 0, len(backgroundPosts))
	for _, p := range backgroundPosts {
		backgroundDocs = append(backgroundDocs, p.Text)
	}

	extractions, err := e.extractor.Extract(ctx, likedDocs, backgroundDocs)
	if err != nil {
		return fmt.Errorf("extract keywords: %w", err)
	}

	existing, err := e.store.KeywordsByUser(ctx, userDid)
	if err != nil {
		return fmt.Errorf("load existing keywords: %w", err)
	}

	merged := MergeScores(existing, extractions)
	if err := e.store.ReplaceKeywords(ctx, userDid, merged, pruneThreshold); err != nil {
		return fmt.Errorf("store keywords: %w", err)
	}
	e.logger.Info("keyword profile rebuilt", "user", userDid,
		"extracted", len(extractions), "kept", len(merged))
	return nil
}

// MergeScores folds fresh extractions into existing scores. Every existing
// score decays parabolically (strong scores decay faster, so a profile can't
// saturate), then fresh scores are added. Keywords not seen this round only
// decay.
func MergeScores(existing map[string]float64, fresh []Extraction) map[string]float64 {
	merged := make(map[string]float64, len(existing)+len(fresh))
	for keyword, score := range existing {
		merged[keyword] = score * parabolicDecay(score)
	}
	for _, ex := range fresh {
		merged[ex.Keyword] += ex.Score
	}
	for keyword, score := range merged {
		merged[keyword] = clamp(score, -1.0, 1.0)
	}
	return merged
}

// parabolicDecay returns the retention factor for a score: 3% baseline decay
// plus up to 12% more as |score| approaches 1.
func parabolicDecay(score float64) float64 {
	absScore := math.Abs(score)
	parabolicFactor := 1 - (1-absScore)*(1-absScore)
	return 1 - (0.03 + 0.12*parabolicFactor)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
