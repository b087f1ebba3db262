package serve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/metrics"
	"github.com/Mattis142/feed-generator/internal/ranking"
	"github.com/Mattis142/feed-generator/internal/semantic"
	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	// pipelineWeight and semanticWeight blend the precomputed batch scores.
	pipelineWeight = 0.3
	semanticWeight = 1800.0

	// seenDecayBase is the serve-time multiplicative seen penalty; at
	// seenFloorCount views the score is hard-cut below every floor.
	seenDecayBase   = 0.2
	seenFloorCount  = 3
	seenCutoff      = -501.0
	serveScoreFloor = -500.0

	// fatigueWeight converts a [-100, 100] fatigue score into score points.
	fatigueWeight = 1200.0

	// thinPoolThreshold triggers the live-pipeline intersplice.
	thinPoolThreshold = 20

	// Live intersplice scoring: a declining base so live items slot in under
	// the batch tail.
	liveBaseCeiling = 1000.0
	liveRankStep    = 5.0

	// regenerateConsumption is the consumed fraction of a batch past which a
	// priority regeneration fires.
	regenerateConsumption = 0.5

	maxPageSize = 100
)

// FatigueEngine is the slice of the fatigue engine the server needs.
type FatigueEngine interface {
	OnServe(ctx context.Context, userDid, authorDid string) error
}

// RegenerateTrigger requests a semantic batch rebuild for a user.
// forcePriority bypasses the pipeline cooldown.
type RegenerateTrigger func(userDid string, forcePriority bool)

// candidate is one serve-time scored entry.
type candidate struct {
	uri         string
	author      string
	indexedAtMs int64
	score       float64
	repostURI   string
	fromBatch   bool
}

// Fusion blends the precomputed semantic candidate batch with the live
// ranking pipeline at request time.
type Fusion struct {
	store      *store.Store
	ranker     *ranking.Ranker
	graph      *graph.Service
	fatigue    FatigueEngine
	regenerate RegenerateTrigger
	logger     *slog.Logger
	now        func() time.Time
}

// NewFusion creates the serve-time fusion layer.
func NewFusion(st *store.Store, ranker *ranking.Ranker, graphSvc *graph.Service,
	fatigueEngine FatigueEngine, regenerate RegenerateTrigger, logger *slog.Logger) *Fusion {
	return &Fusion{
		store:      st,
		ranker:     ranker,
		graph:      graphSvc,
		fatigue:    fatigueEngine,
		regenerate: regenerate,
		logger:     logger,
		now:        time.Now,
	}
}

// SetNow overrides the clock for tests.
func (f *Fusion) SetNow(now func() time.Time) {
	f.now = now
}

// BuildFeed produces one feed skeleton page for userDid.
func (f *Fusion) BuildFeed(ctx context.Context, userDid string, limit int, cursor string) (*domain.FeedSkeleton, error) {
	now := f.now()

	batchRows, err := f.store.CandidateBatch(ctx, userDid, semantic.BatchTTL)
	if err != nil {
		return nil, fmt.Errorf("load candidate batch: %w", err)
	}
	batchRows = dedupeBatch(batchRows)

	var pool []candidate
	positiveBatch := make(map[string]struct{})
	if len(batchRows) > 0 {
		pool, err = f.scoreBatch(ctx, userDid, batchRows, now)
		if err != nil {
			return nil, err
		}
		for _, c := range pool {
			if c.score > 0 {
				positiveBatch[c.uri] = struct{}{}
			}
		}
		f.maybeTriggerRegenerate(ctx, userDid, batchRows)
	}

	// Thin or missing batch: fall back to (or top up with) the live pipeline.
	if len(pool) < thinPoolThreshold {
		live, err := f.liveCandidates(ctx, userDid, cursor, positiveBatch)
		if err != nil {
			// The batch alone still makes a feed; a live-pipeline failure
			// only degrades freshness.
			f.logger.Error("live pipeline fallback failed", "user", userDid, "error", err)
		} else {
			pool = append(pool, live...)
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if pool[i].indexedAtMs != pool[j].indexedAtMs {
			return pool[i].indexedAtMs > pool[j].indexedAtMs
		}
		return pool[i].uri < pool[j].uri
	})

	pool = diversifyAuthors(pool)

	if cursor != "" {
		pool, err = applyCursor(pool, cursor)
		if err != nil {
			return nil, err
		}
	}

	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if limit > len(pool) {
		limit = len(pool)
	}
	page := pool[:limit]

	skeleton := &domain.FeedSkeleton{Posts: make([]domain.SkeletonPost, 0, len(page))}
	l1 := make(map[string]struct{})
	if layers, err := f.graph.LoadLayers(ctx, userDid); err == nil {
		l1 = layers.L1
	}
	for _, c := range page {
		entry := domain.SkeletonPost{Post: c.uri}
		if c.repostURI != "" {
			if _, followed := l1[c.author]; !followed {
				entry.RepostURI = c.repostURI
			}
		}
		skeleton.Posts = append(skeleton.Posts, entry)
	}
	if limit < len(pool) && len(page) > 0 {
		last := page[len(page)-1]
		skeleton.Cursor = ranking.EncodeCursorKey(last.score, last.indexedAtMs, last.uri)
	}

	f.recordServed(userDid, page)
	metrics.ServedPosts.Add(float64(len(page)))
	return skeleton, nil
}

// dedupeBatch keeps one row per URI, preferring the newest generatedAt.
func dedupeBatch(rows []store.CandidateBatchRow) []store.CandidateBatchRow {
	best := make(map[string]store.CandidateBatchRow, len(rows))
	for _, row := range rows {
		prev, ok := best[row.URI]
		if !ok || row.GeneratedAt.After(prev.GeneratedAt) {
			best[row.URI] = row
		}
	}
	out := make([]store.CandidateBatchRow, 0, len(best))
	for _, row := range best {
		out = append(out, row)
	}
	return out
}

// scoreBatch applies the serve-time adjustments to the candidate batch:
// freshness-weighted blending, interacted-URI drops, seen decay, and author
// fatigue.
func (f *Fusion) scoreBatch(ctx context.Context, userDid string, rows []store.CandidateBatchRow, now time.Time) ([]candidate, error) {
	interacted, err := f.store.InteractedURIs(ctx, userDid)
	if err != nil {
		return nil, fmt.Errorf("load interacted uris: %w", err)
	}
	seen, err := f.store.SeenCounts(ctx, userDid, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load seen counts: %w", err)
	}
	fatigueRows, err := f.store.FatigueByUser(ctx, userDid)
	if err != nil {
		return nil, fmt.Errorf("load fatigue: %w", err)
	}

	uris := make([]string, 0, len(rows))
	for _, row := range rows {
		uris = append(uris, row.URI)
	}
	posts, err := f.store.GetPostsByURIs(ctx, uris)
	if err != nil {
		return nil, fmt.Errorf("load batch posts: %w", err)
	}
	postByURI := make(map[string]*domain.Post, len(posts))
	for i := range posts {
		postByURI[posts[i].URI] = &posts[i]
	}

	out := make([]candidate, 0, len(rows))
	for _, row := range rows {
		if len(interacted[row.URI]) > 0 {
			continue
		}

		batchAge := now.Sub(row.GeneratedAt).Hours()
		impact := math.Max(0, 1-batchAge/semantic.BatchTTL.Hours())
		score := pipelineWeight*row.PipelineScore + semanticWeight*row.SemanticScore*impact

		if count := seen[row.URI]; count > 0 {
			if count >= seenFloorCount {
				score = seenCutoff
			} else {
				score *= math.Pow(seenDecayBase, float64(count))
			}
		}

		c := candidate{uri: row.URI, score: score, fromBatch: true}
		if post := postByURI[row.URI]; post != nil {
			c.author = post.Author
			c.indexedAtMs = post.IndexedAt.UnixMilli()
			if row := fatigueRows[post.Author]; row != nil {
				c.score -= (row.FatigueScore / 100.0) * fatigueWeight
			}
		}
		if c.score <= serveScoreFloor {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// liveCandidates runs the live pipeline and rescales its output to slot under
// the batch scores: a declining base starting at min(1000, cursorScore-1).
func (f *Fusion) liveCandidates(ctx context.Context, userDid, cursor string, positiveBatch map[string]struct{}) ([]candidate, error) {
	result, err := f.ranker.Rank(ctx, userDid, ranking.Params{Limit: maxPageSize})
	if err != nil {
		return nil, err
	}

	base := liveBaseCeiling
	if cursor != "" {
		if cursorScore, _, _, err := ranking.ParseCursorKey(cursor); err == nil {
			base = math.Min(liveBaseCeiling, cursorScore-1)
		}
	}

	out := make([]candidate, 0, len(result.Items))
	for rank, item := range result.Items {
		if _, dup := positiveBatch[item.Post.URI]; dup {
			continue
		}
		out = append(out, candidate{
			uri:         item.Post.URI,
			author:      item.Post.Author,
			indexedAtMs: item.Post.IndexedAt.UnixMilli(),
			score:       base - liveRankStep*float64(rank),
			repostURI:   item.RepostURI,
		})
	}
	return out, nil
}

// diversifyAuthors enforces the last-2-authors constraint on the final order.
func diversifyAuthors(pool []candidate) []candidate {
	if len(pool) <= 2 {
		return pool
	}
	remaining := make([]candidate, len(pool))
	copy(remaining, pool)
	out := make([]candidate, 0, len(pool))
	var recent []string

	for len(remaining) > 0 {
		picked := -1
		for i := range remaining {
			if !inRecent(recent, remaining[i].author) {
				picked = i
				break
			}
		}
		if picked < 0 {
			break
		}
		c := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, c)
		recent = append(recent, c.author)
		if len(recent) > 2 {
			recent = recent[1:]
		}
	}

	if len(out)*2 < len(pool) {
		return pool
	}
	return out
}

func inRecent(recent []string, author string) bool {
	for _, a := range recent {
		if a == author {
			return true
		}
	}
	return false
}

// applyCursor resumes right after the cursor item in the deterministic
// order, falling back to a strictly-after key comparison when the item has
// disappeared between requests.
func applyCursor(pool []candidate, cursor string) ([]candidate, error) {
	score, ms, uri, err := ranking.ParseCursorKey(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	for i, c := range pool {
		if c.score == score && c.indexedAtMs == ms && c.uri == uri {
			return pool[i+1:], nil
		}
	}
	out := make([]candidate, 0, len(pool))
	for _, c := range pool {
		after := c.score < score ||
			(c.score == score && c.indexedAtMs < ms) ||
			(c.score == score && c.indexedAtMs == ms && c.uri > uri)
		if after {
			out = append(out, c)
		}
	}
	return out, nil
}

// recordServed asynchronously appends the served log and bumps author fatigue
// once per unique author.
func (f *Fusion) recordServed(userDid string, page []candidate) {
	if len(page) == 0 {
		return
	}
	uris := make([]string, 0, len(page))
	authors := make(map[string]struct{})
	for _, c := range page {
		uris = append(uris, c.uri)
		if c.author != "" {
			authors[c.author] = struct{}{}
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := f.store.RecordServed(ctx, userDid, uris); err != nil {
			f.logger.Error("served log write failed", "user", userDid, "error", err)
		}
		for author := range authors {
			if err := f.fatigue.OnServe(ctx, userDid, author); err != nil {
				f.logger.Warn("fatigue-on-serve failed", "user", userDid, "author", author, "error", err)
			}
		}
	}()
}

// maybeTriggerRegenerate fires a priority batch rebuild once the user has
// seen at least half of the current batch.
func (f *Fusion) maybeTriggerRegenerate(ctx context.Context, userDid string, rows []store.CandidateBatchRow) {
	if f.regenerate == nil || len(rows) == 0 {
		return
	}
	seen, err := f.store.SeenCounts(ctx, userDid, f.now().Add(-7*24*time.Hour))
	if err != nil {
		f.logger.Warn("consumption check failed", "user", userDid, "error", err)
		return
	}
	consumed := 0
	for _, row := range rows {
		if seen[row.URI] > 0 {
			consumed++
		}
	}
	if float64(consumed)/float64(len(rows)) >= regenerateConsumption {
		f.logger.Info("candidate batch consumed, triggering regeneration",
			"user", userDid, "consumed", consumed, "total", len(rows))
		f.regenerate(userDid, true)
	}
}
