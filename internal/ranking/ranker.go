package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/graph"
	"github.com/Mattis142/feed-generator/internal/metrics"
	"github.com/Mattis142/feed-generator/internal/store"
)

// Params control one ranking request.
type Params struct {
	Limit  int
	Cursor string

	// BatchMode returns the whole scored pool for the semantic pipeline:
	// no diversity, no pagination, no seen-fatigue multiplier.
	BatchMode bool
}

// Candidate is one scored post with its signal breakdown.
type Candidate struct {
	Post    domain.Post
	Score   float64
	Signals map[string]float64

	// RepostURI is set when the post entered the pool through a repost by a
	// followed account.
	RepostURI string

	preScore float64
	bucket   string
}

// Result is a ranked page (or, in batch mode, the whole pool).
type Result struct {
	Items  []Candidate
	Cursor string
}

// userContext is everything about the requester the scoring pass needs,
// loaded once per request.
type userContext struct {
	userDid string

	layers            *graph.Layers
	interactedAuthors map[string]struct{}
	interactedURIs    map[string][]domain.InteractionType
	influentialL2     map[string]float64
	tasteTwins        map[string]float64
	twinLikes         map[string][]string // uri -> twin DIDs who liked it
	keywords          map[string]float64
	fatigue           map[string]*store.AuthorFatigue
	seenCounts        map[string]int
	mediaRatio        float64
}

// inGraph reports whether the author is inside the user's social graph
// (L1, L2, or recently interacted).
func (u *userContext) inGraph(author string) bool {
	if _, ok := u.layers.L1[author]; ok {
		return true
	}
	if _, ok := u.layers.L2[author]; ok {
		return true
	}
	_, ok := u.interactedAuthors[author]
	return ok
}

// Ranker is the candidate harvesting and scoring pipeline.
type Ranker struct {
	store  *store.Store
	graph  *graph.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewRanker creates a ranker.
func NewRanker(st *store.Store, graphSvc *graph.Service, logger *slog.Logger) *Ranker {
	return &Ranker{store: st, graph: graphSvc, logger: logger, now: time.Now}
}

// SetNow overrides the clock for tests.
func (r *Ranker) SetNow(now func() time.Time) {
	r.now = now
}

// Rank runs the full pipeline for userDid: recall, network effort, reply
// clusters, scoring, filter, dedup, diversity, pagination.
func (r *Ranker) Rank(ctx context.Context, userDid string, params Params) (*Result, error) {
	start := r.now()
	mode := "live"
	if params.BatchMode {
		mode = "batch"
	}
	defer func() {
		metrics.RankDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	uctx, err := r.loadUserContext(ctx, userDid)
	if err != nil {
		return nil, fmt.Errorf("load user context: %w", err)
	}

	// Step A: recall.
	pool, err := r.recall(ctx, uctx, params.BatchMode)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	if len(pool) == 0 {
		return &Result{}, nil
	}

	// Step B: network effort over L1 ∪ influential L2.
	efforts, err := r.networkEffort(ctx, uctx, pool)
	if err != nil {
		return nil, fmt.Errorf("network effort: %w", err)
	}

	// Step C: reply cluster analysis.
	threads := analyzeThreads(pool, uctx)

	// Step D: scoring.
	byURI := make(map[string]*domain.Post, len(pool))
	for i := range pool {
		byURI[pool[i].Post.URI] = &pool[i].Post
	}
	for i := range pool {
		r.score(&pool[i], uctx, efforts[pool[i].Post.URI], threads, byURI, params.BatchMode)
	}

	// Step E: filter.
	pool = filterCandidates(pool, uctx, threads)

	// Step F: per-thread dedup.
	pool = dedupThreads(pool, uctx, threads)

	sortCandidates(pool)

	if params.BatchMode {
		return &Result{Items: pool}, nil
	}

	// Step G: diversity.
	pool = diversify(pool)

	// Step H: cursor + page.
	return paginate(pool, params)
}

func (r *Ranker) loadUserContext(ctx context.Context, userDid string) (*userContext, error) {
	now := r.now()
	layers, err := r.graph.LoadLayers(ctx, userDid)
	if err != nil {
		return nil, err
	}

	interactedAuthors, err := r.store.InteractedAuthors(ctx, userDid, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	authorSet := make(map[string]struct{}, len(interactedAuthors))
	for _, did := range interactedAuthors {
		authorSet[did] = struct{}{}
	}

	interactedURIs, err := r.store.InteractedURIs(ctx, userDid)
	if err != nil {
		return nil, err
	}

	influential, err := r.graph.InfluentialL2(ctx, userDid)
	if err != nil {
		r.logger.Warn("influential L2 unavailable", "user", userDid, "error", err)
		influential = map[string]float64{}
	}

	twins, err := r.store.TasteTwins(ctx, userDid, 1.2, 2000)
	if err != nil {
		return nil, err
	}

	twinLikes, err := r.loadTwinLikes(ctx, twins, now)
	if err != nil {
		return nil, err
	}

	keywords, err := r.store.KeywordsByUser(ctx, userDid)
	if err != nil {
		return nil, err
	}

	fatigueRows, err := r.store.FatigueByUser(ctx, userDid)
	if err != nil {
		return nil, err
	}

	seen, err := r.store.SeenCounts(ctx, userDid, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}

	mediaRatio, err := r.store.UserMediaRatio(ctx, userDid, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}

	return &userContext{
		userDid:           userDid,
		layers:            layers,
		interactedAuthors: authorSet,
		interactedURIs:    interactedURIs,
		influentialL2:     influential,
		tasteTwins:        twins,
		twinLikes:         twinLikes,
		keywords:          keywords,
		fatigue:           fatigueRows,
		seenCounts:        seen,
		mediaRatio:        mediaRatio,
	}, nil
}

func (r *Ranker) loadTwinLikes(ctx context.Context, twins map[string]float64, now time.Time) (map[string][]string, error) {
	if len(twins) == 0 {
		return map[string][]string{}, nil
	}
	twinList := make([]string, 0, len(twins))
	for did := range twins {
		twinList = append(twinList, did)
	}
	return r.store.TwinLikes(ctx, twinList, now.Add(-tasteSimilarWindow), tasteSimilarCap)
}
