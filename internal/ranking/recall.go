package ranking

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/metrics"
)

// Recall bucket windows and caps.
const (
	freshWindow  = 72 * time.Hour
	bridgeWindow = 7 * 24 * time.Hour
	gemsWindow   = 30 * 24 * time.Hour

	freshCap      = 1200
	freshCapBatch = 3000
	bridgeCap     = 600
	gemsCap       = 1600
	gemsCapBatch  = 3000
	bubbleCap     = 800

	tasteSimilarWindow = 7 * 24 * time.Hour
	tasteSimilarCap    = 2000
)

// recall harvests the four candidate buckets and unions them by URI. Each
// bucket carries a light pre-score with jittered coefficients so repeated
// requests do not converge on an identical pool.
func (r *Ranker) recall(ctx context.Context, uctx *userContext, batchMode bool) ([]Candidate, error) {
	now := r.now()
	rng := rand.New(rand.NewSource(now.UnixMilli()))

	graphAuthors := authorUnion(uctx.layers.L1, uctx.layers.L2, uctx.interactedAuthors)
	bubbleAuthors := authorUnion(uctx.layers.L1, nil, uctx.interactedAuthors)

	// B1 fresh: in-graph authors or already-popular, last 72 h.
	freshLimit := freshCap
	freshThreshold := 2
	if batchMode {
		freshLimit = freshCapBatch
		freshThreshold = 0
	}
	fresh, err := r.store.PostsByAuthorsBetween(ctx, graphAuthors, now.Add(-freshWindow), now, -1, freshLimit)
	if err != nil {
		return nil, fmt.Errorf("bucket fresh authors: %w", err)
	}
	freshPopular, err := r.store.PopularPostsBetween(ctx, now.Add(-freshWindow), now, freshThreshold, freshLimit)
	if err != nil {
		return nil, fmt.Errorf("bucket fresh popular: %w", err)
	}

	// B1.5 bridge: 72 h – 7 d, engagement-gated.
	bridgeAuthors, err := r.store.PostsByAuthorsBetween(ctx, graphAuthors, now.Add(-bridgeWindow), now.Add(-freshWindow), 1, bridgeCap)
	if err != nil {
		return nil, fmt.Errorf("bucket bridge authors: %w", err)
	}
	bridgePopular, err := r.store.PopularPostsBetween(ctx, now.Add(-bridgeWindow), now.Add(-freshWindow), 1, bridgeCap)
	if err != nil {
		return nil, fmt.Errorf("bucket bridge popular: %w", err)
	}

	// B2 global gems: posts with more than one like in 30 d (any like in batch
	// mode), plus taste-twin likes.
	gemsLimit := gemsCap
	gemsThreshold := 1
	if batchMode {
		gemsLimit = gemsCapBatch
		gemsThreshold = 0
	}
	gems, err := r.store.PopularPostsBetween(ctx, now.Add(-gemsWindow), now, gemsThreshold, gemsLimit)
	if err != nil {
		return nil, fmt.Errorf("bucket gems: %w", err)
	}
	twinURIs := make([]string, 0, len(uctx.twinLikes))
	for uri := range uctx.twinLikes {
		twinURIs = append(twinURIs, uri)
	}
	sort.Strings(twinURIs)
	twinPosts, err := r.store.GetPostsByURIs(ctx, twinURIs)
	if err != nil {
		return nil, fmt.Errorf("bucket gems twins: %w", err)
	}

	// B3 bubble: close graph only, 30 d.
	bubble, err := r.store.PostsByAuthorsBetween(ctx, bubbleAuthors, now.Add(-gemsWindow), now, -1, bubbleCap)
	if err != nil {
		return nil, fmt.Errorf("bucket bubble: %w", err)
	}

	type bucket struct {
		name  string
		posts []domain.Post
		cap   int
	}
	buckets := []bucket{
		{"fresh", append(fresh, freshPopular...), freshLimit},
		{"bridge", append(bridgeAuthors, bridgePopular...), bridgeCap},
		{"gems", append(gems, twinPosts...), gemsLimit},
		{"bubble", bubble, bubbleCap},
	}

	seen := make(map[string]struct{})
	var pool []Candidate
	for _, b := range buckets {
		coeffA := jittered(rng, 1.0)
		coeffB := jittered(rng, 50.0)
		coeffC := jittered(rng, 5.0)

		scored := make([]Candidate, 0, len(b.posts))
		for _, p := range b.posts {
			age := p.AgeHours(now)
			if age < 0.1 {
				age = 0.1
			}
			pre := coeffA*float64(p.LikeCount) + coeffB/(age+1) + coeffC*float64(p.LikeCount)/age
			scored = append(scored, Candidate{Post: p, preScore: pre, bucket: b.name})
		}
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].preScore != scored[j].preScore {
				return scored[i].preScore > scored[j].preScore
			}
			return scored[i].Post.URI < scored[j].Post.URI
		})
		if len(scored) > b.cap {
			scored = scored[:b.cap]
		}
		metrics.RankCandidates.WithLabelValues(b.name).Observe(float64(len(scored)))

		for _, c := range scored {
			if _, dup := seen[c.Post.URI]; dup {
				continue
			}
			seen[c.Post.URI] = struct{}{}
			pool = append(pool, c)
		}
	}
	return pool, nil
}

// jittered perturbs a base coefficient by ±20%.
func jittered(rng *rand.Rand, base float64) float64 {
	return base * (0.8 + 0.4*rng.Float64())
}

func authorUnion(sets ...map[string]struct{}) []string {
	union := make(map[string]struct{})
	for _, set := range sets {
		for did := range set {
			union[did] = struct{}{}
		}
	}
	out := make([]string, 0, len(union))
	for did := range union {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}
