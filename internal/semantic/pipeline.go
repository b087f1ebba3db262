package semantic

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/metrics"
	"github.com/Mattis142/feed-generator/internal/ranking"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/vectorindex"
)

const (
	// minEmbedTextLen skips posts too short to carry semantic content.
	minEmbedTextLen = 10

	likedWindow      = 3 * 24 * time.Hour
	likedCap         = 500
	maxImagesPerPost = 4

	// Profile building.
	minVectorsForProfile = 3

	// Per-centroid ANN search.
	searchScoreThreshold = 0.25
	searchBaseLimit      = 200
	searchWeightLimit    = 400

	// Discovery-sandbox baseline for hits the live pipeline never recalled.
	discoveryPipelineScore = -4000

	batchKeep = 1500

	// BatchTTL is how long a candidate batch stays servable.
	BatchTTL = 12 * time.Hour

	// runCooldown is the minimum gap between pipeline runs unless a run is
	// explicitly prioritized.
	runCooldown = 10 * time.Minute
)

// PostHydrator fetches full post views for image extraction.
type PostHydrator interface {
	GetPosts(ctx context.Context, uris []string) ([]bluesky.PostView, error)
}

// Pipeline is the periodic offline job that embeds candidate and liked-post
// texts, clusters each user's liked vectors into interest centroids, searches
// the vector index per centroid, and materializes candidate batches.
// Single-concurrency per process.
type Pipeline struct {
	store     *store.Store
	ranker    *ranking.Ranker
	index     vectorindex.Index
	embedder  Embedder
	clusterer Clusterer
	hydrator  PostHydrator
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewPipeline creates a semantic batch pipeline.
func NewPipeline(st *store.Store, ranker *ranking.Ranker, index vectorindex.Index,
	embedder Embedder, clusterer Clusterer, hydrator PostHydrator, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		ranker:    ranker,
		index:     index,
		embedder:  embedder,
		clusterer: clusterer,
		hydrator:  hydrator,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNow overrides the clock for tests.
func (p *Pipeline) SetNow(now func() time.Time) {
	p.now = now
}

// Run processes every user sequentially. At most one run at a time; runs
// within the cooldown window are skipped unless priority is set.
func (p *Pipeline) Run(ctx context.Context, users []string, priority bool) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Info("semantic pipeline already running, skipping")
		metrics.SemanticRuns.WithLabelValues("skipped_running").Inc()
		return nil
	}
	if !priority && p.now().Sub(p.lastRun) < runCooldown {
		p.mu.Unlock()
		p.logger.Info("semantic pipeline in cooldown, skipping")
		metrics.SemanticRuns.WithLabelValues("skipped_cooldown").Inc()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.lastRun = p.now()
		p.mu.Unlock()
	}()

	for _, userDid := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.RunForUser(ctx, userDid); err != nil {
			p.logger.Error("semantic pipeline failed for user", "user", userDid, "error", err)
			metrics.SemanticRuns.WithLabelValues("user_error").Inc()
			continue
		}
		metrics.SemanticRuns.WithLabelValues("ok").Inc()
	}

	if _, err := p.store.GCCandidateBatches(ctx, BatchTTL); err != nil {
		p.logger.Warn("candidate batch GC failed", "error", err)
	}
	return nil
}

// RunForUser executes the full per-user pipeline.
func (p *Pipeline) RunForUser(ctx context.Context, userDid string) error {
	result, err := p.ranker.Rank(ctx, userDid, ranking.Params{BatchMode: true})
	if err != nil {
		return fmt.Errorf("batch rank: %w", err)
	}
	if len(result.Items) == 0 {
		p.logger.Debug("no candidates, skipping user", "user", userDid)
		return nil
	}

	pipelineScores := make(map[string]float64, len(result.Items))
	candidates := make([]domain.Post, 0, len(result.Items))
	for _, item := range result.Items {
		pipelineScores[item.Post.URI] = item.Score
		candidates = append(candidates, item.Post)
	}

	embedded, err := p.embeddedURIs(ctx, userDid)
	if err != nil {
		return fmt.Errorf("load embedded uris: %w", err)
	}

	if err := p.embedPosts(ctx, userDid, candidates, embedded); err != nil {
		return fmt.Errorf("embed candidates: %w", err)
	}

	likedURIs, likedTypes, err := p.likedURIs(ctx, userDid)
	if err != nil {
		return fmt.Errorf("load liked uris: %w", err)
	}
	likedPosts, err := p.store.GetPostsByURIs(ctx, likedURIs)
	if err != nil {
		return fmt.Errorf("load liked posts: %w", err)
	}
	if err := p.embedPosts(ctx, userDid, likedPosts, embedded); err != nil {
		return fmt.Errorf("embed liked posts: %w", err)
	}

	centroids, err := p.buildProfile(ctx, userDid, likedURIs, likedTypes)
	if err != nil {
		return fmt.Errorf("build profile: %w", err)
	}
	if len(centroids) == 0 {
		p.logger.Debug("too few liked vectors for a profile, skipping search", "user", userDid)
		return nil
	}

	rows, err := p.searchCentroids(ctx, userDid, centroids, pipelineScores)
	if err != nil {
		return fmt.Errorf("centroid search: %w", err)
	}
	if len(rows) == 0 {
		p.logger.Info("centroid search produced no candidates", "user", userDid)
		return nil
	}

	if err := p.store.InsertCandidateBatch(ctx, rows); err != nil {
		return fmt.Errorf("persist candidate batch: %w", err)
	}
	p.logger.Info("candidate batch generated", "user", userDid,
		"centroids", len(centroids), "candidates", len(rows), "batch", rows[0].BatchID)

	p.gcOrphanPoints(ctx, userDid, rows, likedURIs)
	return nil
}

// embeddedURIs returns the URIs already embedded under this user's partition.
func (p *Pipeline) embeddedURIs(ctx context.Context, userDid string) (map[string]struct{}, error) {
	points, err := p.index.Scroll(ctx, vectorindex.CollectionPosts, "discoveredBy", userDid, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(points))
	for _, point := range points {
		if uri, ok := point.Payload["uri"].(string); ok {
			out[uri] = struct{}{}
		}
	}
	return out, nil
}

// embedPosts embeds the posts not yet in the user's partition and upserts the
// vectors. Image posts are hydrated through the AppView for image URLs and
// alt texts; hydration failure degrades to text-only embedding.
func (p *Pipeline) embedPosts(ctx context.Context, userDid string, posts []domain.Post, embedded map[string]struct{}) error {
	byURI := make(map[string]*domain.Post, len(posts))
	var textOnly, withImages []string
	for i := range posts {
		post := &posts[i]
		if len(post.Text) <= minEmbedTextLen {
			continue
		}
		if _, done := embedded[post.URI]; done {
			continue
		}
		byURI[post.URI] = post
		if post.HasImage {
			withImages = append(withImages, post.URI)
		} else {
			textOnly = append(textOnly, post.URI)
		}
	}
	if len(byURI) == 0 {
		return nil
	}

	inputs := make([]EmbedInput, 0, len(byURI))
	for _, uri := range textOnly {
		inputs = append(inputs, EmbedInput{URI: uri, Text: byURI[uri].Text})
	}

	for start := 0; start < len(withImages); start += bluesky.GetPostsChunkSize {
		end := start + bluesky.GetPostsChunkSize
		if end > len(withImages) {
			end = len(withImages)
		}
		chunk := withImages[start:end]
		views, err := p.hydrator.GetPosts(ctx, chunk)
		if err != nil {
			p.logger.Warn("post hydration failed, embedding text only", "error", err)
			for _, uri := range chunk {
				inputs = append(inputs, EmbedInput{URI: uri, Text: byURI[uri].Text})
			}
			continue
		}
		hydrated := make(map[string]bluesky.PostView, len(views))
		for _, view := range views {
			hydrated[view.URI] = view
		}
		for _, uri := range chunk {
			input := EmbedInput{URI: uri, Text: byURI[uri].Text}
			if view, ok := hydrated[uri]; ok {
				images := view.ImageURLs
				alts := view.AltTexts
				if len(images) > maxImagesPerPost {
					images = images[:maxImagesPerPost]
				}
				if len(alts) > maxImagesPerPost {
					alts = alts[:maxImagesPerPost]
				}
				input.ImageURLs = images
				input.AltTexts = alts
			}
			inputs = append(inputs, input)
		}
	}

	outputs, err := p.embedder.Embed(ctx, inputs)
	if err != nil {
		return err
	}

	points := make([]vectorindex.Point, 0, len(outputs))
	for _, out := range outputs {
		post := byURI[out.URI]
		if post == nil {
			continue
		}
		points = append(points, vectorindex.Point{
			ID:     vectorindex.PostPointID(userDid, post.URI),
			Vector: out.Vector,
			Payload: map[string]any{
				"uri":          post.URI,
				"author":       post.Author,
				"indexedAt":    post.IndexedAt.UnixMilli(),
				"likeCount":    int64(post.LikeCount),
				"discoveredBy": userDid,
			},
		})
		embedded[post.URI] = struct{}{}
	}
	return p.index.Upsert(ctx, vectorindex.CollectionPosts, points)
}

// likedURIs returns the user's recent like/repost subjects and their
// interaction types for cluster weighting.
func (p *Pipeline) likedURIs(ctx context.Context, userDid string) ([]string, map[string]string, error) {
	uris, err := p.store.RecentLikeTargets(ctx, userDid, p.now().Add(-likedWindow), likedCap)
	if err != nil {
		return nil, nil, err
	}
	interacted, err := p.store.InteractedURIs(ctx, userDid)
	if err != nil {
		return nil, nil, err
	}
	types := make(map[string]string, len(uris))
	for _, uri := range uris {
		typ := "like"
		for _, t := range interacted[uri] {
			if t == domain.InteractionRepost {
				typ = "repost"
			}
		}
		types[uri] = typ
	}
	return uris, types, nil
}

var clusterWeights = map[string]float64{
	"like":   1.0,
	"repost": 1.5,
}

// buildProfile clusters the user's liked-post vectors into interest centroids
// and replaces the stored profile points. Returns nil when the user has too
// few vectors for a meaningful profile.
func (p *Pipeline) buildProfile(ctx context.Context, userDid string, likedURIs []string, likedTypes map[string]string) ([]Centroid, error) {
	likedSet := make(map[string]struct{}, len(likedURIs))
	for _, uri := range likedURIs {
		likedSet[uri] = struct{}{}
	}

	points, err := p.index.Scroll(ctx, vectorindex.CollectionPosts, "discoveredBy", userDid, true)
	if err != nil {
		return nil, err
	}
	var inputs []ClusterInput
	for _, point := range points {
		uri, _ := point.Payload["uri"].(string)
		if _, liked := likedSet[uri]; !liked {
			continue
		}
		typ := likedTypes[uri]
		weight := clusterWeights[typ]
		if weight == 0 {
			weight = 1.0
		}
		inputs = append(inputs, ClusterInput{
			Vector:          point.Vector,
			Weight:          weight,
			InteractionType: typ,
		})
	}
	if len(inputs) < minVectorsForProfile {
		return nil, nil
	}

	centroids, err := p.clusterer.Cluster(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(centroids) == 0 {
		return nil, nil
	}

	if err := p.index.DeleteByFilter(ctx, vectorindex.CollectionProfiles, "userDid", userDid); err != nil {
		p.logger.Warn("profile point cleanup failed", "user", userDid, "error", err)
	}

	now := p.now().UnixMilli()
	profilePoints := make([]vectorindex.Point, 0, len(centroids))
	for _, c := range centroids {
		profilePoints = append(profilePoints, vectorindex.Point{
			ID:     vectorindex.ProfilePointID(userDid, c.ClusterID),
			Vector: c.Centroid,
			Payload: map[string]any{
				"userDid":   userDid,
				"clusterId": int64(c.ClusterID),
				"weight":    c.Weight,
				"postCount": int64(c.PostCount),
				"updatedAt": now,
			},
		})
	}
	if err := p.index.Upsert(ctx, vectorindex.CollectionProfiles, profilePoints); err != nil {
		return nil, err
	}
	return centroids, nil
}

// searchCentroids runs per-centroid ANN searches, filters the hits, and
// produces deduplicated candidate-batch rows (top batchKeep by semantic
// score).
func (p *Pipeline) searchCentroids(ctx context.Context, userDid string, centroids []Centroid, pipelineScores map[string]float64) ([]store.CandidateBatchRow, error) {
	interacted, err := p.store.InteractedURIs(ctx, userDid)
	if err != nil {
		return nil, err
	}
	seen, err := p.store.SeenCounts(ctx, userDid, p.now().Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}

	type hit struct {
		uri      string
		author   string
		semantic float64
		centroid int
	}
	var hits []hit
	for _, centroid := range centroids {
		limit := int(math.Round(searchWeightLimit*centroid.Weight)) + searchBaseLimit
		found, err := p.index.Search(ctx, vectorindex.CollectionPosts, centroid.Centroid,
			limit, searchScoreThreshold, "discoveredBy", userDid)
		if err != nil {
			p.logger.Warn("centroid search failed", "user", userDid,
				"cluster", centroid.ClusterID, "error", err)
			continue
		}
		for _, sp := range found {
			uri, _ := sp.Payload["uri"].(string)
			author, _ := sp.Payload["author"].(string)
			if uri == "" {
				continue
			}
			hits = append(hits, hit{
				uri:      uri,
				author:   author,
				semantic: float64(sp.Score),
				centroid: centroid.ClusterID,
			})
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	authors := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.author != "" {
			authors = append(authors, h.author)
		}
	}
	reputations, err := p.store.ReputationsByAuthors(ctx, userDid, authors)
	if err != nil {
		return nil, err
	}

	best := make(map[string]hit)
	for _, h := range hits {
		if len(interacted[h.uri]) > 0 {
			continue
		}
		if seen[h.uri] >= 3 {
			continue
		}
		if rep, known := reputations[h.author]; known && rep < 0.1 {
			continue
		}
		if prev, ok := best[h.uri]; !ok || h.semantic > prev.semantic {
			best[h.uri] = h
		}
	}

	deduped := make([]hit, 0, len(best))
	for _, h := range best {
		deduped = append(deduped, h)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].semantic != deduped[j].semantic {
			return deduped[i].semantic > deduped[j].semantic
		}
		return deduped[i].uri < deduped[j].uri
	})
	if len(deduped) > batchKeep {
		deduped = deduped[:batchKeep]
	}

	batchID := newBatchID(p.now())
	generatedAt := p.now().UTC()
	rows := make([]store.CandidateBatchRow, 0, len(deduped))
	for _, h := range deduped {
		pipelineScore, inPipeline := pipelineScores[h.uri]
		if !inPipeline {
			pipelineScore = discoveryPipelineScore
		}
		rows = append(rows, store.CandidateBatchRow{
			UserDid:       userDid,
			URI:           h.uri,
			SemanticScore: h.semantic,
			PipelineScore: pipelineScore,
			CentroidID:    h.centroid,
			BatchID:       batchID,
			GeneratedAt:   generatedAt,
		})
	}
	return rows, nil
}

// gcOrphanPoints drops the user's post-embedding points no longer referenced
// by the fresh batch or their recent likes.
func (p *Pipeline) gcOrphanPoints(ctx context.Context, userDid string, rows []store.CandidateBatchRow, likedURIs []string) {
	referenced := make(map[string]struct{}, len(rows)+len(likedURIs))
	for _, row := range rows {
		referenced[row.URI] = struct{}{}
	}
	for _, uri := range likedURIs {
		referenced[uri] = struct{}{}
	}

	points, err := p.index.Scroll(ctx, vectorindex.CollectionPosts, "discoveredBy", userDid, false)
	if err != nil {
		p.logger.Warn("orphan scan failed", "user", userDid, "error", err)
		return
	}
	var orphans []uint64
	for _, point := range points {
		uri, _ := point.Payload["uri"].(string)
		if _, keep := referenced[uri]; !keep {
			orphans = append(orphans, point.ID)
		}
	}
	if len(orphans) == 0 {
		return
	}
	if err := p.index.DeletePoints(ctx, vectorindex.CollectionPosts, orphans); err != nil {
		p.logger.Warn("orphan point delete failed", "user", userDid, "error", err)
		return
	}
	p.logger.Info("orphan points removed", "user", userDid, "count", len(orphans))
}

// newBatchID builds a short hex id: two timestamp bytes plus two random
// bytes.
func newBatchID(now time.Time) string {
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[:2], uint16(now.Unix()))
	if _, err := rand.Read(buf[2:]); err != nil {
		binary.BigEndian.PutUint16(buf[2:], uint16(now.UnixNano()))
	}
	return hex.EncodeToString(buf[:])
}
