package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/firehose"
	"github.com/Mattis142/feed-generator/internal/metrics"
	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	cursorServiceName = "jetstream"
	flushInterval     = 5 * time.Second
)

// TasteEngine receives like events from whitelisted users.
type TasteEngine interface {
	OnLike(ctx context.Context, userDid, subjectURI string) error
}

// FatigueEngine receives interaction events from whitelisted users.
type FatigueEngine interface {
	OnInteraction(ctx context.Context, userDid, authorDid string, typ domain.InteractionType) error
}

// DIDSet is an immutable set of DIDs swapped atomically on refresh.
type DIDSet map[string]struct{}

// Contains reports set membership.
func (s DIDSet) Contains(did string) bool {
	_, ok := s[did]
	return ok
}

// Ingester consumes firehose events, accumulates them into an in-memory
// batch, and flushes the batch to the store every few seconds inside a
// single transaction. It implements firehose.Handler.
type Ingester struct {
	store   *store.Store
	taste   TasteEngine
	fatigue FatigueEngine
	logger  *slog.Logger

	mu      sync.Mutex
	pending *store.EventBatch
	// maxCursor is the largest event time_us seen; persisted only after the
	// covering flush commits.
	maxCursor     int64
	flushedCursor int64

	trackedOwn         atomic.Pointer[DIDSet]
	trackedInteraction atomic.Pointer[DIDSet]
}

// New creates an ingester. Call SetTrackedSets before starting the firehose
// subscription.
func New(st *store.Store, tasteEngine TasteEngine, fatigueEngine FatigueEngine, logger *slog.Logger) *Ingester {
	ing := &Ingester{
		store:   st,
		taste:   tasteEngine,
		fatigue: fatigueEngine,
		logger:  logger,
		pending: newBatch(),
	}
	empty := DIDSet{}
	ing.trackedOwn.Store(&empty)
	ing.trackedInteraction.Store(&empty)
	return ing
}

func newBatch() *store.EventBatch {
	return &store.EventBatch{Counters: store.NewCounterDeltas()}
}

// SetTrackedSets swaps in fresh tracked-DID sets.
func (i *Ingester) SetTrackedSets(own, interaction DIDSet) {
	i.trackedOwn.Store(&own)
	i.trackedInteraction.Store(&interaction)
}

// WantedDids returns the interaction-tracking DID filter for Jetstream.
func (i *Ingester) WantedDids() []string {
	set := *i.trackedInteraction.Load()
	out := make([]string, 0, len(set))
	for did := range set {
		out = append(out, did)
	}
	return out
}

// Cursor returns the persisted resume point.
func (i *Ingester) Cursor(ctx context.Context) (int64, error) {
	return i.store.GetCursor(ctx, cursorServiceName)
}

// HandleEvent folds one event into the pending batch. Likes and reposts by
// whitelisted users additionally feed the taste and fatigue engines
// synchronously.
func (i *Ingester) HandleEvent(ctx context.Context, event *firehose.Event) error {
	own := *i.trackedOwn.Load()
	interaction := *i.trackedInteraction.Load()

	i.mu.Lock()
	if event.TimeUS > i.maxCursor {
		i.maxCursor = event.TimeUS
	}

	switch op := event.Op.(type) {
	case firehose.CreatePost:
		i.pending.Posts = append(i.pending.Posts, domain.Post{
			URI:         op.URI,
			CID:         op.CID,
			IndexedAt:   time.Now().UTC(),
			Author:      op.Author,
			ReplyRoot:   op.ReplyRoot,
			ReplyParent: op.ReplyParent,
			Text:        op.Text,
			HasImage:    op.HasImage,
			HasVideo:    op.HasVideo,
			HasExternal: op.HasExternal,
		})
		if op.ReplyParent != "" {
			i.pending.Counters.Replies[op.ReplyParent]++
			if interaction.Contains(op.Author) {
				i.pending.Interactions = append(i.pending.Interactions, domain.Interaction{
					Actor:          op.Author,
					Target:         op.ReplyParent,
					Type:           domain.InteractionReply,
					Weight:         domain.InteractionReply.Weight(),
					IndexedAt:      time.Now().UTC(),
					InteractionURI: op.URI,
				})
			}
		}
		i.mu.Unlock()
		metrics.IngestEvents.WithLabelValues("post_create").Inc()
		return nil

	case firehose.DeletePost:
		i.pending.Deletes = append(i.pending.Deletes, op.URI)
		i.mu.Unlock()
		metrics.IngestEvents.WithLabelValues("post_delete").Inc()
		return nil

	case firehose.CreateLike:
		i.pending.Counters.Likes[op.Subject]++
		if interaction.Contains(op.Actor) {
			i.pending.Interactions = append(i.pending.Interactions, domain.Interaction{
				Actor:          op.Actor,
				Target:         op.Subject,
				Type:           domain.InteractionLike,
				Weight:         domain.InteractionLike.Weight(),
				IndexedAt:      time.Now().UTC(),
				InteractionURI: op.URI,
			})
		}
		i.mu.Unlock()
		metrics.IngestEvents.WithLabelValues("like_create").Inc()
		if own.Contains(op.Actor) {
			i.onOwnEngagement(ctx, op.Actor, op.Subject, domain.InteractionLike)
		}
		return nil

	case firehose.CreateRepost:
		i.pending.Counters.Reposts[op.Subject]++
		if interaction.Contains(op.Actor) {
			i.pending.Interactions = append(i.pending.Interactions, domain.Interaction{
				Actor:          op.Actor,
				Target:         op.Subject,
				Type:           domain.InteractionRepost,
				Weight:         domain.InteractionRepost.Weight(),
				IndexedAt:      time.Now().UTC(),
				InteractionURI: op.URI,
			})
		}
		i.mu.Unlock()
		metrics.IngestEvents.WithLabelValues("repost_create").Inc()
		if own.Contains(op.Actor) {
			i.onOwnEngagement(ctx, op.Actor, op.Subject, domain.InteractionRepost)
		}
		return nil

	default:
		i.mu.Unlock()
		return nil
	}
}

// onOwnEngagement runs the taste and fatigue side-effects for engagements by
// whitelisted users. Failures are logged; the stream keeps flowing.
func (i *Ingester) onOwnEngagement(ctx context.Context, actor, subjectURI string, typ domain.InteractionType) {
	if author := authorFromURI(subjectURI); author != "" && author != actor {
		if err := i.fatigue.OnInteraction(ctx, actor, author, typ); err != nil {
			i.logger.Warn("fatigue update failed", "user", actor, "author", author, "error", err)
		}
	}
	if err := i.taste.OnLike(ctx, actor, subjectURI); err != nil {
		i.logger.Warn("taste update failed", "user", actor, "subject", subjectURI, "error", err)
	}
}

// Run drives the flush loop until ctx is cancelled, then performs a final
// flush so shutdown loses nothing.
func (i *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			i.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			i.Flush(ctx)
		}
	}
}

// Flush writes the pending batch in one transaction and then advances the
// cursor. On failure the batch is merged back into the pending state and the
// cursor stays put, so a crash can replay but never skip events.
func (i *Ingester) Flush(ctx context.Context) {
	i.mu.Lock()
	batch := i.pending
	cursor := i.maxCursor
	i.pending = newBatch()
	i.mu.Unlock()

	if batch.Empty() {
		if cursor > i.flushedCursor {
			i.persistCursor(ctx, cursor)
		}
		return
	}

	start := time.Now()
	if err := i.store.ApplyEventBatch(ctx, batch); err != nil {
		i.logger.Error("flush failed, re-queueing batch", "error", err,
			"posts", len(batch.Posts), "interactions", len(batch.Interactions))
		metrics.IngestFlushErrors.Inc()
		i.requeue(batch)
		return
	}
	metrics.IngestFlushDuration.Observe(time.Since(start).Seconds())
	metrics.IngestFlushPosts.Observe(float64(len(batch.Posts)))

	i.persistCursor(ctx, cursor)
}

func (i *Ingester) persistCursor(ctx context.Context, cursor int64) {
	if cursor == 0 {
		return
	}
	if err := i.store.UpdateCursor(ctx, cursorServiceName, cursor); err != nil {
		i.logger.Error("cursor save failed", "cursor", cursor, "error", err)
		return
	}
	i.flushedCursor = cursor
	metrics.IngestCursor.Set(float64(cursor))
}

func (i *Ingester) requeue(batch *store.EventBatch) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending.Posts = append(batch.Posts, i.pending.Posts...)
	i.pending.Deletes = append(batch.Deletes, i.pending.Deletes...)
	i.pending.Interactions = append(batch.Interactions, i.pending.Interactions...)
	batch.Counters.Merge(i.pending.Counters)
	i.pending.Counters = batch.Counters
}

// authorFromURI extracts the DID from an at:// URI.
func authorFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}
