package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	trackedRefreshInterval = 15 * time.Minute

	// twinReputationFloor is the reputation a taste twin needs before their
	// events are worth tracking on the firehose.
	twinReputationFloor = 1.5
	twinTrackCap        = 200
)

// TrackedRefresher recomputes the ingester's DID sets: the whitelist itself
// (trackedOwn) and the much larger whitelist ∪ L1 ∪ high-reputation twins
// (trackedInteraction).
type TrackedRefresher struct {
	store     *store.Store
	ingester  *Ingester
	whitelist []string
	logger    *slog.Logger

	// onChange is invoked with the fresh interaction set so the firehose
	// subscription filter can be updated in place.
	onChange func(dids []string)
}

// NewTrackedRefresher creates a refresher. onChange may be nil.
func NewTrackedRefresher(st *store.Store, ing *Ingester, whitelist []string, onChange func([]string), logger *slog.Logger) *TrackedRefresher {
	return &TrackedRefresher{
		store:     st,
		ingester:  ing,
		whitelist: whitelist,
		logger:    logger,
		onChange:  onChange,
	}
}

// Refresh recomputes both sets once.
func (r *TrackedRefresher) Refresh(ctx context.Context) error {
	own := make(DIDSet, len(r.whitelist))
	interaction := make(DIDSet)
	for _, did := range r.whitelist {
		own[did] = struct{}{}
		interaction[did] = struct{}{}
	}

	for _, did := range r.whitelist {
		follows, err := r.store.Follows(ctx, did)
		if err != nil {
			return err
		}
		for _, f := range follows {
			interaction[f] = struct{}{}
		}

		twins, err := r.store.TasteTwins(ctx, did, twinReputationFloor, twinTrackCap)
		if err != nil {
			return err
		}
		for twin := range twins {
			interaction[twin] = struct{}{}
		}
	}

	r.ingester.SetTrackedSets(own, interaction)
	if r.onChange != nil {
		r.onChange(r.ingester.WantedDids())
	}
	r.logger.Info("tracked sets refreshed", "own", len(own), "interaction", len(interaction))
	return nil
}

// Run refreshes immediately and then on the configured interval until ctx is
// cancelled.
func (r *TrackedRefresher) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("tracked set refresh failed", "error", err)
	}
	ticker := time.NewTicker(trackedRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("tracked set refresh failed", "error", err)
			}
		}
	}
}
