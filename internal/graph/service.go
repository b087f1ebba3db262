package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mattis142/feed-generator/internal/bluesky"
	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	// graphRefreshInterval is the at-most-once guard on BuildUserGraph.
	graphRefreshInterval = 24 * time.Hour

	// l2FollowsPerL1 caps how deep we look into each L1 account's follows.
	l2FollowsPerL1 = 100

	// maxL1Pages bounds pagination on the user's own follow list.
	maxL1Pages = 50
)

// SocialAPI is the slice of the AppView the graph service needs.
type SocialAPI interface {
	GetAllFollows(ctx context.Context, actor string, maxPages int) ([]bluesky.Profile, error)
	GetFollows(ctx context.Context, actor, cursor string, limit int) (*bluesky.FollowsPage, error)
	GetProfile(ctx context.Context, actor string) (*bluesky.Profile, error)
	GetPostLikers(ctx context.Context, postURI string, limit int) []string
}

// Service builds and queries tracked users' follow graphs.
type Service struct {
	store  *store.Store
	api    SocialAPI
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a graph service.
func NewService(st *store.Store, api SocialAPI, logger *slog.Logger) *Service {
	return &Service{store: st, api: api, logger: logger, now: time.Now}
}

// BuildUserGraph fetches and persists the user's Layer-1 and Layer-2 follow
// edges. Idempotent: at most one rebuild per 24 h per user, keyed by a meta
// stamp, so concurrent schedulers cannot double-fetch.
func (s *Service) BuildUserGraph(ctx context.Context, userDid string) error {
	metaKey := "graph_last_update_" + userDid
	stamp, err := s.store.GetMeta(ctx, metaKey)
	if err != nil {
		return fmt.Errorf("read graph stamp: %w", err)
	}
	if stamp != "" {
		if last, err := time.Parse(time.RFC3339, stamp); err == nil &&
			s.now().Sub(last) < graphRefreshInterval {
			s.logger.Debug("graph fresh, skipping rebuild", "user", userDid)
			return nil
		}
	}

	l1Profiles, err := s.api.GetAllFollows(ctx, userDid, maxL1Pages)
	if err != nil {
		return fmt.Errorf("fetch L1 follows: %w", err)
	}
	l1 := make([]string, 0, len(l1Profiles))
	for _, p := range l1Profiles {
		l1 = append(l1, p.DID)
	}
	if err := s.store.UpsertFollows(ctx, userDid, l1); err != nil {
		return fmt.Errorf("store L1 follows: %w", err)
	}

	// Layer-2: the first page of each L1 account's follows. The AppView
	// client rate-limits; individual failures are logged and skipped.
	for _, l1Did := range l1 {
		page, err := s.api.GetFollows(ctx, l1Did, "", l2FollowsPerL1)
		if err != nil {
			s.logger.Warn("L2 fetch failed, skipping", "l1", l1Did, "error", err)
			continue
		}
		followees := make([]string, 0, len(page.Follows))
		for _, p := range page.Follows {
			followees = append(followees, p.DID)
		}
		if err := s.store.UpsertFollows(ctx, l1Did, followees); err != nil {
			s.logger.Warn("L2 store failed, skipping", "l1", l1Did, "error", err)
		}
	}

	if err := s.store.SetMeta(ctx, metaKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write graph stamp: %w", err)
	}
	s.logger.Info("user graph rebuilt", "user", userDid, "l1", len(l1))
	return nil
}

// Layers holds a user's resolved follow graph.
type Layers struct {
	L1      map[string]struct{}
	L2      map[string]struct{} // excludes self and L1
	Mutuals map[string]struct{}
}

// LoadLayers reads the user's graph from the store.
func (s *Service) LoadLayers(ctx context.Context, userDid string) (*Layers, error) {
	l1List, err := s.store.Follows(ctx, userDid)
	if err != nil {
		return nil, fmt.Errorf("load L1: %w", err)
	}
	layers := &Layers{
		L1:      make(map[string]struct{}, len(l1List)),
		L2:      make(map[string]struct{}),
		Mutuals: make(map[string]struct{}),
	}
	for _, did := range l1List {
		layers.L1[did] = struct{}{}
	}

	l2ByL1, err := s.store.FollowsOfMany(ctx, l1List)
	if err != nil {
		return nil, fmt.Errorf("load L2: %w", err)
	}
	for _, followees := range l2ByL1 {
		for _, did := range followees {
			if did == userDid {
				continue
			}
			if _, isL1 := layers.L1[did]; isL1 {
				continue
			}
			layers.L2[did] = struct{}{}
		}
	}

	mutuals, err := s.store.Mutuals(ctx, userDid)
	if err != nil {
		return nil, fmt.Errorf("load mutuals: %w", err)
	}
	for _, did := range mutuals {
		layers.Mutuals[did] = struct{}{}
	}
	return layers, nil
}

// WantedDIDs returns self ∪ L1 ∪ L2, or {self} when the user follows nobody.
func (s *Service) WantedDIDs(ctx context.Context, userDid string) (map[string]struct{}, error) {
	layers, err := s.LoadLayers(ctx, userDid)
	if err != nil {
		return nil, err
	}
	out := map[string]struct{}{userDid: {}}
	if len(layers.L1) == 0 {
		return out, nil
	}
	for did := range layers.L1 {
		out[did] = struct{}{}
	}
	for did := range layers.L2 {
		out[did] = struct{}{}
	}
	return out, nil
}

// PostLikers proxies the external likers lookup; failures yield nil.
func (s *Service) PostLikers(ctx context.Context, postURI string, limit int) []string {
	return s.api.GetPostLikers(ctx, postURI, limit)
}
