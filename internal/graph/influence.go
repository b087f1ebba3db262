package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mattis142/feed-generator/internal/store"
)

const (
	// influentialL2CacheTTL is how long a computed influential-L2 set stays
	// valid. influentialL2CacheFloor is the extra time past the TTL during
	// which a stale set is still served when recomputation fails.
	influentialL2CacheTTL   = 72 * time.Hour
	influentialL2CacheFloor = 24 * time.Hour

	// influentialL2Keep is how many top-influence accounts are cached.
	influentialL2Keep = 100

	// minSharedL1 skips L2 candidates only one L1 connects to; their
	// influence is too weak to pay for a profile fetch.
	minSharedL1 = 2

	// maxProfileFetches bounds external calls per recomputation.
	maxProfileFetches = 500
)

// InfluentialL2 returns the user's influential Layer-2 set, recomputing it
// when the cache is older than the TTL. An L2 account is influential when the
// path to the user runs through many L1s and the account has comparatively
// few total followers.
func (s *Service) InfluentialL2(ctx context.Context, userDid string) (map[string]float64, error) {
	cached, updatedAt, err := s.store.GetInfluentialL2(ctx, userDid)
	if err != nil {
		return nil, err
	}
	age := s.now().Sub(updatedAt)
	if len(cached) > 0 && age < influentialL2CacheTTL {
		return influenceMap(cached), nil
	}
	// Serve a stale cache rather than nothing if recomputation fails and the
	// cache is younger than the TTL plus the floor.
	fresh, err := s.computeInfluentialL2(ctx, userDid)
	if err != nil {
		if len(cached) > 0 && age < influentialL2CacheTTL+influentialL2CacheFloor {
			s.logger.Warn("influential L2 recompute failed, serving stale cache",
				"user", userDid, "error", err)
			return influenceMap(cached), nil
		}
		return nil, err
	}
	return influenceMap(fresh), nil
}

func (s *Service) computeInfluentialL2(ctx context.Context, userDid string) ([]store.InfluentialL2, error) {
	layers, err := s.LoadLayers(ctx, userDid)
	if err != nil {
		return nil, err
	}

	l1List := make([]string, 0, len(layers.L1))
	for did := range layers.L1 {
		l1List = append(l1List, did)
	}
	l2ByL1, err := s.store.FollowsOfMany(ctx, l1List)
	if err != nil {
		return nil, fmt.Errorf("load L1 follow edges: %w", err)
	}

	// Count how many of the user's L1s follow each L2 candidate.
	sharedL1 := make(map[string]int)
	for _, followees := range l2ByL1 {
		for _, did := range followees {
			if did == userDid {
				continue
			}
			if _, isL1 := layers.L1[did]; isL1 {
				continue
			}
			sharedL1[did]++
		}
	}

	type candidate struct {
		did     string
		l1Count int
	}
	candidates := make([]candidate, 0, len(sharedL1))
	for did, count := range sharedL1 {
		if count >= minSharedL1 {
			candidates = append(candidates, candidate{did: did, l1Count: count})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].l1Count != candidates[j].l1Count {
			return candidates[i].l1Count > candidates[j].l1Count
		}
		return candidates[i].did < candidates[j].did
	})
	if len(candidates) > maxProfileFetches {
		candidates = candidates[:maxProfileFetches]
	}

	entries := make([]store.InfluentialL2, 0, len(candidates))
	for _, c := range candidates {
		profile, err := s.api.GetProfile(ctx, c.did)
		if err != nil {
			s.logger.Warn("profile fetch failed, skipping L2 candidate",
				"did", c.did, "error", err)
			continue
		}
		total := profile.FollowersCount
		if total < 1 {
			total = 1
		}
		influence := (float64(c.l1Count) / math.Sqrt(float64(total))) * float64(c.l1Count)
		entries = append(entries, store.InfluentialL2{
			DID:             c.did,
			InfluenceScore:  influence,
			L1FollowerCount: c.l1Count,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].InfluenceScore != entries[j].InfluenceScore {
			return entries[i].InfluenceScore > entries[j].InfluenceScore
		}
		return entries[i].DID < entries[j].DID
	})
	if len(entries) > influentialL2Keep {
		entries = entries[:influentialL2Keep]
	}

	if err := s.store.ReplaceInfluentialL2(ctx, userDid, entries); err != nil {
		return nil, fmt.Errorf("store influential L2: %w", err)
	}
	return entries, nil
}

func influenceMap(entries []store.InfluentialL2) map[string]float64 {
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.DID] = e.InfluenceScore
	}
	return out
}
