package ranking

import (
	"context"
	"fmt"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// effort aggregates interactions on a post by the user's L1 follows
// and influential L2 accounts.
type effort struct {
	likes   int
	reposts int
	actors  map[string]struct{}

	// repostURI is the first repost record from an L1 follower, surfaced as
	// the skeleton repost reason.
	repostURI string
}

func (e *effort) total() int {
	if e == nil {
		return 0
	}
	return e.likes + e.reposts
}

func (e *effort) actorCount() int {
	if e == nil {
		return 0
	}
	return len(e.actors)
}

// networkEffort fetches interactions on the candidate pool and keeps those by
// actors the user's graph cares about.
func (r *Ranker) networkEffort(ctx context.Context, uctx *userContext, pool []Candidate) (map[string]*effort, error) {
	uris := make([]string, 0, len(pool))
	for _, c := range pool {
		uris = append(uris, c.Post.URI)
	}
	interactions, err := r.store.InteractionsByTargets(ctx, uris)
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}

	out := make(map[string]*effort)
	for _, edge := range interactions {
		_, isL1 := uctx.layers.L1[edge.Actor]
		_, isInfluential := uctx.influentialL2[edge.Actor]
		if !isL1 && !isInfluential {
			continue
		}
		e := out[edge.Target]
		if e == nil {
			e = &effort{actors: make(map[string]struct{})}
			out[edge.Target] = e
		}
		e.actors[edge.Actor] = struct{}{}
		switch edge.Type {
		case domain.InteractionLike:
			e.likes++
		case domain.InteractionRepost:
			e.reposts++
			if e.repostURI == "" && isL1 && edge.InteractionURI != "" {
				e.repostURI = edge.InteractionURI
			}
		}
	}
	return out, nil
}
