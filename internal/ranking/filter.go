package ranking

import (
	"sort"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// Filter floors. Replies get more lenient floors the closer the author is.
const (
	originalScoreFloor = -5000.0

	replyFloorMutual     = -2000.0
	replyFloorL1         = -1000.0
	replyFloorInteracted = -500.0
	replyFloorL2         = 0.0
	replyFloorUnknown    = 500.0

	// largeConversationReplies is the graph-reply count at and above which
	// only the single best reply of a conversation survives.
	largeConversationReplies = 3
)

// filterCandidates applies the hard drops: already-liked posts, ghost posts
// the user has repeatedly scrolled past, originals below the score floor, and
// replies below their relationship floor. In large multi-person conversations
// only the highest-scoring reply survives.
func filterCandidates(pool []Candidate, uctx *userContext, threads map[string]*threadInfo) []Candidate {
	bestReplyPerThread := make(map[string]string) // root -> best reply URI
	for i := range pool {
		post := &pool[i].Post
		if !post.IsReply() {
			continue
		}
		root := rootKeyOf(post)
		info := threads[root]
		if info == nil || !info.multiPerson || info.graphReplies < largeConversationReplies {
			continue
		}
		best, ok := bestReplyPerThread[root]
		if !ok || pool[i].Score > scoreOf(pool, best) {
			bestReplyPerThread[root] = post.URI
		}
	}

	out := pool[:0]
	for _, c := range pool {
		post := &c.Post

		if hasInteraction(uctx, post.URI, domain.InteractionLike) {
			continue
		}
		engagement := post.LikeCount + post.ReplyCount + post.RepostCount
		if engagement == 0 && uctx.seenCounts[post.URI] >= 3 {
			continue
		}

		if !post.IsReply() {
			if c.Score <= originalScoreFloor {
				continue
			}
			out = append(out, c)
			continue
		}

		if c.Score <= replyFloor(uctx, post.Author) {
			continue
		}
		root := rootKeyOf(post)
		if best, restricted := bestReplyPerThread[root]; restricted && best != post.URI {
			continue
		}
		out = append(out, c)
	}
	return out
}

func rootKeyOf(post *domain.Post) string {
	if post.ReplyRoot != "" {
		return post.ReplyRoot
	}
	return post.ReplyParent
}

func scoreOf(pool []Candidate, uri string) float64 {
	for i := range pool {
		if pool[i].Post.URI == uri {
			return pool[i].Score
		}
	}
	return 0
}

func hasInteraction(uctx *userContext, uri string, typ domain.InteractionType) bool {
	for _, t := range uctx.interactedURIs[uri] {
		if t == typ {
			return true
		}
	}
	return false
}

func replyFloor(uctx *userContext, author string) float64 {
	if _, mutual := uctx.layers.Mutuals[author]; mutual {
		return replyFloorMutual
	}
	switch uctx.tierOf(author) {
	case tierL1:
		return replyFloorL1
	case tierInteracted:
		return replyFloorInteracted
	case tierL2:
		return replyFloorL2
	default:
		return replyFloorUnknown
	}
}

// Per-conversation caps applied in the dedup pass.
const (
	maxOriginalsPerRoot    = 2
	maxMutualReplies       = 3
	maxPopularL1Replies    = 2
	maxOtherGraphReplies   = 1
	maxUnknownReplies      = 1
	otherGraphReplyFloor   = 100.0
	unknownReplyFloor      = 500.0
	popularReplyEngagement = 2
)

// dedupThreads caps how much of any one conversation reaches the feed:
// at most two originals per root and a relationship-tiered reply budget.
func dedupThreads(pool []Candidate, uctx *userContext, threads map[string]*threadInfo) []Candidate {
	sortCandidates(pool)

	type rootBudget struct {
		originals     int
		mutualReplies int
		popularL1     int
		otherGraph    int
		unknown       int
	}
	budgets := make(map[string]*rootBudget)
	budget := func(root string) *rootBudget {
		b := budgets[root]
		if b == nil {
			b = &rootBudget{}
			budgets[root] = b
		}
		return b
	}

	out := pool[:0]
	for _, c := range pool {
		post := &c.Post
		if !post.IsReply() {
			b := budget(post.URI)
			if b.originals >= maxOriginalsPerRoot {
				continue
			}
			b.originals++
			out = append(out, c)
			continue
		}

		b := budget(rootKeyOf(post))
		_, mutual := uctx.layers.Mutuals[post.Author]
		t := uctx.tierOf(post.Author)
		popular := post.LikeCount+post.RepostCount >= popularReplyEngagement

		switch {
		case mutual:
			if b.mutualReplies >= maxMutualReplies {
				continue
			}
			b.mutualReplies++
		case t == tierL1 && popular:
			if b.popularL1 >= maxPopularL1Replies {
				continue
			}
			b.popularL1++
		case t == tierL1 || t == tierInteracted || t == tierL2:
			if b.otherGraph >= maxOtherGraphReplies || c.Score <= otherGraphReplyFloor {
				continue
			}
			b.otherGraph++
		default:
			if b.unknown >= maxUnknownReplies || c.Score <= unknownReplyFloor {
				continue
			}
			b.unknown++
		}
		out = append(out, c)
	}
	return out
}

// sortCandidates orders by the stable total key (-score, -indexedAtMs, uri).
func sortCandidates(pool []Candidate) {
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		ti, tj := pool[i].Post.IndexedAt.UnixMilli(), pool[j].Post.IndexedAt.UnixMilli()
		if ti != tj {
			return ti > tj
		}
		return pool[i].Post.URI < pool[j].Post.URI
	})
}
