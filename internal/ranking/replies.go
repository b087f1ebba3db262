package ranking

import (
	"github.com/Mattis142/feed-generator/internal/domain"
)

// threadInfo summarizes one reply cluster (all candidates sharing a
// replyRoot).
type threadInfo struct {
	root string

	l1Replies     int
	l2Replies     int
	mutualReplies int
	graphReplies  int

	// participants are distinct reply authors in the thread.
	participants map[string]struct{}

	// multiPerson marks roots with >= 2 replies from social-graph users.
	multiPerson bool

	// opBoost is the score bonus the root post earns from the conversation
	// underneath it.
	opBoost float64

	// repliesByAuthor counts thread replies per author.
	repliesByAuthor map[string]int

	// selfChainDepth is the longest run of consecutive self-replies per
	// author (author replying to their own post, repeatedly).
	selfChainDepth map[string]int
}

// analyzeThreads groups reply candidates by root and derives conversation
// structure: multi-person threads, OP boosts, and self-reply chains.
func analyzeThreads(pool []Candidate, uctx *userContext) map[string]*threadInfo {
	byURI := make(map[string]*domain.Post, len(pool))
	for i := range pool {
		byURI[pool[i].Post.URI] = &pool[i].Post
	}

	threads := make(map[string]*threadInfo)
	for i := range pool {
		post := &pool[i].Post
		if !post.IsReply() {
			continue
		}
		root := post.ReplyRoot
		if root == "" {
			root = post.ReplyParent
		}
		info := threads[root]
		if info == nil {
			info = &threadInfo{
				root:            root,
				participants:    make(map[string]struct{}),
				repliesByAuthor: make(map[string]int),
				selfChainDepth:  make(map[string]int),
			}
			threads[root] = info
		}
		info.participants[post.Author] = struct{}{}
		info.repliesByAuthor[post.Author]++

		if _, mutual := uctx.layers.Mutuals[post.Author]; mutual {
			info.mutualReplies++
		}
		if _, l1 := uctx.layers.L1[post.Author]; l1 {
			info.l1Replies++
			info.graphReplies++
		} else if _, l2 := uctx.layers.L2[post.Author]; l2 {
			info.l2Replies++
			info.graphReplies++
		} else if _, interacted := uctx.interactedAuthors[post.Author]; interacted {
			info.graphReplies++
		}

		// Self-reply chain: walk up the parent chain while the author keeps
		// talking to themselves. Parents outside the candidate pool end the
		// walk; the chain is a weak-key structure, never a full thread tree.
		depth := 1
		parent := byURI[post.ReplyParent]
		for parent != nil && parent.Author == post.Author {
			depth++
			if !parent.IsReply() {
				break
			}
			parent = byURI[parent.ReplyParent]
		}
		if depth > info.selfChainDepth[post.Author] {
			info.selfChainDepth[post.Author] = depth
		}
	}

	for _, info := range threads {
		info.multiPerson = info.graphReplies >= 2
		info.opBoost = 150*float64(info.l1Replies) +
			75*float64(info.l2Replies) +
			200*float64(info.mutualReplies)
		switch {
		case info.graphReplies >= 5:
			info.opBoost += 500
		case info.graphReplies >= 3:
			info.opBoost += 300
		}
	}
	return threads
}
