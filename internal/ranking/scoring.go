package ranking

import (
	"hash/fnv"
	"math"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// Relationship tiers between the requesting user and a post author.
type tier int

const (
	tierL1 tier = iota
	tierInteracted
	tierL2
	tierCold
)

func (u *userContext) tierOf(author string) tier {
	if _, ok := u.layers.L1[author]; ok {
		return tierL1
	}
	if _, ok := u.interactedAuthors[author]; ok {
		return tierInteracted
	}
	if _, ok := u.layers.L2[author]; ok {
		return tierL2
	}
	return tierCold
}

// Scoring constants. Half-lives are in hours.
const (
	recencyHalfLife = 24.0
	tierHalfLife    = 336.0

	keywordBoostInGraph        = 100.0
	keywordBoostDiscovery      = 1200.0
	keywordBoostDiscoveryBatch = 800.0

	sandboxPenalty        = -4000.0
	sandboxPenaltyPopular = -1500.0
	sandboxPenaltyBatch   = -2000.0

	jitterRangeNarrow = 300
	jitterRangeWide   = 1200
)

// score computes the candidate's additive signal stack. The seen-fatigue
// multiplier is applied last so every additive signal feeds into it.
func (r *Ranker) score(c *Candidate, uctx *userContext, eff *effort, threads map[string]*threadInfo, byURI map[string]*domain.Post, batchMode bool) {
	post := &c.Post
	now := r.now()
	age := post.AgeHours(now)
	if age < 0 {
		age = 0
	}
	signals := make(map[string]float64)

	inGraph := uctx.inGraph(post.Author)
	affinity := 1.0
	fatigueRow := uctx.fatigue[post.Author]
	if fatigueRow != nil {
		affinity = fatigueRow.AffinityScore
	}

	signals["recency"] = 10 * math.Pow(0.5, age/recencyHalfLife)

	tierDecay := math.Pow(0.5, age/tierHalfLife)
	switch uctx.tierOf(post.Author) {
	case tierL1:
		mutualFactor := 1.0
		if _, mutual := uctx.layers.Mutuals[post.Author]; mutual {
			mutualFactor = 2.5
		}
		signals["tier"] = 3000 * tierDecay * mutualFactor * (0.8 + 0.2*affinity)
	case tierInteracted:
		signals["tier"] = 1500 * tierDecay * (0.8 + 0.2*affinity)
	case tierL2:
		signals["tier"] = 500 * tierDecay * (0.9 + 0.1*affinity)
	default:
		signals["tier"] = 50 * tierDecay
	}

	if eff.total() > 0 {
		signals["network_effort"] = math.Round(math.Pow(float64(eff.total()), 1.5) * 200)
	}
	signals["engagement"] = 15*float64(post.LikeCount) + 30*float64(post.RepostCount)

	discoveryMatch := false
	if kw := r.keywordSignal(uctx, post, inGraph, batchMode); kw != 0 {
		signals["keyword"] = kw
		if !inGraph {
			discoveryMatch = true
		}
	}

	if twins := uctx.twinLikes[post.URI]; len(twins) > 0 {
		var repSum float64
		for _, twin := range twins {
			repSum += uctx.tasteTwins[twin]
		}
		boost := (repSum / float64(len(twins))) / 5.0
		signals["taste"] = boost * 2500 * math.Min(4, 1+0.8*float64(len(twins)-1))
		discoveryMatch = true
	}

	if !inGraph {
		penalty := sandboxPenalty
		if post.LikeCount > 50 {
			penalty = sandboxPenaltyPopular
		}
		if batchMode {
			penalty = sandboxPenaltyBatch
		}
		signals["sandbox"] = penalty

		if (post.HasImage || post.HasVideo) && uctx.mediaRatio < 0.2 {
			signals["media_mismatch"] = -1500
		}
	}

	rootKey := post.ReplyRoot
	if rootKey == "" {
		rootKey = post.ReplyParent
	}

	if !post.IsReply() {
		partial := sumSignals(signals)
		opBoost := math.Min(300, 0.10*math.Max(0, partial))
		if info := threads[post.URI]; info != nil {
			opBoost += info.opBoost
		}
		if opBoost > 0 {
			signals["op_boost"] = opBoost
		}
	} else {
		signals["reply_base"] = -800
		if _, mutual := uctx.layers.Mutuals[post.Author]; mutual {
			signals["reply_mutual"] = 600
		}

		replyEngagement := post.LikeCount + post.RepostCount
		switch {
		case replyEngagement >= 5:
			signals["reply_popularity"] = 300
		case replyEngagement >= 2:
			signals["reply_popularity"] = 100
		}

		switch uctx.tierOf(post.Author) {
		case tierL1:
			signals["reply_graph_tier"] = 400
		case tierInteracted:
			signals["reply_graph_tier"] = 200
		case tierL2:
			signals["reply_graph_tier"] = 100
		}

		info := threads[rootKey]
		if info != nil && info.multiPerson && info.repliesByAuthor[post.Author] > 1 {
			penalty := -400.0
			penalty -= math.Min(100*float64(info.graphReplies), 500)
			signals["reply_repetition_penalty"] = penalty
		}

		if parent := byURI[post.ReplyParent]; parent != nil {
			parentAge := parent.AgeHours(now)
			if parentAge > 24 {
				signals["reply_old_parent"] = -math.Min(5*parentAge, 300)
			}
		}

		if n := eff.actorCount(); n > 0 {
			signals["reply_network"] = 50 * float64(n)
		}

		if info != nil {
			if chain := selfReplyChainSignal(info, post.Author, replyEngagement); chain != 0 {
				signals["self_reply_chain"] = chain
			}
		}
	}

	engagementTotal := post.LikeCount + post.ReplyCount + post.RepostCount
	if age < 1 && engagementTotal == 0 {
		signals["ghost_penalty"] = -500
	}
	if age > 24 && !inGraph && eff.total() == 0 {
		signals["cold_unknown_penalty"] = -1000
	}

	for _, typ := range uctx.interactedURIs[post.URI] {
		switch typ {
		case "like":
			signals["already_liked"] = -8000
		case "repost":
			signals["already_reposted"] = -6000
		case "reply":
			signals["already_replied"] = -5000
		}
	}

	if fatigueRow != nil {
		if f := authorFatigueSignal(fatigueRow.FatigueScore, age, post.LikeCount); f != 0 {
			signals["author_fatigue"] = f
		}
	}

	jitterRange := jitterRangeWide
	if !inGraph && !discoveryMatch {
		jitterRange = jitterRangeNarrow
	}
	signals["jitter"] = float64(deterministicJitter(post.URI, uctx.userDid) % uint64(jitterRange))

	score := sumSignals(signals)

	// Seen fatigue halves the whole stack per confirmed view; batch mode
	// skips it so the semantic pipeline sees unfatigued scores.
	if !batchMode {
		if count := uctx.seenCounts[post.URI]; count > 0 {
			multiplier := math.Pow(0.5, float64(count))
			signals["seen_multiplier"] = multiplier
			score *= multiplier
		}
	}

	c.Signals = signals
	c.Score = score
	if eff != nil {
		c.RepostURI = eff.repostURI
	}
}

// selfReplyChainSignal penalizes authors threading replies onto their own
// replies. Engaged replies earn the chain back half its penalty.
func selfReplyChainSignal(info *threadInfo, author string, replyEngagement int) float64 {
	depth := info.selfChainDepth[author]
	var penalty float64
	switch {
	case depth >= 3:
		penalty = -2000
	case depth >= 2:
		penalty = -1000
	default:
		return 0
	}
	authorReplies := info.repliesByAuthor[author]
	switch {
	case authorReplies >= 5:
		penalty -= 1000
	case authorReplies >= 3:
		penalty -= 500
	}
	if replyEngagement >= 2 {
		penalty /= 2
	}
	return penalty
}

func sumSignals(signals map[string]float64) float64 {
	var sum float64
	for name, v := range signals {
		if name == "seen_multiplier" {
			continue
		}
		sum += v
	}
	return sum
}

// authorFatigueSignal converts the author's fatigue score into a boost (for
// authors the user misses) or a penalty (for overexposed authors). Older
// posts amplify the penalty; strong engagement relieves it.
func authorFatigueSignal(fatigue, ageHours float64, likeCount int) float64 {
	if fatigue < 0 {
		return 50 * math.Abs(fatigue)
	}
	if fatigue <= 40 {
		return 0
	}
	penalty := -80 * (fatigue - 30)
	switch {
	case ageHours > 48:
		penalty *= 1.5
	case ageHours > 24:
		penalty *= 1.2
	}
	switch {
	case likeCount >= 50:
		penalty *= 0.3
	case likeCount >= 20:
		penalty *= 0.5
	case likeCount >= 5:
		penalty *= 0.7
	}
	return penalty
}

// deterministicJitter hashes (uri, user) so the same candidate always jitters
// the same way for the same user.
func deterministicJitter(uri, userDid string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(uri))
	h.Write([]byte{0})
	h.Write([]byte(userDid))
	return h.Sum64()
}
