package ranking

import (
	"strings"
	"unicode"

	"github.com/Mattis142/feed-generator/internal/domain"
)

// keywordSignal sums the user's keyword scores over whole-word matches in the
// post text. Matches outside the social graph are the discovery path and get
// a much larger multiplier than in-graph posts, which already score on tier.
func (r *Ranker) keywordSignal(uctx *userContext, post *domain.Post, inGraph, batchMode bool) float64 {
	if post.Text == "" || len(uctx.keywords) == 0 {
		return 0
	}
	text := strings.ToLower(post.Text)

	multiplier := keywordBoostInGraph
	if !inGraph {
		multiplier = keywordBoostDiscovery
		if batchMode {
			multiplier = keywordBoostDiscoveryBatch
		}
	}

	var total float64
	for keyword, score := range uctx.keywords {
		if matchesWholeWord(text, keyword) {
			total += score * multiplier
		}
	}
	return total
}

// matchesWholeWord reports whether keyword occurs in text on word boundaries.
// Both sides must already be lowercased. Multi-word keywords match as
// phrases.
func matchesWholeWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], keyword)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(keyword)
		if boundaryBefore(text, idx) && boundaryAfter(text, end) {
			return true
		}
		start = idx + 1
		if start >= len(text) {
			return false
		}
	}
}

func boundaryBefore(text string, idx int) bool {
	if idx == 0 {
		return true
	}
	r := rune(text[idx-1])
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r := rune(text[end])
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}
