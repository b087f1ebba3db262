package ranking

// diversify greedily interleaves the pool so no author appears among the two
// most recent slots. Authors otherwise accumulate in a block set that is
// relaxed back down to the last two every third slot, spreading prolific
// authors out instead of banning them outright. If the strict pass would cut
// the pool by more than half, the pre-diversity order wins.
func diversify(pool []Candidate) []Candidate {
	if len(pool) <= 2 {
		return pool
	}

	remaining := make([]Candidate, len(pool))
	copy(remaining, pool)
	out := make([]Candidate, 0, len(pool))

	blocked := make(map[string]struct{})
	var recent []string // most recent authors, newest last

	for len(remaining) > 0 {
		slot := len(out)
		if slot%3 == 0 && slot > 0 {
			// Relax the accumulated block set; only the last two authors
			// stay banned.
			blocked = make(map[string]struct{})
			for _, author := range lastN(recent, 2) {
				blocked[author] = struct{}{}
			}
		}

		picked := -1
		for i := range remaining {
			if _, banned := blocked[remaining[i].Post.Author]; banned {
				continue
			}
			if inLastN(recent, 2, remaining[i].Post.Author) {
				continue
			}
			picked = i
			break
		}
		if picked < 0 {
			// Everything left is blocked, by the last two authors or by the
			// accumulated block set; the rest of the pool is dropped.
			break
		}

		c := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, c)
		blocked[c.Post.Author] = struct{}{}
		recent = append(recent, c.Post.Author)
	}

	if len(out)*2 < len(pool) {
		return pool
	}
	return out
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func inLastN(items []string, n int, target string) bool {
	for _, it := range lastN(items, n) {
		if it == target {
			return true
		}
	}
	return false
}
