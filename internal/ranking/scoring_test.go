package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchesWholeWord(t *testing.T) {
	cases := []struct {
		text, keyword string
		want          bool
	}{
		{"i love gardening a lot", "gardening", true},
		{"gardening", "gardening", true},
		{"regardening is not a word", "gardening", false},
		{"gardening!", "gardening", true},
		{"multi word phrase here", "word phrase", true},
		{"keywording", "word", false},
		{"", "word", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, matchesWholeWord(tc.text, tc.keyword),
			"text=%q keyword=%q", tc.text, tc.keyword)
	}
}

func TestDeterministicJitterIsStable(t *testing.T) {
	a := deterministicJitter("at://p1", "did:u")
	b := deterministicJitter("at://p1", "did:u")
	require.Equal(t, a, b)
	require.NotEqual(t, a, deterministicJitter("at://p1", "did:v"))
}

func TestAuthorFatigueSignal(t *testing.T) {
	// Negative fatigue (the user misses this author) is a boost.
	require.InDelta(t, 50*20.0, authorFatigueSignal(-20, 1, 0), 1e-9)

	// Low positive fatigue is neutral.
	require.Zero(t, authorFatigueSignal(35, 1, 0))

	// High fatigue penalizes, scaled up for stale posts and relieved for
	// heavily engaged ones.
	base := authorFatigueSignal(60, 1, 0)
	require.InDelta(t, -80*30.0, base, 1e-9)
	require.InDelta(t, base*1.5, authorFatigueSignal(60, 49, 0), 1e-9)
	require.InDelta(t, base*0.3, authorFatigueSignal(60, 1, 100), 1e-9)
}

func TestSelfReplyChainSignal(t *testing.T) {
	info := &threadInfo{
		repliesByAuthor: map[string]int{"did:a": 5},
		selfChainDepth:  map[string]int{"did:a": 3},
	}
	require.InDelta(t, -3000, selfReplyChainSignal(info, "did:a", 0), 1e-9)
	require.InDelta(t, -1500, selfReplyChainSignal(info, "did:a", 4), 1e-9, "engaged replies halve the penalty")
	require.Zero(t, selfReplyChainSignal(info, "did:b", 0))

	shallow := &threadInfo{
		repliesByAuthor: map[string]int{"did:a": 2},
		selfChainDepth:  map[string]int{"did:a": 2},
	}
	require.InDelta(t, -1000, selfReplyChainSignal(shallow, "did:a", 0), 1e-9)
}

func TestCursorRoundTrip(t *testing.T) {
	c := &Candidate{Score: 1234.567}
	c.Post.URI = "at://did:a/app.bsky.feed.post/p1"
	c.Post.IndexedAt = time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)

	cursor := encodeCursor(c)
	key, err := parseCursor(cursor)
	require.NoError(t, err)
	require.Equal(t, c.Score, key.score)
	require.Equal(t, c.Post.IndexedAt.UnixMilli(), key.indexedAtMs)
	require.Equal(t, c.Post.URI, key.uri)

	_, err = parseCursor("garbage")
	require.Error(t, err)
	_, err = parseCursor("notanumber::123::uri")
	require.Error(t, err)
}

func TestCursorAfterOrdering(t *testing.T) {
	key := &cursorKey{score: 100, indexedAtMs: 5000, uri: "at://b"}

	lower := &Candidate{Score: 99}
	lower.Post.IndexedAt = time.UnixMilli(9000)
	require.True(t, key.after(lower))

	higher := &Candidate{Score: 101}
	require.False(t, key.after(higher))

	tieOlder := &Candidate{Score: 100}
	tieOlder.Post.IndexedAt = time.UnixMilli(4000)
	require.True(t, key.after(tieOlder))

	tieSameTime := &Candidate{Score: 100}
	tieSameTime.Post.IndexedAt = time.UnixMilli(5000)
	tieSameTime.Post.URI = "at://c"
	require.True(t, key.after(tieSameTime))
	tieSameTime.Post.URI = "at://a"
	require.False(t, key.after(tieSameTime))
}

func TestDiversifyInterleaves(t *testing.T) {
	mk := func(uri, author string, score float64) Candidate {
		c := Candidate{Score: score}
		c.Post.URI = uri
		c.Post.Author = author
		return c
	}
	pool := []Candidate{
		mk("a1", "a", 100), mk("a2", "a", 99), mk("a3", "a", 98),
		mk("b1", "b", 50), mk("c1", "c", 40), mk("b2", "b", 30),
	}
	out := diversify(pool)
	for i := 2; i < len(out); i++ {
		author := out[i].Post.Author
		require.False(t,
			author == out[i-1].Post.Author && author == out[i-2].Post.Author,
			"three in a row by %s", author)
	}
}

func TestDiversifyBailsOutWhenTooLossy(t *testing.T) {
	mk := func(uri string, score float64) Candidate {
		c := Candidate{Score: score}
		c.Post.URI = uri
		c.Post.Author = "did:only"
		return c
	}
	pool := []Candidate{mk("p1", 10), mk("p2", 9), mk("p3", 8), mk("p4", 7)}
	out := diversify(pool)
	require.Len(t, out, len(pool), "single-author pools return pre-diversity order")
}
