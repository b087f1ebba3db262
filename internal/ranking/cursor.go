package ranking

import (
	"fmt"
	"strconv"
	"strings"
)

const maxPageSize = 100

// cursorKey is the total sort key a cursor encodes.
type cursorKey struct {
	score       float64
	indexedAtMs int64
	uri         string
}

// EncodeCursorKey renders a (score, timestampMs, uri) sort key as an opaque
// cursor string. Shared with the serve-time fusion layer, which paginates on
// its own adjusted scores but the same total order.
func EncodeCursorKey(score float64, indexedAtMs int64, uri string) string {
	return fmt.Sprintf("%s::%d::%s",
		strconv.FormatFloat(score, 'f', -1, 64), indexedAtMs, uri)
}

// ParseCursorKey decodes a cursor produced by EncodeCursorKey.
func ParseCursorKey(cursor string) (score float64, indexedAtMs int64, uri string, err error) {
	key, err := parseCursor(cursor)
	if err != nil {
		return 0, 0, "", err
	}
	return key.score, key.indexedAtMs, key.uri, nil
}

// encodeCursor renders the last item of a page as an opaque cursor.
func encodeCursor(c *Candidate) string {
	return EncodeCursorKey(c.Score, c.Post.IndexedAt.UnixMilli(), c.Post.URI)
}

// parseCursor decodes a cursor previously produced by encodeCursor.
func parseCursor(cursor string) (*cursorKey, error) {
	parts := strings.SplitN(cursor, "::", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("cursor must be in format 'score::timestampMs::uri'")
	}
	score, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid score in cursor: %w", err)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return &cursorKey{score: score, indexedAtMs: ms, uri: parts[2]}, nil
}

// after reports whether the candidate sorts strictly after the cursor in the
// (-score, -indexedAtMs, uri) total order.
func (k *cursorKey) after(c *Candidate) bool {
	if c.Score != k.score {
		return c.Score < k.score
	}
	ms := c.Post.IndexedAt.UnixMilli()
	if ms != k.indexedAtMs {
		return ms < k.indexedAtMs
	}
	return c.Post.URI > k.uri
}

// paginate applies the request cursor and limit. The page resumes right after
// the position of the item the cursor names, so pages stay disjoint even when
// diversity has locally reshuffled the score order; a "strictly after"
// comparison on the total key is used only when that item is gone.
func paginate(pool []Candidate, params Params) (*Result, error) {
	eligible := pool
	if params.Cursor != "" {
		key, err := parseCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", params.Cursor, err)
		}
		// The cursor names the last item of the previous page. The order is
		// deterministic for fixed state, so resuming right after that item
		// keeps pages disjoint and their concatenation identical to one
		// larger request. When the item has vanished between requests, fall
		// back to the first candidate sorting strictly after the key.
		start := -1
		for i := range pool {
			if pool[i].Score == key.score &&
				pool[i].Post.IndexedAt.UnixMilli() == key.indexedAtMs &&
				pool[i].Post.URI == key.uri {
				start = i + 1
				break
			}
		}
		if start < 0 {
			start = len(pool)
			for i := range pool {
				if key.after(&pool[i]) {
					start = i
					break
				}
			}
		}
		eligible = pool[start:]
	}

	limit := params.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if limit > len(eligible) {
		limit = len(eligible)
	}
	page := eligible[:limit]

	result := &Result{Items: page}
	if limit < len(eligible) && len(page) > 0 {
		result.Cursor = encodeCursor(&page[len(page)-1])
	}
	return result, nil
}
