package vectorindex

import (
	"context"
	"hash/fnv"
	"strconv"
)

// Collection names and the embedding dimensionality shared by both.
const (
	CollectionPosts    = "post_embeddings"
	CollectionProfiles = "user_profiles"
	VectorDim          = 512
)

// Point is one vector plus payload to upsert.
type Point struct {
	ID      uint64
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is one ANN search hit.
type ScoredPoint struct {
	ID      uint64
	Score   float32
	Payload map[string]any
}

// StoredPoint is one scrolled point, optionally with its vector.
type StoredPoint struct {
	ID      uint64
	Vector  []float32
	Payload map[string]any
}

// Index is the opaque cosine-distance ANN store. Points are partitioned per
// user via the discoveredBy payload field so one user's liked vectors never
// contaminate another's searches.
type Index interface {
	// EnsureCollections creates both collections and their payload indexes
	// if they do not exist yet.
	EnsureCollections(ctx context.Context) error

	// Upsert writes points into a collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search runs a cosine ANN query filtered to filterField = filterValue.
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filterField, filterValue string) ([]ScoredPoint, error)

	// Scroll pages through all points matching filterField = filterValue.
	Scroll(ctx context.Context, collection, filterField, filterValue string, withVectors bool) ([]StoredPoint, error)

	// DeletePoints removes points by id.
	DeletePoints(ctx context.Context, collection string, ids []uint64) error

	// DeleteByFilter removes all points matching filterField = filterValue.
	DeleteByFilter(ctx context.Context, collection, filterField, filterValue string) error
}

// PostPointID derives the deterministic point id for a (user, post) pair.
func PostPointID(userDid, uri string) uint64 {
	return hash64(userDid, uri)
}

// ProfilePointID derives the deterministic point id for a user's interest
// centroid.
func ProfilePointID(userDid string, clusterID int) uint64 {
	return hash64(userDid, "profile", strconv.Itoa(clusterID))
}

func hash64(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return h.Sum64()
}
