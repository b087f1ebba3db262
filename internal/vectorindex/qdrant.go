package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// scrollPageSize is how many points one scroll request fetches.
const scrollPageSize = 1000

// Qdrant implements Index against a Qdrant gRPC endpoint.
type Qdrant struct {
	client *qdrant.Client
	logger *slog.Logger
}

// NewQdrant dials the Qdrant endpoint at addr (host:port).
func NewQdrant(addr string, logger *slog.Logger) (*Qdrant, error) {
	host, portStr, found := strings.Cut(addr, ":")
	port := 6334
	if found {
		parsed, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant address %q: %w", addr, err)
		}
		port = parsed
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Qdrant{client: client, logger: logger}, nil
}

// payloadIndexes lists the keyword/integer payload fields indexed per
// collection.
var payloadIndexes = map[string][]struct {
	field string
	kind  qdrant.FieldType
}{
	CollectionPosts: {
		{"uri", qdrant.FieldType_FieldTypeKeyword},
		{"author", qdrant.FieldType_FieldTypeKeyword},
		{"discoveredBy", qdrant.FieldType_FieldTypeKeyword},
		{"indexedAt", qdrant.FieldType_FieldTypeInteger},
		{"likeCount", qdrant.FieldType_FieldTypeInteger},
	},
	CollectionProfiles: {
		{"userDid", qdrant.FieldType_FieldTypeKeyword},
		{"clusterId", qdrant.FieldType_FieldTypeInteger},
		{"updatedAt", qdrant.FieldType_FieldTypeInteger},
	},
}

// EnsureCollections creates both 512-dim cosine collections and their payload
// indexes if missing.
func (q *Qdrant) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{CollectionPosts, CollectionProfiles} {
		exists, err := q.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s: %w", name, err)
		}
		if !exists {
			err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     VectorDim,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil {
				return fmt.Errorf("create collection %s: %w", name, err)
			}
			q.logger.Info("created vector collection", "collection", name)
		}
		for _, idx := range payloadIndexes[name] {
			kind := idx.kind
			_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      idx.field,
				FieldType:      &kind,
			})
			if err != nil {
				// Index creation is idempotent upstream; log and move on.
				q.logger.Debug("payload index create", "collection", name, "field", idx.field, "error", err)
			}
		}
	}
	return nil
}

// Upsert writes points into a collection.
func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert %d points to %s: %w", len(points), collection, err)
	}
	return nil
}

// Search runs a filtered cosine ANN query.
func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filterField, filterValue string) ([]ScoredPoint, error) {
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(scoreThreshold),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(filterField, filterValue)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	out := make([]ScoredPoint, 0, len(hits))
	for _, hit := range hits {
		out = append(out, ScoredPoint{
			ID:      hit.GetId().GetNum(),
			Score:   hit.GetScore(),
			Payload: fromValueMap(hit.GetPayload()),
		})
	}
	return out, nil
}

// Scroll pages through all points matching the filter.
func (q *Qdrant) Scroll(ctx context.Context, collection, filterField, filterValue string, withVectors bool) ([]StoredPoint, error) {
	var out []StoredPoint
	var offset *qdrant.PointId
	for {
		points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(filterField, filterValue)},
			},
			Limit:       qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:      offset,
			WithPayload: qdrant.NewWithPayload(true),
			WithVectors: qdrant.NewWithVectors(withVectors),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", collection, err)
		}
		for _, p := range points {
			sp := StoredPoint{
				ID:      p.GetId().GetNum(),
				Payload: fromValueMap(p.GetPayload()),
			}
			if withVectors {
				sp.Vector = p.GetVectors().GetVector().GetData()
			}
			out = append(out, sp)
		}
		if len(points) < scrollPageSize {
			return out, nil
		}
		offset = points[len(points)-1].GetId()
	}
}

// DeletePoints removes points by id.
func (q *Qdrant) DeletePoints(ctx context.Context, collection string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDNum(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("delete %d points from %s: %w", len(ids), collection, err)
	}
	return nil
}

// DeleteByFilter removes all points matching filterField = filterValue.
func (q *Qdrant) DeleteByFilter(ctx context.Context, collection, filterField, filterValue string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(filterField, filterValue)},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete by filter from %s: %w", collection, err)
	}
	return nil
}

func fromValueMap(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		switch v := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = v.BoolValue
		}
	}
	return out
}
