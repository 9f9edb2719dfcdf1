package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	sdk "github.com/qdrant/go-client/qdrant"
)

const defaultSetupTimeout = 10 * time.Second

// Reserved payload keys; everything else in a point's payload is record payload.
const (
	payloadKeyID      = "_id"
	payloadKeyContent = "_content"
)

// Qdrant is a vector index backed by a Qdrant collection with cosine distance.
type Qdrant struct {
	client     *sdk.Client
	collection string
	dimensions int
}

// QdrantConfig configures the Qdrant index.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// NewQdrant connects to Qdrant and ensures the collection exists.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}

	client, err := sdk.NewClient(&sdk.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	idx := &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
	}
	if err := idx.ensureCollection(); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return idx, nil
}

func (q *Qdrant) ensureCollection() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSetupTimeout)
	defer cancel()

	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}

	err = q.client.CreateCollection(ctx, &sdk.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: sdk.NewVectorsConfig(&sdk.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: sdk.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// pointID maps a record id to a stable Qdrant point id. Qdrant only accepts
// UUIDs or integers, our ids are mem_<hex>, so derive a name-based UUID.
func pointID(recordID string) *sdk.PointId {
	return sdk.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID)).String())
}

// Upsert adds or replaces a record.
func (q *Qdrant) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	payload := make(map[string]any, len(rec.Payload)+2)
	for k, v := range rec.Payload {
		payload[k] = v
	}
	payload[payloadKeyID] = rec.ID
	payload[payloadKeyContent] = rec.Content

	wait := true
	_, err := q.client.Upsert(ctx, &sdk.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*sdk.PointStruct{
			{
				Id:      pointID(rec.ID),
				Vectors: sdk.NewVectors(rec.Vector...),
				Payload: sdk.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Query returns the k nearest records by cosine similarity, descending.
func (q *Qdrant) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	limit := uint64(k)
	points, err := q.client.Query(ctx, &sdk.QueryPoints{
		CollectionName: q.collection,
		Query:          sdk.NewQuery(vec...),
		Limit:          &limit,
		WithPayload:    sdk.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, point := range points {
		id, content, payload := splitPayload(point.Payload)
		if id == "" {
			continue
		}
		results = append(results, Result{
			ID:         id,
			Similarity: float64(point.Score),
			Content:    content,
			Payload:    payload,
		})
	}
	return results, nil
}

// Fetch returns a single record including its stored vector.
func (q *Qdrant) Fetch(ctx context.Context, id string) (*Record, error) {
	points, err := q.client.Get(ctx, &sdk.GetPoints{
		CollectionName: q.collection,
		Ids:            []*sdk.PointId{pointID(id)},
		WithPayload:    sdk.NewWithPayload(true),
		WithVectors:    sdk.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get point: %w", err)
	}
	if len(points) == 0 {
		return nil, ErrNotFound
	}

	point := points[0]
	_, content, payload := splitPayload(point.Payload)
	rec := &Record{ID: id, Content: content, Payload: payload}
	if v := point.Vectors.GetVector(); v != nil {
		rec.Vector = v.Data
	}
	return rec, nil
}

// Delete removes a record. Deleting a missing id is a no-op.
func (q *Qdrant) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := q.client.Delete(ctx, &sdk.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         sdk.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// IDs lists every stored record id by scrolling the collection.
func (q *Qdrant) IDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		offset *sdk.PointId
	)
	limit := uint32(256)
	for {
		points, err := q.client.Scroll(ctx, &sdk.ScrollPoints{
			CollectionName: q.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    sdk.NewWithPayloadInclude(payloadKeyID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll points: %w", err)
		}
		if len(points) == 0 {
			return ids, nil
		}
		ids = appendPageIDs(ids, points, offset != nil)
		offset = points[len(points)-1].Id
		if len(points) < int(limit) {
			return ids, nil
		}
	}
}

// appendPageIDs collects the record ids of one scroll page. Qdrant treats
// the scroll offset inclusively, so continuation pages start with the point
// the previous page already yielded; skipFirst drops it.
func appendPageIDs(ids []string, points []*sdk.RetrievedPoint, skipFirst bool) []string {
	for i, point := range points {
		if skipFirst && i == 0 {
			continue
		}
		if v, ok := point.Payload[payloadKeyID]; ok {
			if s := v.GetStringValue(); s != "" {
				ids = append(ids, s)
			}
		}
	}
	return ids
}

// Count returns the number of stored records.
func (q *Qdrant) Count(ctx context.Context) (int, error) {
	count, err := q.client.Count(ctx, &sdk.CountPoints{CollectionName: q.collection})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

// Close releases the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func splitPayload(raw map[string]*sdk.Value) (id, content string, payload map[string]string) {
	for k, v := range raw {
		switch k {
		case payloadKeyID:
			id = v.GetStringValue()
		case payloadKeyContent:
			content = v.GetStringValue()
		default:
			if payload == nil {
				payload = make(map[string]string)
			}
			payload[k] = v.GetStringValue()
		}
	}
	return id, content, payload
}
