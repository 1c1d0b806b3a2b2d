package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// upsertBatchSize bounds points per upsert request.
const upsertBatchSize = 100

// Qdrant adapts a Qdrant collection to the Store interface. Vectors use
// cosine distance; Qdrant's reported score for cosine collections is already
// a similarity (higher is closer).
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
	host       string
	port       int
}

// NewQdrant connects to Qdrant over gRPC, verifies health with retry, and
// ensures the collection exists with the given dimension.
func NewQdrant(host string, port int, collection string, dimension int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	q := &Qdrant{
		client:     client,
		collection: collection,
		dimension:  dimension,
		host:       host,
		port:       port,
	}

	ctx := context.Background()
	if err := q.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		result, err := q.client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Title == "" {
			return fmt.Errorf("health check returned invalid response")
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// ensureCollection creates the collection when missing. Idempotent.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	return nil
}

// pointID derives a stable UUID from a logical record id. Qdrant only
// accepts UUID or integer point ids, so "{filename}_chunk_{i}" is hashed;
// re-indexing the same file overwrites the same points.
func (q *Qdrant) pointID(id string) *qdrant.PointId {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(q.collection+"/"+id))
	return qdrant.NewIDUUID(u.String())
}

// Add upserts records in batches.
func (q *Qdrant) Add(ctx context.Context, texts []string, vectors [][]float32, metas []Metadata, ids []string) error {
	if len(texts) == 0 {
		return nil
	}
	if len(vectors) != len(texts) || len(metas) != len(texts) {
		return fmt.Errorf("add: %d texts, %d vectors, %d metadatas", len(texts), len(vectors), len(metas))
	}
	if ids != nil && len(ids) != len(texts) {
		return fmt.Errorf("add: %d texts but %d ids", len(texts), len(ids))
	}

	for i, vec := range vectors {
		if len(vec) != q.dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(vec), q.dimension)
		}
	}

	if ids == nil {
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		ids = make([]string, len(texts))
		for i := range texts {
			ids[i] = fmt.Sprintf("doc_%d", stats.Count+i)
		}
	}

	for start := 0; start < len(texts); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(texts))

		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      q.pointID(ids[i]),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(map[string]any{
					"id":           ids[i],
					"text":         texts[i],
					"filename":     metas[i].Filename,
					"chunk_index":  int64(metas[i].ChunkIndex),
					"heading":      metas[i].Heading,
					"page_number":  int64(metas[i].PageNumber),
					"total_chunks": int64(metas[i].TotalChunks),
				}),
			})
		}

		if err := q.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func (q *Qdrant) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Search queries the collection for the topK nearest points.
func (q *Qdrant) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	if len(vector) != q.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), q.dimension)
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		payload := r.Payload
		meta := Metadata{
			Filename:    payload["filename"].GetStringValue(),
			ChunkIndex:  int(payload["chunk_index"].GetIntegerValue()),
			Heading:     payload["heading"].GetStringValue(),
			PageNumber:  int(payload["page_number"].GetIntegerValue()),
			TotalChunks: int(payload["total_chunks"].GetIntegerValue()),
		}
		out = append(out, SearchResult{
			ChunkText:       payload["text"].GetStringValue(),
			SimilarityScore: float64(r.Score),
			Metadata:        meta,
			ChunkIndex:      meta.ChunkIndex,
			Filename:        meta.Filename,
		})
	}
	return out, nil
}

// Clear deletes and recreates the collection.
func (q *Qdrant) Clear(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return q.ensureCollection(ctx)
}

// Stats reports the point count.
func (q *Qdrant) Stats(ctx context.Context) (Stats, error) {
	collection, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return Stats{}, fmt.Errorf("get collection: %w", err)
	}
	return Stats{
		Collection: q.collection,
		Count:      int(collection.GetPointsCount()),
		Path:       fmt.Sprintf("%s:%d", q.host, q.port),
	}, nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
