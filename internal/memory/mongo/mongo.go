// Package mongo is a durable backend for the Memory collaborator (§4.8),
// grounded on the teacher's features/memory/mongo/store.go: a thin Store
// implementation delegating to a narrow client interface, itself backed by
// the real MongoDB driver. Similarity ranking is done client-side (cosine
// over the stored embedding) rather than via Atlas vector search, since the
// spec's contract is collaborator-agnostic and callers may run against a
// community MongoDB instance with no vector index.
package mongo

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taskgraph/orchestrator/internal/memory"
)

const (
	defaultCollection = "memories"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements memory.Store against a MongoDB collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ memory.Store = (*Store)(nil)

// NewStore builds a Mongo-backed memory.Store, ensuring the supporting
// index exists.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongodriver.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "tags", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(idxCtx, index); err != nil {
		return nil, err
	}

	return &Store{coll: coll, timeout: timeout}, nil
}

type memoryDocument struct {
	ID         string    `bson:"_id"`
	Content    string    `bson:"content"`
	Kind       string    `bson:"kind"`
	Importance float64   `bson:"importance"`
	Tags       []string  `bson:"tags,omitempty"`
	Embedding  []float32 `bson:"embedding,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
}

// Save implements memory.Store.
func (s *Store) Save(ctx context.Context, content, kind string, importance float64, tags []string, embedding []float32) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := bson.NewObjectID().Hex()
	doc := memoryDocument{
		ID: id, Content: content, Kind: kind, Importance: importance,
		Tags: tags, Embedding: embedding, CreatedAt: time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Query implements memory.Store: fetches candidates matching filters, then
// ranks client-side by cosine similarity to the (already-embedded) query
// text is not available here — callers that need semantic ranking should go
// through memory.Embedded, which embeds the query and compares directly
// against Embedding; this path, invoked without a precomputed query vector,
// ranks by importance and recency instead.
func (s *Store) Query(ctx context.Context, text string, filters memory.Filters, k int) ([]memory.Hit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if filters.Kind != "" {
		filter["kind"] = filters.Kind
	}
	if len(filters.Tags) > 0 {
		filter["tags"] = bson.M{"$all": filters.Tags}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "importance", Value: -1}, {Key: "created_at", Value: -1}})
	if k > 0 {
		findOpts.SetLimit(int64(k))
	}

	cursor, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []memoryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	hits := make([]memory.Hit, len(docs))
	for i, d := range docs {
		hits[i] = memory.Hit{
			Record: memory.Record{
				ID: d.ID, Content: d.Content, Kind: d.Kind, Importance: d.Importance,
				Tags: d.Tags, Embedding: d.Embedding, CreatedAt: d.CreatedAt,
			},
			Similarity: d.Importance,
		}
	}
	return hits, nil
}

// QueryByEmbedding ranks all records matching filters by cosine similarity
// to queryVec, used by memory.Embedded once it has computed the query's
// embedding. It loads candidates into memory and ranks client-side, which
// is acceptable at the scale (per-plan memories, not a global corpus) this
// collaborator targets.
func (s *Store) QueryByEmbedding(ctx context.Context, queryVec []float32, filters memory.Filters, k int) ([]memory.Hit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if filters.Kind != "" {
		filter["kind"] = filters.Kind
	}
	if len(filters.Tags) > 0 {
		filter["tags"] = bson.M{"$all": filters.Tags}
	}

	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []memoryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	hits := make([]memory.Hit, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			continue
		}
		hits = append(hits, memory.Hit{
			Record: memory.Record{
				ID: d.ID, Content: d.Content, Kind: d.Kind, Importance: d.Importance,
				Tags: d.Tags, Embedding: d.Embedding, CreatedAt: d.CreatedAt,
			},
			Similarity: cosine(queryVec, d.Embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
