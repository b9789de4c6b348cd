// Package memory implements §4.8 of SPEC_FULL.md: the optional Memory
// collaborator the Executor writes an experience to after every successful
// task, and the Context Assembler may query as a memory section. Both
// operations degrade to "logged, non-fatal" on failure per the spec; this
// package only returns errors, leaving that policy to callers (the
// Executor already treats Memory.Save failures this way).
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskgraph/orchestrator/internal/contextassembler"
	"github.com/taskgraph/orchestrator/internal/executor"
	"github.com/taskgraph/orchestrator/internal/llm"
)

// Record is one stored memory entry.
type Record struct {
	ID         string
	Content    string
	Kind       string // e.g. "experience", "fact", "preference"
	Importance float64
	Tags       []string
	Embedding  []float32
	CreatedAt  time.Time
}

// Hit is one query result: a record plus its similarity to the query.
type Hit struct {
	Record     Record
	Similarity float64
}

// Filters narrows a Query to a subset of records.
type Filters struct {
	Kind string
	Tags []string
}

// Store is the full Memory contract: save(content, kind, importance, tags,
// embedding) and query(text, filters, k).
type Store interface {
	Save(ctx context.Context, content, kind string, importance float64, tags []string, embedding []float32) (string, error)
	Query(ctx context.Context, text string, filters Filters, k int) ([]Hit, error)
}

var (
	_ executor.MemorySaver          = (*Embedded)(nil)
	_ contextassembler.MemorySource = (*Embedded)(nil)
)

// Embedded adapts a Store to the narrower MemorySaver and MemorySource
// interfaces the Executor and Context Assembler depend on, computing
// embeddings via an llm.Backend so those callers only deal in text.
type Embedded struct {
	Store   Store
	Backend llm.Backend
	Model   string
}

// Save implements executor.MemorySaver.
func (e *Embedded) Save(ctx context.Context, content, kind string, importance float64, tags []string) error {
	vec, err := e.embed(ctx, content)
	if err != nil {
		return err
	}
	_, err = e.Store.Save(ctx, content, kind, importance, tags, vec)
	return err
}

// embeddingQueryer is implemented by Store backends that can rank
// candidates by cosine similarity to an already-computed query vector
// (InMemory and mongo.Store both do). Embedded prefers this path so a
// query actually reflects semantic similarity rather than the generic
// Store.Query fallback (importance/recency, or substring match).
type embeddingQueryer interface {
	QueryByEmbedding(ctx context.Context, vec []float32, filters Filters, k int) ([]Hit, error)
}

// Query implements contextassembler.MemorySource.
func (e *Embedded) Query(ctx context.Context, text string, k int) ([]contextassembler.MemoryHit, error) {
	var hits []Hit
	var err error
	if eq, ok := e.Store.(embeddingQueryer); ok {
		vec, embedErr := e.embed(ctx, text)
		if embedErr != nil {
			return nil, embedErr
		}
		hits, err = eq.QueryByEmbedding(ctx, vec, Filters{}, k)
	} else {
		hits, err = e.Store.Query(ctx, text, Filters{}, k)
	}
	if err != nil {
		return nil, err
	}
	out := make([]contextassembler.MemoryHit, len(hits))
	for i, h := range hits {
		out[i] = contextassembler.MemoryHit{SourceID: h.Record.ID, Content: h.Record.Content, Score: h.Similarity}
	}
	return out, nil
}

func (e *Embedded) embed(ctx context.Context, text string) ([]float32, error) {
	if e.Backend == nil {
		return nil, nil
	}
	resp, err := e.Backend.Embed(ctx, llm.EmbedRequest{Model: e.Model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) == 0 {
		return nil, nil
	}
	return resp.Vectors[0], nil
}

// InMemory is a process-local, concurrency-safe Store suitable for
// development, testing, and single-node deployments where persistence
// across restarts is not required — mirroring the teacher's in-memory
// registry store.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewInMemory builds an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

// Save implements Store.
func (s *InMemory) Save(ctx context.Context, content, kind string, importance float64, tags []string, embedding []float32) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	id := recordID(content, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = Record{
		ID: id, Content: content, Kind: kind, Importance: importance,
		Tags: append([]string(nil), tags...), Embedding: embedding, CreatedAt: time.Now(),
	}
	return id, nil
}

// Query implements Store: keeps every record matching filters (and, when
// text is non-empty, containing it case-insensitively), ranks them by
// importance, and returns the top k with Similarity set to the importance.
func (s *InMemory) Query(ctx context.Context, text string, filters Filters, k int) ([]Hit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Query is embedding-free here: InMemory has no backend of its own, so
	// it falls back to matching on tags/kind and ranks by importance. The
	// Embedded adapter is what gives callers real semantic similarity; this
	// direct Store.Query path is for callers without an embedding backend.
	var matched []Record
	for _, r := range s.records {
		if filters.Kind != "" && r.Kind != filters.Kind {
			continue
		}
		if !matchesTags(r.Tags, filters.Tags) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(r.Content), strings.ToLower(text)) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Importance > matched[j].Importance })
	if k > 0 && len(matched) > k {
		matched = matched[:k]
	}
	out := make([]Hit, len(matched))
	for i, r := range matched {
		out[i] = Hit{Record: r, Similarity: r.Importance}
	}
	return out, nil
}

// QueryByEmbedding ranks records matching filters by cosine similarity to
// queryVec, giving Embedded real semantic search over an InMemory store.
func (s *InMemory) QueryByEmbedding(ctx context.Context, queryVec []float32, filters Filters, k int) ([]Hit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, r := range s.records {
		if filters.Kind != "" && r.Kind != filters.Kind {
			continue
		}
		if !matchesTags(r.Tags, filters.Tags) {
			continue
		}
		if len(r.Embedding) == 0 {
			continue
		}
		hits = append(hits, Hit{Record: r, Similarity: cosine(queryVec, r.Embedding)})
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

func matchesTags(recordTags, filterTags []string) bool {
	if len(filterTags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(recordTags))
	for _, t := range recordTags {
		set[t] = struct{}{}
	}
	for _, t := range filterTags {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func recordID(content, kind string) string {
	h := sha256.Sum256([]byte(kind + "\x00" + content + "\x00" + time.Now().String()))
	return hex.EncodeToString(h[:])[:24]
}
