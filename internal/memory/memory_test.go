package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/memory"
)

type fakeBackend struct {
	vectors map[string][]float32
}

func (b *fakeBackend) Name() string                  { return "fake" }
func (b *fakeBackend) Ping(ctx context.Context) error { return nil }
func (b *fakeBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{}, nil
}
func (b *fakeBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	vecs := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		if v, ok := b.vectors[text]; ok {
			vecs[i] = v
			continue
		}
		vecs[i] = []float32{0, 0, 1}
	}
	return &llm.EmbedResponse{Vectors: vecs}, nil
}

func TestInMemorySaveThenQueryByEmbeddingRanksBySimilarity(t *testing.T) {
	store := memory.NewInMemory()
	ctx := context.Background()

	_, err := store.Save(ctx, "close match", "experience", 0.5, nil, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = store.Save(ctx, "far match", "experience", 0.5, nil, []float32{0, 1, 0})
	require.NoError(t, err)

	hits, err := store.QueryByEmbedding(ctx, []float32{1, 0, 0}, memory.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "close match", hits[0].Record.Content)
	require.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestInMemoryQueryFiltersByKindAndTags(t *testing.T) {
	store := memory.NewInMemory()
	ctx := context.Background()

	_, err := store.Save(ctx, "fact one", "fact", 0.9, []string{"billing"}, nil)
	require.NoError(t, err)
	_, err = store.Save(ctx, "experience one", "experience", 0.9, []string{"billing"}, nil)
	require.NoError(t, err)
	_, err = store.Save(ctx, "fact two", "fact", 0.9, []string{"shipping"}, nil)
	require.NoError(t, err)

	hits, err := store.Query(ctx, "", memory.Filters{Kind: "fact", Tags: []string{"billing"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "fact one", hits[0].Record.Content)
}

func TestEmbeddedSavePopulatesEmbeddingAndQueryUsesCosine(t *testing.T) {
	store := memory.NewInMemory()
	backend := &fakeBackend{vectors: map[string][]float32{
		"task succeeded": {1, 0, 0},
		"find something similar": {1, 0, 0},
	}}
	e := &memory.Embedded{Store: store, Backend: backend}

	require.NoError(t, e.Save(context.Background(), "task succeeded", "experience", 0.5, nil))

	hits, err := e.Query(context.Background(), "find something similar", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "task succeeded", hits[0].Content)
}
