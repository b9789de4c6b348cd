package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/config"
	"github.com/taskgraph/orchestrator/internal/llm"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("LLM_MOCK", "1")
	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuildBackendMockOverridesSelection(t *testing.T) {
	cfg := baseConfig(t)
	cfg.LLMBackend = "anthropic" // would otherwise require LLM_API_KEY

	backend, err := buildBackend(cfg)
	require.NoError(t, err)
	require.Equal(t, "mock", backend.Name())
}

func TestBuildBackendUnknownNameErrors(t *testing.T) {
	cfg := baseConfig(t)
	cfg.LLMMock = false
	cfg.LLMBackend = "not-a-real-backend"

	_, err := buildBackend(cfg)
	require.Error(t, err)
}

func TestBuildEmbeddingCacheDefaultsToInProcess(t *testing.T) {
	cfg := baseConfig(t)
	cache, err := buildEmbeddingCache(cfg)
	require.NoError(t, err)
	require.NotNil(t, cache)
}

func TestBuildMemoryDefaultsToInMemoryStore(t *testing.T) {
	cfg := baseConfig(t)
	m, err := buildMemory(context.Background(), cfg, &llm.Mock{Dim: 8})
	require.NoError(t, err)
	require.NotNil(t, m.Store)

	require.NoError(t, m.Save(context.Background(), "remember this", "fact", 0.5, []string{"test"}))
}

func TestBuildToolRegistryDefaultsToLocal(t *testing.T) {
	reg, closeFn, err := buildToolRegistry()
	require.NoError(t, err)
	require.Nil(t, closeFn)

	descs, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, descs)
}
