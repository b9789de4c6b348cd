// Command orchestratord runs the task-orchestration core's HTTP server: it
// loads configuration from the environment, wires the LLM backend, tool
// registry, memory collaborator, and storage layer, then serves the §6
// JSON/HTTP surface until SIGINT/SIGTERM, following the signal-channel
// shutdown pattern the teacher's example/cmd/assistant uses.
//
// # Configuration
//
// See internal/config for the full list of environment variables; the
// notable ones are:
//
//	LLM_BACKEND            - "mock", "anthropic", "openai", or "bedrock" (default: "mock")
//	DATA_DIR               - SQLite data directory (default: "./data")
//	HTTP_ADDR              - listen address (default: ":8080")
//	MEMORY_MONGO_URI       - optional; enables a durable Memory collaborator
//	EMBEDDING_CACHE_REDIS_URL - optional; enables a shared Redis embedding cache
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/taskgraph/orchestrator/internal/config"
	"github.com/taskgraph/orchestrator/internal/embedcache"
	"github.com/taskgraph/orchestrator/internal/httpapi"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/llm/anthropic"
	"github.com/taskgraph/orchestrator/internal/llm/bedrock"
	"github.com/taskgraph/orchestrator/internal/llm/openai"
	"github.com/taskgraph/orchestrator/internal/llm/ratelimit"
	"github.com/taskgraph/orchestrator/internal/memory"
	mongomemory "github.com/taskgraph/orchestrator/internal/memory/mongo"
	"github.com/taskgraph/orchestrator/internal/orchestrator"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/tools"
	"github.com/taskgraph/orchestrator/internal/tools/remote"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()

	manager, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error(ctx, "close store", "err", err)
		}
	}()

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build llm backend: %w", err)
	}
	if cfg.LLMInitialTPM > 0 {
		backend = ratelimit.New(cfg.LLMInitialTPM, cfg.LLMMaxTPM).Wrap(backend)
	}

	toolRegistry, closeTools, err := buildToolRegistry()
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	if closeTools != nil {
		defer closeTools()
	}

	memorySaver, err := buildMemory(ctx, cfg, backend)
	if err != nil {
		return fmt.Errorf("build memory: %w", err)
	}

	cache, err := buildEmbeddingCache(cfg)
	if err != nil {
		return fmt.Errorf("build embedding cache: %w", err)
	}

	orch := orchestrator.New(manager, backend)
	orch.Tools = toolRegistry
	orch.Memory = memorySaver
	orch.Cache = cache
	orch.Logger = logger
	orch.Parallelism = cfg.DefaultParallelism

	server := httpapi.NewServer(manager, orch)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()

	go func() {
		logger.Info(ctx, "http server listening", "addr", cfg.HTTPAddr, "llm_backend", backend.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info(ctx, "exiting", "reason", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildBackend selects the llm.Backend named by LLM_BACKEND. LLM_MOCK=1
// overrides any backend selection, so local development never requires
// provider credentials.
func buildBackend(cfg *config.Config) (llm.Backend, error) {
	if cfg.LLMMock {
		return &llm.Mock{}, nil
	}
	switch cfg.LLMBackend {
	case "mock":
		return &llm.Mock{}, nil
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.LLMAPIKey, cfg.LLMModel)
	case "openai":
		return openai.NewFromAPIKey(cfg.LLMAPIKey, cfg.LLMModel)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: cfg.LLMModel,
			MaxTokens:    cfg.LLMMaxTokens,
			Temperature:  float32(cfg.LLMTempPct),
		})
	default:
		return nil, fmt.Errorf("unknown LLM_BACKEND %q", cfg.LLMBackend)
	}
}

// buildToolRegistry returns an empty local registry by default; operators
// register actual tools before Orchestrator.Run is first called. Setting
// TOOLS_GRPC_TARGET instead federates tool discovery/invocation against a
// remote tool host over internal/tools/remote.
func buildToolRegistry() (tools.Registry, func(), error) {
	target := os.Getenv("TOOLS_GRPC_TARGET")
	if target == "" {
		return tools.NewLocal(), nil, nil
	}
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial tools grpc target %q: %w", target, err)
	}
	return remote.NewClient(cc), func() { _ = cc.Close() }, nil
}

// buildMemory wires a durable Mongo-backed Memory collaborator when
// MEMORY_MONGO_URI is set, falling back to the non-persistent in-memory
// store otherwise.
func buildMemory(ctx context.Context, cfg *config.Config, backend llm.Backend) (*memory.Embedded, error) {
	if cfg.MemoryMongoURI == "" {
		return &memory.Embedded{Store: memory.NewInMemory(), Backend: backend, Model: cfg.EmbeddingModel}, nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MemoryMongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	mongoStore, err := mongomemory.NewStore(ctx, mongomemory.Options{
		Client:   client,
		Database: "orchestrator",
	})
	if err != nil {
		return nil, fmt.Errorf("open mongo memory store: %w", err)
	}
	return &memory.Embedded{Store: mongoStore, Backend: backend, Model: cfg.EmbeddingModel}, nil
}

// buildEmbeddingCache returns a process-wide Redis cache when
// EMBEDDING_CACHE_REDIS_URL is set, otherwise an in-process LRU sized per
// EMBEDDING_CACHE_SIZE.
func buildEmbeddingCache(cfg *config.Config) (embedcache.Cache, error) {
	if cfg.EmbeddingCacheRedisURL == "" {
		return embedcache.NewMemory(cfg.EmbeddingCacheSize), nil
	}
	opts, err := redis.ParseURL(cfg.EmbeddingCacheRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return embedcache.NewRedis(redis.NewClient(opts), "embedcache"), nil
}
