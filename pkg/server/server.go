// Package server provides the public entry point for initializing the
// Parley gateway.
//
// This package exists in pkg/ (not internal/) so embedders can compose the
// gateway with their own middleware and tools:
//
//	srv, err := server.New(ctx)
//	srv.Tools.Register(myTool)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/api/handlers"
	"github.com/parley-ai/parley/internal/assembler"
	"github.com/parley-ai/parley/internal/channels"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/convo"
	"github.com/parley-ai/parley/internal/embeddings"
	"github.com/parley-ai/parley/internal/knowledge"
	"github.com/parley-ai/parley/internal/limits"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/summarize"
	"github.com/parley-ai/parley/internal/telemetry"
	"github.com/parley-ai/parley/internal/toolexec"
	"github.com/parley-ai/parley/pkg/models"
)

// Server holds the initialized Parley gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so embedders can seed config.
	Store store.Store

	// Tools is the tool registry; embedders register their own tools here
	// before serving.
	Tools *toolexec.Registry

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It stops
	// background workers and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := log.Logger

	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("✅ Store initialized")

	seedDefaultWorkspace(ctx, dataStore)

	searcher, indexer, embed, closeSearcher := buildSearcher(ctx, cfg, logger)

	providers := provider.NewRegistry(
		provider.NewAnthropic(logger),
		provider.NewOpenAI(logger),
		provider.NewOllama(logger),
	)
	log.Info().Msg("✅ Provider drivers registered")

	summarizer := summarize.New(dataStore, providers, logger)
	convos := convo.NewManager(dataStore, summarizer, logger)
	asm := assembler.New(dataStore, convos, searcher, logger)

	tools := toolexec.NewRegistry(logger)
	toolexec.RegisterBuiltins(tools, dataStore)

	limiter := limits.NewRateLimiter(cfg.Limits.MaxPerMinute, time.Minute, logger)
	deduper := limits.NewDeduper(cfg.Limits.DedupWindow)

	orch := orchestrator.New(dataStore, asm, convos, providers, tools, limiter, deduper, logger)
	log.Info().Msg("✅ Orchestrator initialized")

	var telegram *channels.TelegramChannel
	if cfg.Channels.TelegramToken != "" {
		telegram, err = channels.NewTelegramChannel(cfg.Channels.TelegramToken, "default", orch, logger)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram channel disabled")
		} else {
			telegram.Start()
			log.Info().Msg("✅ Telegram channel started")
		}
	}

	h := handlers.New(dataStore, orch, cfg.Version)
	h.Indexer = indexer
	h.Embed = embed
	router := api.NewRouter(cfg, h, channels.WebSocketHandler(orch, logger))

	shutdown := func(shutdownCtx context.Context) error {
		if telegram != nil {
			telegram.Stop()
		}
		orch.Close()
		limiter.Close()
		deduper.Close()
		if closeSearcher != nil {
			closeSearcher()
		}
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return otelShutdown(shutdownCtx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Tools:        tools,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildSearcher wires semantic knowledge search when pgvector and an
// embedding provider are configured. The same pgvector instance serves as
// query-side Searcher and write-side Indexer, with the embed func shared by
// both so create-time indexing and query embedding agree on the model.
// Falls back to keyword scoring (all nil) otherwise.
func buildSearcher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (knowledge.Searcher, knowledge.Indexer, knowledge.EmbedFunc, func()) {
	if cfg.Knowledge.PgvectorURL == "" {
		return nil, nil, nil, nil
	}

	driver, err := embeddings.FromEnv()
	if err != nil {
		log.Warn().Err(err).Msg("Embedding driver misconfigured, semantic search disabled")
		return nil, nil, nil, nil
	}
	if driver == nil {
		log.Warn().Msg("PARLEY_PGVECTOR_URL set but no embedding provider configured, semantic search disabled")
		return nil, nil, nil, nil
	}

	dims := driver.Dimensions()
	if cfg.Knowledge.EmbeddingDims > 0 {
		dims = cfg.Knowledge.EmbeddingDims
	}

	embed := embeddings.QueryFunc(driver)
	searcher, err := knowledge.NewPgvectorSearcher(ctx, cfg.Knowledge.PgvectorURL, dims, embed)
	if err != nil {
		log.Warn().Err(err).Msg("pgvector unavailable, semantic search disabled")
		return nil, nil, nil, nil
	}
	return searcher, searcher, embed, searcher.Close
}

// seedDefaultWorkspace makes a fresh install usable: a default workspace
// with no identity config and a default agent to chat with.
func seedDefaultWorkspace(ctx context.Context, s store.Store) {
	agents, err := s.ListAgents(ctx, "default")
	if err == nil && len(agents) > 0 {
		return
	}

	agent := &models.Agent{
		ID:        "default",
		Workspace: "default",
		Name:      "Parley",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default agent")
	}
}
