package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/sijms/go-ora/v2"

	"github.com/ashita-ai/karte/internal/audit"
	"github.com/ashita-ai/karte/internal/cohort"
	"github.com/ashita-ai/karte/internal/config"
	"github.com/ashita-ai/karte/internal/llm"
	"github.com/ashita-ai/karte/internal/metadata"
	"github.com/ashita-ai/karte/internal/oracle"
	"github.com/ashita-ai/karte/internal/orchestrator"
	"github.com/ashita-ai/karte/internal/pdfcohort"
	"github.com/ashita-ai/karte/internal/rag"
	"github.com/ashita-ai/karte/internal/server"
	"github.com/ashita-ai/karte/internal/sqlgate"
	"github.com/ashita-ai/karte/internal/sqlrewrite"
	"github.com/ashita-ai/karte/internal/store"
	"github.com/ashita-ai/karte/internal/telemetry"
	"github.com/ashita-ai/karte/internal/viz"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KARTE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("karte starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Audit trail. Every executed query and simulation lands here.
	auditLog, err := audit.NewLog(filepath.Join(cfg.StateDir, "logs", "events.jsonl"), logger)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	// Document store: Mongo when configured, flat JSON files otherwise.
	var docs store.Store
	if cfg.MongoURI != "" {
		mongoStore, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, logger)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer func() { _ = mongoStore.Close(context.Background()) }()
		docs = mongoStore
		logger.Info("store: mongo", "db", cfg.MongoDB)
	} else {
		fileStore, err := store.NewFileStore(filepath.Join(cfg.StateDir, "state"))
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		docs = fileStore
		logger.Info("store: file (no MONGO_URI)")
	}

	// Budget tracker. State survives restarts through the JSON snapshot
	// and is mirrored to the document store for reporting.
	costs, err := audit.NewCostTracker(
		filepath.Join(cfg.StateDir, "logs", "cost_state.json"),
		cfg.BudgetLimitKRW, cfg.LLMCostPer1KTokens, docs, logger)
	if err != nil {
		return fmt.Errorf("cost tracker: %w", err)
	}

	catalog := metadata.NewCatalog(cfg.MetadataDir)

	// Embedding provider. No remote endpoint selects the hashed fallback,
	// which keeps hybrid retrieval deterministic and dependency-free.
	var embedder rag.Embedder
	if cfg.EmbeddingBaseURL != "" {
		embedder = rag.NewRemoteEmbedder(cfg.EmbeddingBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel, cfg.RAGEmbeddingDim)
		logger.Info("embedder: remote", "model", cfg.EmbeddingModel, "dims", cfg.RAGEmbeddingDim)
	} else {
		embedder = rag.NewHashEmbedder(cfg.RAGEmbeddingDim)
		logger.Info("embedder: hashed fallback", "dims", cfg.RAGEmbeddingDim)
	}

	// Vector index: Qdrant when configured, the flat file store otherwise.
	var index rag.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := rag.NewQdrantIndex(rag.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.RAGEmbeddingDim), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("index: qdrant", "collection", cfg.QdrantCollection)
	} else {
		simple, err := rag.NewSimpleStore(filepath.Join(cfg.StateDir, "rag", "simple_store.json"))
		if err != nil {
			return fmt.Errorf("simple store: %w", err)
		}
		index = simple
		logger.Info("index: flat file (no QDRANT_URL)")
	}

	retriever := rag.NewRetriever(index, embedder, rag.RetrieverConfig{
		TopK:          cfg.RAGTopK,
		Candidates:    cfg.RAGHybridCandidates,
		HybridEnabled: cfg.RAGHybridEnabled,
		BM25MaxDocs:   cfg.RAGBM25MaxDocs,
	}, logger)

	// Load the metadata corpora into the index. Non-fatal: the agents
	// still run with a thin context when corpora are missing.
	indexer := rag.NewIndexer(catalog, embedder, index, retriever, logger)
	if n, err := indexer.Reindex(ctx); err != nil {
		logger.Warn("reindex failed", "error", err)
	} else {
		logger.Info("reindex complete", "documents", n)
	}

	contextBuilder := rag.NewContextBuilder(rag.NewTokenCounter(), rag.ContextConfig{
		TokenBudget:       cfg.ContextTokenBudget,
		ExamplesPerQuery:  cfg.ExamplesPerQuery,
		TemplatesPerQuery: cfg.TemplatesPerQuery,
	})

	// LLM provider and the agent chain on top of it. Every completion
	// reports token usage to the budget tracker.
	client, err := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	agents := llm.NewAgents(client, func(ctx context.Context, agent string, inputTokens, outputTokens int) {
		costs.Charge(ctx, agent, inputTokens, outputTokens)
	})

	// Oracle executor. The pool opens lazily, so an unreachable or unset
	// DSN degrades to disconnected instead of failing startup.
	exec, err := oracle.New(oracle.Config{
		DSN:           cfg.OracleDSN,
		User:          cfg.OracleUser,
		Password:      cfg.OraclePassword,
		DefaultSchema: cfg.OracleDefaultSchema,
		RowCap:        cfg.RowCap,
		Timeout:       cfg.DBTimeout,
	})
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	defer func() { _ = exec.Close() }()

	// Demo cache. A missing file just disables demo hits.
	demo, err := orchestrator.LoadDemoCache(filepath.Join(cfg.StateDir, "cache", "demo_cache.json"))
	if err != nil {
		logger.Warn("demo cache load failed", "error", err)
	} else if demo.Len() > 0 {
		logger.Info("demo cache loaded", "questions", demo.Len())
	}

	// Policy gate scoped to the catalog tables; the packaged MIMIC-IV
	// list covers a missing or partial schema corpus.
	tables, err := catalog.TableNames()
	if err != nil || len(tables) == 0 {
		if err != nil {
			logger.Warn("schema catalog unavailable, using packaged table scope", "error", err)
		}
		tables = sqlgate.DefaultTables()
	}
	gate := sqlgate.New(cfg.MaxDBJoins, tables)

	orch := orchestrator.New(orchestrator.Config{
		DemoMode:             cfg.DemoMode,
		TranslateEnabled:     cfg.TranslateEnabled,
		MaxRetryAttempts:     cfg.MaxRetryAttempts,
		ExpertTriggerMode:    cfg.ExpertTriggerMode,
		ExpertScoreThreshold: cfg.ExpertScoreThreshold,
		RowCap:               cfg.RowCap,
	}, orchestrator.Deps{
		Agents:    agents,
		Retriever: retriever,
		Context:   contextBuilder,
		Rewriter:  sqlrewrite.New(cfg.RowCap),
		Gate:      gate,
		Runner:    exec,
		Demo:      demo,
		Records:   orchestrator.NewRecordStore(),
		Audit:     auditLog,
		Costs:     costs,
		Logger:    logger,
	})

	// Create and start the HTTP server.
	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Orchestrator: orch,
			CohortEngine: cohort.NewEngine(exec, catalog, logger),
			Saved:        cohort.NewSaved(docs),
			Planner:      viz.NewPlanner(client, costs, logger),
			PDF: pdfcohort.New(pdfcohort.Deps{
				Client:    client,
				Costs:     costs,
				Catalog:   catalog,
				Retriever: retriever,
				Runner:    exec,
				Docs:      docs,
				Logger:    logger,
			}),
			AuditLog:            auditLog,
			Costs:               costs,
			Docs:                docs,
			OracleDB:            exec,
			Index:               index,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: 1 << 20,
		},
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests and drain in-flight ones
	// before the deferred closers flush the audit log and pools.
	slog.Info("karte shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("karte stopped")
	return nil
}
