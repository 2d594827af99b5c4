package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/perceptra/docpipe/chunking_stage"
	"github.com/perceptra/docpipe/config"
	"github.com/perceptra/docpipe/conversion_stage"
	"github.com/perceptra/docpipe/db"
	"github.com/perceptra/docpipe/embedding_stage"
	"github.com/perceptra/docpipe/flags"
	"github.com/perceptra/docpipe/handlers"
	"github.com/perceptra/docpipe/logging"
	"github.com/perceptra/docpipe/parsing_stage"
	"github.com/perceptra/docpipe/pipeline"
	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/plugin_registry"
	"github.com/perceptra/docpipe/server"
	"github.com/perceptra/docpipe/services/artifact_service"
	"github.com/perceptra/docpipe/services/conversion_service"
	"github.com/perceptra/docpipe/services/embedding_service"
	"github.com/perceptra/docpipe/services/intelligence_service"
	"github.com/perceptra/docpipe/services/vector_service"
	"github.com/perceptra/docpipe/services/vision_service"
	"github.com/perceptra/docpipe/storage"
	"github.com/perceptra/docpipe/vision"
)

func main() {
	cfg := config.Load()

	logHandler, err := logging.NewDailyFileHandler(cfg.LogDir, &slog.HandlerOptions{Level: slog.LevelInfo})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logHandler.Close()
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	ctx := context.Background()

	var store storage.Store
	var vectors vector_service.VectorService
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()

		pg := storage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate storage schema: %v", err)
		}
		pgv := vector_service.NewPgvectorService(pool, cfg.EmbeddingDims, logger)
		if err := pgv.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate vector schema: %v", err)
		}
		store, vectors = pg, pgv
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = storage.NewMemoryStore()
		vectors = vector_service.NewMemoryVectorService()
	}

	artifacts := artifact_service.New(cfg.ArtifactBaseURL, logger)
	gate := flags.NewGate(cfg.EnableVisionExtraction, cfg.VisionTenantOverrides,
		cfg.ChunkStrategy, cfg.ChunkTenantStrategies)
	policy := pipeline_type.RetryPolicy{
		MaxAttempts: cfg.MaxStageAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}

	registry := plugin_registry.NewPluginRegistry()
	registerStageExecutors(registry, cfg, store, artifacts, vectors, gate, policy, logger)

	dispatcher, err := pipeline.NewDispatcher(registry, store, policy, cfg.QueueWorkers, cfg.QueueDepth, logger)
	if err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}
	defer dispatcher.Stop()

	documentHandler := handlers.NewDocumentHandler(store, artifacts, dispatcher, logger)
	r := server.SetupRoutes(documentHandler)
	n := setupNegroni(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      n,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	logger.Info("Starting ingestion server", slog.String("port", cfg.HTTPPort))
	server.Serve(srv)
}

func setupNegroni(r *mux.Router) *negroni.Negroni {
	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())
	n.UseHandler(r)
	return n
}

func registerStageExecutors(registry *plugin_registry.PluginRegistry, cfg config.Config,
	store storage.Store, artifacts *artifact_service.Service, vectors vector_service.VectorService,
	gate *flags.Gate, policy pipeline_type.RetryPolicy, logger *slog.Logger) {

	converter := conversion_service.NewHTTPConversionService(cfg.ConversionEndpoint, cfg.ConversionTimeout, logger)
	registry.RegisterStageExecutor(conversion_stage.NewConversionStage(store, artifacts, converter, logger))

	var intelligence intelligence_service.DocumentIntelligenceService
	if cfg.IntelligenceEndpoint != "" {
		intelligence = intelligence_service.NewAzureIntelligenceService(
			cfg.IntelligenceEndpoint, cfg.IntelligenceAPIKey, cfg.IntelligenceTimeout, logger)
	} else {
		logger.Warn("INTELLIGENCE_ENDPOINT not set, using local text extraction")
	}

	visionSvc := vision_service.NewOpenAIVisionService(
		cfg.VisionEndpoint, cfg.OpenAIAPIKey, cfg.VisionModel, cfg.VisionMaxTokens, logger)
	cropper := vision.NewPDFCropper(cfg.VisionDPI, logger)
	visionRunner := vision.NewSubPipeline(cropper, visionSvc, store, vision.Options{
		Model:       cfg.VisionModel,
		Concurrency: cfg.VisionConcurrency,
		Timeout:     cfg.VisionTimeout,
	}, logger)
	registry.RegisterStageExecutor(parsing_stage.NewParsingStage(
		store, store, artifacts, intelligence, visionRunner, gate, logger))

	limits := chunking_stage.Limits{
		Max:     cfg.ChunkMaxChars,
		Min:     cfg.ChunkMinChars,
		Overlap: cfg.ChunkOverlap,
	}
	registry.RegisterStageExecutor(chunking_stage.NewChunkingStage(store, artifacts, gate, limits, logger))

	embedder := embedding_service.NewOpenAIEmbeddingService(
		cfg.EmbeddingEndpoint, cfg.OpenAIAPIKey, cfg.EmbeddingModel, logger)
	registry.RegisterStageExecutor(embedding_stage.NewEmbeddingStage(
		store, embedder, vectors, cfg.EmbeddingBatch, policy, logger))
}
