// Command scribe-server runs the scribe note-taking backend: HTTP API,
// entity registry, hybrid search and the optional watch-folder importer.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kalder/scribe/internal/config"
	"github.com/kalder/scribe/internal/importer"
	"github.com/kalder/scribe/internal/llm"
	"github.com/kalder/scribe/internal/notes"
	"github.com/kalder/scribe/internal/registry"
	"github.com/kalder/scribe/internal/search"
	"github.com/kalder/scribe/internal/server"
	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/internal/storage/postgres"
	"github.com/kalder/scribe/internal/storage/sqlite"
	"github.com/kalder/scribe/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// LLM clients are optional; without an API key the system runs in
	// lexical-only mode.
	var (
		embedder  llm.EmbeddingGenerator
		extractor llm.EntityExtractor
	)
	if cfg.AI.APIKey != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.AI.APIKey,
			BaseURL:        cfg.AI.BaseURL,
			EmbeddingModel: cfg.AI.EmbeddingModel,
			ChatModel:      cfg.AI.ExtractionModel,
			Dimensions:     cfg.AI.EmbeddingDimensions,
			RequestsPerSec: float64(cfg.AI.RequestsPerSec),
			Timeout:        cfg.AI.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to initialize LLM client: %v", err)
		}
		embedder = client
		extractor = client
	} else {
		log.Printf("No API key configured, running in lexical-only mode")
	}

	reg := registry.New(store)
	pipeline := notes.NewPipeline(store, reg, embedder, extractor)
	pipeline.SetMaxNoteLength(cfg.Ingest.MaxNoteLength)

	var searchEmbedder search.Embedder
	if embedder != nil {
		searchEmbedder = embedder
	}
	engine := search.NewEngine(store, searchEmbedder)

	srv := server.New(cfg, store, pipeline, engine, reg)
	addr, err := srv.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("scribe API running at http://%s", addr)

	// Optional watch-folder importer feeding the bulk coordinator.
	var watcher *importer.Watcher
	if cfg.Ingest.WatchDir != "" {
		hub := srv.Hub()
		watcher = importer.NewWatcher(cfg.Ingest.WatchDir, cfg.Ingest.DefaultOwner, pipeline,
			func(file string, result *types.BulkResult) {
				hub.Broadcast(server.NewEvent(server.EventBulkCompleted, map[string]interface{}{
					"source": file,
					"stored": result.SuccessCount,
					"failed": result.FailureCount,
				}))
			})
		if err := watcher.Start(ctx); err != nil {
			log.Fatalf("Failed to start watch-folder importer: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	time.Sleep(1 * time.Second) // give in-flight requests time to finish
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewStore(cfg.Storage.PostgresDSN, cfg.AI.EmbeddingDimensions)
	default:
		dim := cfg.AI.EmbeddingDimensions
		if cfg.AI.APIKey == "" {
			dim = 0 // no embeddings will be written
		}
		return sqlite.NewStore(cfg.Storage.DataPath, dim)
	}
}
