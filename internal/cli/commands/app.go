// Package commands implements the unicd subcommands on top of the engine.
package commands

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/unic/internal/config"
	"github.com/cloo-solutions/unic/internal/database"
	"github.com/cloo-solutions/unic/internal/memstore"
	"github.com/cloo-solutions/unic/internal/openai"
	"github.com/cloo-solutions/unic/internal/repository"
	"github.com/cloo-solutions/unic/internal/retry"
	"github.com/cloo-solutions/unic/internal/service"
	"github.com/cloo-solutions/unic/internal/sqlitestore"
	"github.com/cloo-solutions/unic/internal/telemetry"
	goopenai "github.com/sashabaranov/go-openai"
)

// App is an engine wired to the configured store and embedder
type App struct {
	Config *config.Config
	Engine *service.Engine
	Retry  retry.Policy

	closers []func()
}

// OpenOptions tweaks how Open prepares the backing store
type OpenOptions struct {
	// SkipMigrations leaves the Postgres schema untouched
	SkipMigrations bool
}

// Open builds the store, embedder and engine described by cfg.
func Open(ctx context.Context, cfg *config.Config, opts OpenOptions) (*App, error) {
	app := &App{Config: cfg, Retry: retryPolicy(cfg)}

	shutdown, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate(),
		Debug:            cfg.Debug,
		Tags: map[string]string{
			"store":           cfg.Store,
			"embedding_model": embeddingModelTag(cfg),
		},
	})
	if err != nil {
		log.Printf("telemetry init failed (continuing without tracing): %v", err)
	} else {
		app.closers = append(app.closers, shutdown)
	}

	dims := cfg.Dimensions()
	store, err := app.openStore(ctx, dims, opts)
	if err != nil {
		app.Close()
		return nil, err
	}

	provider, err := service.NewEmbeddingProvider(newEmbeddingClient(cfg, dims), cfg.EmbeddingCacheSize, dims)
	if err != nil {
		app.Close()
		return nil, err
	}

	engine, err := service.NewEngine(store, provider, engineConfig(cfg))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Engine = engine
	return app, nil
}

// Close releases the store and flushes telemetry, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context, dims int, opts OpenOptions) (service.KnowledgeStore, error) {
	cfg := a.Config
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		log.Println("store: connected to postgres")

		if !opts.SkipMigrations {
			if _, err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsDir, database.Up); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		repo := repository.NewKnowledgeRepository(pool)
		if err := repo.EnsureDimensions(ctx, dims); err != nil {
			return nil, err
		}
		return repo, nil

	case config.StoreSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath, dims)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		log.Printf("store: opened sqlite database %s", cfg.SQLitePath)
		return store, nil

	default:
		log.Println("store: using in-memory store, entries are lost on exit")
		return memstore.New(dims), nil
	}
}

func newEmbeddingClient(cfg *config.Config, dims int) service.EmbeddingClient {
	if !cfg.HasOpenAI() {
		log.Printf("embedder: UNIC_OPENAI_API_KEY not set, using local hash embedder (%d dimensions)", dims)
		return service.NewHashEmbedder(dims)
	}
	return openai.NewClientWithConfig(openai.Config{
		APIKey:              cfg.OpenAIAPIKey,
		EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
		EmbeddingDimensions: dims,
		RequestsPerSecond:   cfg.EmbeddingRPS,
	})
}

func embeddingModelTag(cfg *config.Config) string {
	if !cfg.HasOpenAI() {
		return "hash"
	}
	return cfg.EmbeddingModel
}

func engineConfig(cfg *config.Config) service.EngineConfig {
	ec := service.DefaultEngineConfig()
	ec.Dedup.Threshold = cfg.NearDuplicateThreshold
	ec.Dedup.Window = cfg.DedupWindow
	ec.Categorizer.Threshold = cfg.CategoryThreshold
	ec.Sources = cfg.Sources
	ec.Concurrency = cfg.IngestConcurrency
	return ec
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.RetryMaxAttempts
	p.InitialInterval = cfg.RetryInitialInterval
	p.MaxInterval = cfg.RetryMaxInterval
	return p
}
