package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

const (
	openAIDimensions = 1536
	hashDimensions   = 256
)

type Config struct {
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	Store         string `envconfig:"STORE" default:"sqlite"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data_lake/unic.db"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	OpenAIAPIKey        string  `envconfig:"OPENAI_API_KEY"`
	EmbeddingModel      string  `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int     `envconfig:"EMBEDDING_DIMENSIONS"`
	EmbeddingCacheSize  int     `envconfig:"EMBEDDING_CACHE_SIZE" default:"4096"`
	EmbeddingRPS        float64 `envconfig:"EMBEDDING_RPS" default:"0"`

	NearDuplicateThreshold float64  `envconfig:"NEAR_DUPLICATE_THRESHOLD" default:"0.95"`
	DedupWindow            int      `envconfig:"DEDUP_WINDOW" default:"5"`
	CategoryThreshold      float64  `envconfig:"CATEGORY_THRESHOLD" default:"0.5"`
	Sources                []string `envconfig:"SOURCES" default:"arxiv,quotes,scientific_news,spirituality,manual,s3"`
	IngestConcurrency      int      `envconfig:"INGEST_CONCURRENCY" default:"4"`

	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"30s"`

	RecategorizeInterval time.Duration `envconfig:"RECATEGORIZE_INTERVAL" default:"1m"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"unic-fragments"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Prefix    string `envconfig:"S3_PREFIX"`
}

// Load reads UNIC_-prefixed variables, after an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("UNIC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("UNIC_DATABASE_URL is required when UNIC_STORE=%s", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("UNIC_SQLITE_PATH is required when UNIC_STORE=%s", StoreSQLite)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", c.Store, StorePostgres, StoreSQLite, StoreMemory)
	}

	if c.NearDuplicateThreshold <= 0 || c.NearDuplicateThreshold > 1 {
		return fmt.Errorf("UNIC_NEAR_DUPLICATE_THRESHOLD must be in (0, 1], got %v", c.NearDuplicateThreshold)
	}
	if c.CategoryThreshold < 0 {
		return fmt.Errorf("UNIC_CATEGORY_THRESHOLD must not be negative, got %v", c.CategoryThreshold)
	}
	if c.EmbeddingDimensions < 0 {
		return fmt.Errorf("UNIC_EMBEDDING_DIMENSIONS must not be negative, got %d", c.EmbeddingDimensions)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("UNIC_RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	return nil
}

// Dimensions resolves the embedding size for the configured embedder.
func (c *Config) Dimensions() int {
	if c.EmbeddingDimensions > 0 {
		return c.EmbeddingDimensions
	}
	if c.HasOpenAI() {
		return openAIDimensions
	}
	return hashDimensions
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// TracesSampleRate samples everything outside production.
func (c *Config) TracesSampleRate() float64 {
	if c.Environment == "production" {
		return 0.1
	}
	return 1.0
}
