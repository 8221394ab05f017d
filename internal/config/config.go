package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"studyloop"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"studyloop"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	DoclingURL string `envconfig:"DOCLING_URL" default:"http://docling:8000"`
	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	MaterialBucket  string   `envconfig:"MATERIAL_BUCKET" default:"studyloop-materials"`
	StorageEmulator string   `envconfig:"STORAGE_EMULATOR_HOST"`
	GeminiAPIKey    string   `envconfig:"GEMINI_API_KEY"`
	GenerationModel string   `envconfig:"GENERATION_MODEL" default:"gemini-1.5-flash"`
	QualityModel    string   `envconfig:"QUALITY_MODEL" default:"gemini-1.5-flash"`
	EmbeddingModels []string `envconfig:"EMBEDDING_MODELS" default:"text-embedding-004,embedding-001"`

	EnableAPI              bool `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker     bool `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	EnableGenerationWorker bool `envconfig:"ENABLE_GENERATION_WORKER" default:"true"`
	IngestionConcurrency   int  `envconfig:"INGESTION_CONCURRENCY" default:"10"`
	GenerationConcurrency  int  `envconfig:"GENERATION_CONCURRENCY" default:"8"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Pipeline
	MaxContextChars      int           `envconfig:"MAX_CONTEXT_CHARS" default:"15000"`
	GenerationTimeout    time.Duration `envconfig:"GENERATION_TIMEOUT" default:"60s"`
	GenerationMaxRetries int           `envconfig:"GENERATION_MAX_RETRIES" default:"2"`
	GenerationRPS        float64       `envconfig:"GENERATION_RPS" default:"5"`
	MaxOutputTokens      int           `envconfig:"MAX_OUTPUT_TOKENS" default:"8192"`
	Temperature          float32       `envconfig:"TEMPERATURE" default:"0.7"`
	EmbedBatchSize       int           `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	EmbedCacheSize       int           `envconfig:"EMBED_CACHE_SIZE" default:"10000"`
	EmbedCacheTTL        time.Duration `envconfig:"EMBED_CACHE_TTL" default:"720h"`
	ChunkCacheTTL        time.Duration `envconfig:"CHUNK_CACHE_TTL" default:"1h"`
	ChunkMaxTokens       int           `envconfig:"CHUNK_MAX_TOKENS" default:"512"`
	WebhookMaxRetries    int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookLease         time.Duration `envconfig:"WEBHOOK_LEASE" default:"5m"`
	WebhookMaxInterval   time.Duration `envconfig:"WEBHOOK_MAX_INTERVAL" default:"2s"`
	WebhookTimeout       time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"30s"`
	QualityGate          bool          `envconfig:"QUALITY_GATE" default:"false"`
	QualityStrict        bool          `envconfig:"QUALITY_STRICT" default:"false"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	UsageLogPath string `envconfig:"USAGE_LOG_PATH" default:"data/logs/usage.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// env vars set in the shell win over .env files
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.MaxContextChars < 0 {
		return fmt.Errorf("%w: MAX_CONTEXT_CHARS must not be negative", ErrInvalidValue)
	}
	if c.EmbedBatchSize < 0 || c.EmbedBatchSize > 100 {
		return fmt.Errorf("%w: EMBED_BATCH_SIZE must not exceed 100", ErrInvalidValue)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
