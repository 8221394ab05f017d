package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"studyloop/internal/adapter/gcs"
	"studyloop/internal/adapter/redis"
	wstore "studyloop/internal/adapter/weaviate"
	"studyloop/internal/config"
	"studyloop/internal/vector"
)

// Dependencies are the external connections the service runs on.
type Dependencies struct {
	DB          *sql.DB
	VectorStore *wstore.Store
	Redis       *goredis.Client
	Storage     *storage.Client
	NSQProducer *nsq.Producer
}

// Close releases every connection that was opened.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Storage != nil {
		_ = d.Storage.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	attempts := cfg.BootstrapRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	deps := &Dependencies{DB: db}

	err = withRetry(ctx, attempts, retryDelay, func() error { return db.PingContext(ctx) }, func(attempt int, err error) {
		slog.Warn("failed to ping db, retrying...", "attempt", attempt, "error", err)
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		deps.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")

	// Weaviate
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}
	deps.VectorStore = wstore.NewStore(wClient)
	if err := EnsureSchemaWithRetry(ctx, deps.VectorStore, attempts, retryDelay); err != nil {
		deps.Close()
		return nil, fmt.Errorf("weaviate schema error: %w", err)
	}

	// Redis
	err = withRetry(ctx, attempts, retryDelay, func() error {
		client, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		deps.Redis = client
		return nil
	}, func(attempt int, err error) {
		slog.Warn("failed to connect to redis, retrying...", "attempt", attempt, "error", err)
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("redis error: %w", err)
	}

	// Object storage
	deps.Storage, err = gcs.NewClient(ctx, cfg.StorageEmulator)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("storage client error: %w", err)
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer

	createTopics(ctx, cfg.NSQDHTTP, config.Topics)

	return deps, nil
}

// createTopics pre-creates topics so consumers polling lookupd do not see 404s
// before the first publish. Failures are logged only.
func createTopics(ctx context.Context, nsqdHTTP string, topics []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, topic := range topics {
		endpoint := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
		if resp.StatusCode != http.StatusOK {
			slog.Warn("unexpected status creating NSQ topic", "topic", topic, "status", resp.StatusCode)
		}
	}
}

// EnsureSchemaWithRetry creates or migrates the chunk class, retrying while
// Weaviate comes up.
func EnsureSchemaWithRetry(ctx context.Context, client vector.SchemaClient, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, func() error { return vector.EnsureSchema(ctx, client) }, func(attempt int, err error) {
		slog.Warn("failed to ensure weaviate schema, retrying...", "attempt", attempt, "error", err)
	})
}

// withRetry runs op up to attempts times with a constant delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, op func() error, onRetry func(attempt int, err error)) error {
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, b, func(err error, _ time.Duration) {
		onRetry(attempt, err)
	})
}
