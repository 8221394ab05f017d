package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"studyloop/internal/config"
)

type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer
	Redis    *goredis.Client

	// NSQDAddr is the TCP address consumers connect to.
	NSQDAddr string

	cfg config.Config

	// Containers
	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
	redisContainer    testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("studyloop_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.cfg.DBHost = pgHost
	s.cfg.DBPort = pgPort.Int()
	s.cfg.DBUser = "test"
	s.cfg.DBPass = "test"
	s.cfg.DBName = "studyloop_test"

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	// Run Migrations
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	migrationPath := fmt.Sprintf("file://%s/../../migrations", basepath)

	m, err := migrate.New(migrationPath, connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	// 2. Weaviate
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:latest",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":                 "none",
			"PERSISTENCE_DATA_PATH":                     "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = weaviateC

	host, err := weaviateC.Host(ctx)
	require.NoError(s.T, err)
	port, err := weaviateC.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	cfg := weaviate.Config{
		Host:   fmt.Sprintf("%s:%s", host, port.Port()),
		Scheme: "http",
	}
	s.Weaviate, err = weaviate.NewClient(cfg)
	require.NoError(s.T, err)
	s.cfg.WeaviateHost = cfg.Host
	s.cfg.WeaviateScheme = cfg.Scheme

	// 3. NSQ
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"}, // Simplified for test
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	nsqHTTPPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.cfg.NSQDHTTP = fmt.Sprintf("%s:%s", nsqHost, nsqHTTPPort.Port())

	s.NSQDAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
	s.cfg.NSQDHost = s.NSQDAddr
	s.NSQ, err = nsq.NewProducer(s.NSQDAddr, nsq.NewConfig())
	require.NoError(s.T, err)

	// 4. Redis
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.redisContainer = redisC

	redisHost, err := redisC.Host(ctx)
	require.NoError(s.T, err)
	redisPort, err := redisC.MappedPort(ctx, "6379")
	require.NoError(s.T, err)
	s.cfg.RedisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort.Port())
	s.Redis = goredis.NewClient(&goredis.Options{Addr: s.cfg.RedisAddr})
}

// GetAppConfig returns the default configuration pointed at the suite's
// containers.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	var cfg config.Config
	require.NoError(s.T, envconfig.Process("STUDYLOOP_TEST", &cfg))

	cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName = s.cfg.DBHost, s.cfg.DBPort, s.cfg.DBUser, s.cfg.DBPass, s.cfg.DBName
	cfg.WeaviateHost, cfg.WeaviateScheme = s.cfg.WeaviateHost, s.cfg.WeaviateScheme
	cfg.NSQDHost, cfg.NSQDHTTP, cfg.NSQLookupd = s.cfg.NSQDHost, s.cfg.NSQDHTTP, ""
	cfg.RedisAddr, cfg.RedisPassword = s.cfg.RedisAddr, ""
	cfg.GeminiAPIKey = ""
	// No object storage container; nothing in the suite downloads through it.
	cfg.StorageEmulator = "localhost:4443"
	cfg.UsageLogPath = filepath.Join(s.T.TempDir(), "usage.log")

	_, b, _, _ := runtime.Caller(0)
	cfg.MigrationPath = fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
	cfg.EmbedCacheSize = 1000
	cfg.ChunkCacheTTL = time.Hour
	cfg.EmbedCacheTTL = time.Hour
	cfg.BootstrapRetryAttempts = 3
	cfg.BootstrapRetryDelaySeconds = 1
	return &cfg
}

// Logger writes debug text logs to stderr.
func (s *IntegrationSuite) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
	if s.redisContainer != nil {
		s.redisContainer.Terminate(ctx)
	}
}

// Subscribe attaches a throwaway channel to topic. Subscribe before the
// publish: NSQ only delivers to channels that already exist.
func (s *IntegrationSuite) Subscribe(topic string) <-chan *nsq.Message {
	msgs := make(chan *nsq.Message, 16)
	consumer, err := nsq.NewConsumer(topic, "test-"+topic, nsq.NewConfig())
	require.NoError(s.T, err)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		msgs <- m
		return nil
	}))
	require.NoError(s.T, consumer.ConnectToNSQD(s.NSQDAddr))
	s.T.Cleanup(consumer.Stop)
	return msgs
}

// Receive returns the next message from msgs or fails the test after timeout.
func (s *IntegrationSuite) Receive(msgs <-chan *nsq.Message, timeout time.Duration) *nsq.Message {
	select {
	case m := <-msgs:
		return m
	case <-time.After(timeout):
		s.T.Fatal("timeout waiting for NSQ message")
		return nil
	}
}
