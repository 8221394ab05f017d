package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	wstore "studyloop/internal/adapter/weaviate"
	"studyloop/internal/config"
)

type stubDownloader struct{}

func (stubDownloader) Download(context.Context, string) ([]byte, error) { return []byte("%PDF"), nil }

func newTestDeps(t *testing.T) *Dependencies {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	wClient, err := weaviate.NewClient(weaviate.Config{Host: server.URL[7:], Scheme: "http"})
	require.NoError(t, err)

	producer, err := nsq.NewProducer("localhost:4150", nsq.NewConfig())
	require.NoError(t, err)
	t.Cleanup(producer.Stop)

	// go-redis dials lazily.
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { rdb.Close() })

	return &Dependencies{DB: db, VectorStore: wstore.NewStore(wClient), Redis: rdb, NSQProducer: producer}
}

func TestNew(t *testing.T) {
	cfg := &config.Config{UsageLogPath: t.TempDir() + "/usage.log"}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	app, err := New(cfg, newTestDeps(t), logger, &Options{Downloader: stubDownloader{}, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.NotNil(t, app.Handler)
	assert.NotNil(t, app.Pipeline)
	assert.NotNil(t, app.Orchestrator)
	assert.NotNil(t, app.IngestConsumer)
	assert.NotNil(t, app.GenerationConsumer)
	assert.NotNil(t, app.OrchestrateConsumer)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	app.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	app.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Validation happens before any repository call.
	req = httptest.NewRequest("GET", "/courses/c1/weeks/w1/content/flashcards", nil)
	w = httptest.NewRecorder()
	app.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))

	app.stop()
}

func TestNew_CORSPreflight(t *testing.T) {
	cfg := &config.Config{UsageLogPath: t.TempDir() + "/usage.log"}
	app, err := New(cfg, newTestDeps(t), slog.Default(), &Options{Downloader: stubDownloader{}, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer app.stop()

	req := httptest.NewRequest("OPTIONS", "/webhooks/generation.requested", nil)
	w := httptest.NewRecorder()
	app.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(&config.Config{}, &Dependencies{}, slog.Default(), nil)
	assert.Error(t, err)

	deps := newTestDeps(t)
	_, err = New(&config.Config{}, deps, slog.Default(), &Options{Registry: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "object storage")
}
