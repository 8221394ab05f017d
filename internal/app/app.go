package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studyloop/features/content"
	"studyloop/features/generation"
	"studyloop/features/job"
	"studyloop/features/material"
	"studyloop/features/stats"
	"studyloop/features/webhook"
	"studyloop/internal/adapter/docling"
	"studyloop/internal/adapter/gcs"
	"studyloop/internal/adapter/gemini"
	"studyloop/internal/adapter/redis"
	"studyloop/internal/analytics"
	"studyloop/internal/config"
	"studyloop/internal/embedding"
	gen "studyloop/internal/generation"
	"studyloop/internal/idempotency"
	"studyloop/internal/metrics"
	"studyloop/internal/middleware"
	"studyloop/internal/orchestrator"
	"studyloop/internal/pipeline"
	"studyloop/internal/quality"
	"studyloop/internal/retrieval"
	"studyloop/internal/settings"
	"studyloop/internal/strategy"
	"studyloop/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// Options replace backends, mainly for tests. Nil fields use the real adapters.
type Options struct {
	Generator  gen.Generator
	Embedder   embedding.BatchEmbedder
	Downloader worker.Downloader
	Extractor  worker.Extractor
	Registry   *prometheus.Registry
}

type App struct {
	Handler             http.Handler
	Pipeline            *pipeline.Pipeline
	Orchestrator        *orchestrator.Orchestrator
	MaterialService     *material.Service
	IngestConsumer      *worker.IngestConsumer
	GenerationConsumer  *worker.GenerationConsumer
	OrchestrateConsumer *worker.OrchestrateConsumer

	cfg       *config.Config
	closers   []func()
	consumers []*nsq.Consumer
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger, opts *Options) (*App, error) {
	if deps == nil || deps.DB == nil || deps.VectorStore == nil || deps.Redis == nil || deps.NSQProducer == nil {
		return nil, errors.New("app: database, vector store, redis and nsq producer are required")
	}
	if opts == nil {
		opts = &Options{}
	}
	a := &App{cfg: cfg}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	m := metrics.Default()
	if opts.Registry != nil {
		m = metrics.MustNew(opts.Registry)
		gatherer = opts.Registry
	}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(deps.DB)
	settingsService := settings.NewService(settingsRepo).WithDefaults(settings.Settings{
		GeminiAPIKey:    cfg.GeminiAPIKey,
		GenerationModel: cfg.GenerationModel,
		EmbeddingModels: cfg.EmbeddingModels,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	settingsHandler := settings.NewHandler(settingsService)

	// Adapters
	var generator gen.Generator = opts.Generator
	if generator == nil {
		generator = gemini.NewGenerator(settingsService)
	}
	var batchEmbedder embedding.BatchEmbedder = opts.Embedder
	if batchEmbedder == nil {
		batchEmbedder = gemini.NewEmbedder(settingsService)
	}
	var downloader worker.Downloader = opts.Downloader
	var objects material.ObjectChecker
	if deps.Storage != nil {
		bucket := gcs.NewBucket(deps.Storage, cfg.MaterialBucket)
		objects = bucket
		if downloader == nil {
			downloader = bucket
		}
	}
	if downloader == nil {
		return nil, errors.New("app: object storage is required when no downloader is supplied")
	}
	var extractor worker.Extractor = opts.Extractor
	if extractor == nil {
		extractor = docling.NewClient(cfg.DoclingURL)
	}

	retrying := gen.NewRetryingGenerator(generator, gen.RetryConfig{
		Timeout:           cfg.GenerationTimeout,
		MaxRetries:        cfg.GenerationMaxRetries,
		InitialInterval:   gen.DefaultRetryConfig().InitialInterval,
		MaxInterval:       gen.DefaultRetryConfig().MaxInterval,
		RequestsPerSecond: cfg.GenerationRPS,
	})

	embedCache, err := embedding.NewCache(cfg.EmbedCacheSize, redis.NewStore(deps.Redis, "emb:"), cfg.EmbedCacheTTL)
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewService(batchEmbedder, embedCache, cfg.EmbedBatchSize, m)
	retriever := retrieval.NewRetriever(deps.VectorStore, redis.NewStore(deps.Redis, "chunks:"), cfg.ChunkCacheTTL)

	// Repositories
	materialRepo := material.NewPostgresRepo(deps.DB)
	contentRepo := content.NewPostgresRepo(deps.DB)
	jobRepo := job.NewPostgresRepo(deps.DB)
	orchestratorRepo := orchestrator.NewPostgresRepo(deps.DB)

	// Pipeline
	registry, err := strategy.NewDefaultRegistry(contentRepo)
	if err != nil {
		return nil, fmt.Errorf("strategy registry: %w", err)
	}
	recorder := analytics.Multi{newUsageLogger(cfg.UsageLogPath, a), analytics.NewPostgresRecorder(deps.DB)}
	a.Pipeline = pipeline.New(pipeline.Deps{
		Strategies: registry,
		Retriever:  retriever,
		Generator:  retrying,
		Assessor:   quality.NewValidator(retrying, cfg.QualityModel),
		Recorder:   recorder,
		Metrics:    m,
	}, pipeline.Config{
		MaxChars:      cfg.MaxContextChars,
		QualityGate:   cfg.QualityGate,
		StrictQuality: cfg.QualityStrict,
	})
	a.Orchestrator = orchestrator.New(orchestratorRepo, orchestratorRepo, deps.NSQProducer, retriever, m)

	// Features
	a.MaterialService = material.NewService(materialRepo, deps.NSQProducer, deps.VectorStore, embedder, objects)
	materialHandler := material.NewHandler(a.MaterialService)
	contentHandler := content.NewHandler(contentRepo)
	generationHandler := generation.NewHandler(orchestratorRepo, a.Orchestrator, a.MaterialService)
	jobService := job.NewService(jobRepo, deps.NSQProducer, logger)
	jobHandler := job.NewHandler(jobService)
	statsHandler := stats.NewHandler(materialRepo, jobRepo, contentRepo, deps.VectorStore)

	processor := idempotency.NewProcessor(idempotency.NewPostgresStore(deps.DB, cfg.WebhookLease), idempotency.Config{
		MaxRetries:      cfg.WebhookMaxRetries,
		InitialInterval: idempotency.DefaultConfig().InitialInterval,
		MaxInterval:     cfg.WebhookMaxInterval,
		Lease:           cfg.WebhookLease,
	})
	webhookHandler := webhook.NewHandler(processor, map[string]idempotency.Handler{
		webhook.EventGenerationRequested: webhook.GenerationRequested(deps.NSQProducer),
		webhook.EventMaterialUploaded:    webhook.MaterialUploaded(a.MaterialService),
	}).WithTimeout(cfg.WebhookTimeout)

	// Workers
	a.IngestConsumer = worker.NewIngestConsumer(materialRepo, downloader, extractor, embedder, deps.VectorStore, jobRepo, m, cfg.ChunkMaxTokens)
	a.GenerationConsumer = worker.NewGenerationConsumer(a.Pipeline, a.Orchestrator, jobRepo)
	a.OrchestrateConsumer = worker.NewOrchestrateConsumer(a.Orchestrator)

	// Routes
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(enableCORS(h)))
	}

	route("POST /materials", materialHandler.Register)
	route("GET /materials/{id}", materialHandler.Get)
	route("DELETE /materials/{id}", materialHandler.Delete)
	route("POST /materials/{id}/reprocess", materialHandler.Reprocess)
	route("POST /materials/search", materialHandler.Search)
	route("GET /courses/{courseId}/weeks/{weekId}/materials", materialHandler.List)

	route("GET /courses/{courseId}/weeks/{weekId}/generation-config", generationHandler.GetConfig)
	route("PUT /courses/{courseId}/weeks/{weekId}/generation-config", generationHandler.PutConfig)
	route("POST /courses/{courseId}/weeks/{weekId}/generate", generationHandler.Generate)
	route("GET /runs/{id}", generationHandler.GetRun)

	route("GET /courses/{courseId}/weeks/{weekId}/content/{type}", contentHandler.List)

	route("GET /jobs/failed", jobHandler.List)
	route("POST /jobs/{id}/retry", jobHandler.Retry)

	route("POST /webhooks/{eventType}", webhookHandler.Receive)

	route("GET /settings", settingsHandler.GetSettings)
	route("PUT /settings", settingsHandler.UpdateSettings)

	route("GET /stats", statsHandler.GetStats)

	mux.Handle("OPTIONS /", enableCORS(func(http.ResponseWriter, *http.Request) {}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

// newUsageLogger opens the usage log file, falling back to stdout.
func newUsageLogger(path string, a *App) *analytics.FileLogger {
	l, err := analytics.NewFileLogger(path)
	if err != nil {
		slog.Warn("failed to open usage log, falling back to stdout", "path", path, "error", err)
		return analytics.NewLogger(os.Stdout)
	}
	a.closers = append(a.closers, func() { _ = l.Close() })
	return l
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// StartConsumers connects one NSQ consumer per enabled worker topic.
func (a *App) StartConsumers() error {
	specs := []struct {
		topic       string
		handler     nsq.Handler
		concurrency int
		enabled     bool
	}{
		{config.TopicIngestMaterial, a.IngestConsumer, a.cfg.IngestionConcurrency, a.cfg.EnableIngestWorker},
		{config.TopicContentGenerate, a.GenerationConsumer, a.cfg.GenerationConcurrency, a.cfg.EnableGenerationWorker},
		{config.TopicContentOrchestrate, a.OrchestrateConsumer, 1, a.cfg.EnableGenerationWorker},
	}
	for _, s := range specs {
		if !s.enabled {
			continue
		}
		concurrency := s.concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		nsqCfg := nsq.NewConfig()
		nsqCfg.MaxInFlight = concurrency
		consumer, err := nsq.NewConsumer(s.topic, config.ChannelBackend, nsqCfg)
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", s.topic, err)
		}
		consumer.AddConcurrentHandlers(s.handler, concurrency)
		if err := a.connect(consumer); err != nil {
			consumer.Stop()
			return fmt.Errorf("failed to connect consumer for %s: %w", s.topic, err)
		}
		a.consumers = append(a.consumers, consumer)
		slog.Info("NSQ consumer connected", "topic", s.topic, "concurrency", concurrency)
	}
	return nil
}

// connect prefers lookupd discovery and falls back to the single nsqd.
func (a *App) connect(c *nsq.Consumer) error {
	if a.cfg.NSQLookupd != "" {
		return c.ConnectToNSQLookupd(a.cfg.NSQLookupd)
	}
	return c.ConnectToNSQD(a.cfg.NSQDHost)
}

// Run serves HTTP and consumes NSQ until ctx is cancelled, then drains.
func (a *App) Run(ctx context.Context) error {
	if err := a.StartConsumers(); err != nil {
		a.stop()
		return err
	}

	if !a.cfg.EnableAPI {
		<-ctx.Done()
		a.stop()
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		a.stop()
		return err
	}
	wg.Wait()
	a.stop()
	return nil
}

// stop drains consumers and waits for background analytics writes.
func (a *App) stop() {
	for _, c := range a.consumers {
		c.Stop()
	}
	for _, c := range a.consumers {
		<-c.StopChan
	}
	a.consumers = nil
	a.Pipeline.Wait()
	for _, closeFn := range a.closers {
		closeFn()
	}
	a.closers = nil
}
