package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/knowledge-indexer/internal/config"
	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
	"github.com/kirillkom/knowledge-indexer/internal/core/usecase"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/chunking"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/crawler"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/embedding"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/extractor"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/manifest"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/queue/nats"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/vector/filestore"
	"github.com/kirillkom/knowledge-indexer/internal/jobs"
	"github.com/kirillkom/knowledge-indexer/internal/observability/metrics"
)

type Options struct {
	// Service labels metrics.
	Service string
	// WithQueue connects to NATS so job events are published and uploads can request reindexing.
	WithQueue bool
	Logger    *slog.Logger
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Metrics   *metrics.IndexerMetrics
	Store     *filestore.Store
	Manifests ports.ManifestStore
	Queue     *nats.Queue

	Indexer    *usecase.IndexUseCase
	Uploads    *usecase.UploadUseCase
	Retrieval  *usecase.RetrievalUseCase
	CrawlIndex *usecase.CrawlIndexUseCase
	Scheduler  *jobs.Scheduler

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := opts.Service
	if service == "" {
		service = "indexer"
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewIndexerMetrics(service),
	}

	manifests, err := app.openManifests(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Manifests = manifests

	store, err := filestore.Open(cfg.IndexDir, cfg.EmbeddingDimension, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	app.Store = store

	storage, err := localfs.New(cfg.UploadDir)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init upload storage: %w", err)
	}

	embedder, err := embedding.New(embedding.Options{
		Provider: embedding.Provider(cfg.EmbeddingProvider),
		BaseURL:  cfg.EmbeddingURL,
		Model:    cfg.EmbeddingModel,
		APIKey:   cfg.EmbeddingAPIKey,
		Timeout:  cfg.EmbeddingTimeout,
		Executor: resilience.NewExecutor(resilience.EmbeddingConfig(), resilience.WithLogger(logger)),
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init embedding client: %w", err)
	}

	splitter, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init chunker: %w", err)
	}

	var requests ports.JobRequestPublisher
	var events ports.JobEventPublisher
	if opts.WithQueue {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			RequestSubject:     cfg.NATSRequestSubject,
			EventSubject:       cfg.NATSEventSubject,
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig(), resilience.WithLogger(logger)),
			Logger:             logger,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closeFns = append(app.closeFns, queue.Close)
		requests = queue
		events = queue
	}

	app.Indexer = usecase.NewIndexUseCase(
		extractor.New(logger),
		splitter,
		embedder,
		store,
		manifests,
		usecase.IndexOptions{
			BatchSize: cfg.EmbedBatchSize,
			Logger:    logger,
			Metrics:   app.Metrics,
		},
	)
	app.Uploads = usecase.NewUploadUseCase(storage, app.Indexer, requests, cfg.AutoIndexUploads)
	app.Retrieval = usecase.NewRetrievalUseCase(embedder, store, cfg.RAGTopK, app.Metrics)

	site := crawler.New(crawler.Options{
		AllowedDomains:    cfg.HostDomainWhitelist,
		MaxPageChars:      cfg.CrawlMaxPageChars,
		RequestsPerSecond: cfg.CrawlRequestsPerSecond,
		UserAgent:         cfg.CrawlUserAgent,
		Timeout:           cfg.CrawlTimeout,
		Executor:          resilience.NewExecutor(resilience.DefaultConfig(), resilience.WithLogger(logger)),
		Metrics:           app.Metrics,
		Logger:            logger,
	})
	app.CrawlIndex = usecase.NewCrawlIndexUseCase(site, app.Indexer, cfg.CrawlPruneMissing, logger)

	app.Scheduler = jobs.NewScheduler(jobs.Options{
		Events:  events,
		Metrics: app.Metrics,
		Logger:  logger,
	})
	return app, nil
}

func (a *App) openManifests(ctx context.Context) (ports.ManifestStore, error) {
	if a.Config.ManifestBackend != "postgres" {
		return manifest.NewFileStore(a.Config.ManifestPath), nil
	}

	db, err := postgres.OpenDB(a.Config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closeFns = append(a.closeFns, func() { _ = db.Close() })

	repo := postgres.NewManifestRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

// StartJob launches the job described by req on the scheduler. Unset crawl limits
// fall back to the configured defaults.
func (a *App) StartJob(ctx context.Context, req domain.JobRequest) (*jobs.Handle, error) {
	var run jobs.RunFunc
	switch req.Kind {
	case domain.JobReindex:
		run = func(ctx context.Context, ctl *jobs.Control) (domain.IndexReport, error) {
			return a.Uploads.ReindexUploads(ctx, req.PruneMissing, ctl)
		}
	case domain.JobRebuild:
		run = func(ctx context.Context, ctl *jobs.Control) (domain.IndexReport, error) {
			return a.Uploads.RebuildUploads(ctx, ctl)
		}
	case domain.JobCrawl:
		crawl := a.CrawlRequest(req)
		run = func(ctx context.Context, ctl *jobs.Control) (domain.IndexReport, error) {
			return a.CrawlIndex.CrawlAndIndex(ctx, crawl, ctl)
		}
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "start job", fmt.Errorf("unknown job kind %q", req.Kind))
	}
	return a.Scheduler.Start(ctx, req.Kind, run)
}

func (a *App) CrawlRequest(req domain.JobRequest) domain.CrawlRequest {
	crawl := domain.CrawlRequest{Seed: req.Seed, MaxPages: req.MaxPages, MaxDepth: a.Config.CrawlDepth}
	if crawl.MaxPages <= 0 {
		crawl.MaxPages = a.Config.CrawlMaxPages
	}
	if req.MaxDepth != nil && *req.MaxDepth >= 0 {
		crawl.MaxDepth = *req.MaxDepth
	}
	return crawl
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
