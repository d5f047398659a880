// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-stats-ingest/internal/api"
	"github.com/JakeFAU/realtime-stats-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-stats-ingest/internal/config"
	"github.com/JakeFAU/realtime-stats-ingest/internal/etl"
	"github.com/JakeFAU/realtime-stats-ingest/internal/extract"
	"github.com/JakeFAU/realtime-stats-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/realtime-stats-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/realtime-stats-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-stats-ingest/internal/hash/sha256"
	"github.com/JakeFAU/realtime-stats-ingest/internal/headless/detector"
	"github.com/JakeFAU/realtime-stats-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/logging"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-stats-ingest/internal/policy/simple"
	memorypublisher "github.com/JakeFAU/realtime-stats-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-stats-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
	queuememory "github.com/JakeFAU/realtime-stats-ingest/internal/queue/memory"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue/rabbitmq"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime/cache"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scheduler"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scrape"
	gcsstorage "github.com/JakeFAU/realtime-stats-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-stats-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-stats-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-stats-ingest/internal/storage/postgres"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

// Mode selects which parts of the application a process runs.
type Mode int

const (
	// ModeServe runs the HTTP API, the scheduler loop and, when items are
	// queued, the ETL consumer.
	ModeServe Mode = iota
	// ModeScrape runs single jobs from the command line.
	ModeScrape
	// ModeConsume runs only the ETL consumer against RabbitMQ.
	ModeConsume
)

const memoryQueueCapacity = 1024

type broker interface {
	queue.Publisher
	queue.Consumer
}

// App holds the wired components and everything that must be released on
// shutdown.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	store     ingest.Store
	pgStore   *pgstore.Store
	tracker   *tracker.Service
	gcs       *gcsstorage.BlobStore
	notifier  *gcppublisher.Publisher
	redis     *cache.Redis
	headless  *headlessfetcher.Fetcher
	broker    broker
	queues    []string
	publisher *etl.Publisher
	consumer  *etl.Consumer
	runner    *scrape.Runner
	realtime  *realtime.Manager
	scheduler *scheduler.Scheduler
	apiServer *api.Server
}

// Build creates the application's dependencies. On error everything opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, mode Mode) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{cfg: cfg, mode: mode, logger: logger, base: base, cancelBase: cancel}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("base_url", cfg.Scraper.BaseURL),
		zap.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
		zap.Bool("synchronous", app.synchronous()),
	)

	clock := system.New()
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	app.tracker = tracker.New(app.store, clock, logger)

	if err = app.setupBroker(); err != nil {
		return nil, err
	}
	app.publisher = etl.NewPublisher(app.tracker, app.broker, app.routes(), uuid.New(), cfg.RabbitMQ.BatchSize, logger)
	app.consumer = etl.NewConsumer(app.tracker, etl.ConsumerConfig{MaxAttempts: cfg.RabbitMQ.MaxAttempts}, logger)
	if mode == ModeConsume {
		return app, nil
	}

	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}
	fetch, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}

	deps := scrape.Deps{
		Fetcher:  fetch,
		Tracker:  app.tracker,
		Archive:  archive,
		Notifier: notifier,
		Hasher:   sha256.New(),
		Clock:    clock,
		Logger:   logger,
	}
	if !app.synchronous() {
		deps.Publisher = app.publisher
	}
	if len(cfg.Scraper.AllowedHosts) > 0 {
		deps.Policy = simple.New(cfg.Scraper.BaseURL, cfg.Scraper.AllowedHosts...)
	}
	app.runner, err = scrape.NewRunner(scrape.Config{
		BaseURL:          cfg.Scraper.BaseURL,
		PublicationsPath: cfg.Scraper.PublicationsPath,
		HomepageStats:    cfg.Scraper.HomepageStats,
		Categories:       cfg.Scraper.CategoryList(),
		MaxPDFs:          cfg.Scraper.MaxPDFsPerJob,
		PDF: extract.PDFConfig{
			MaxPages:      cfg.Scraper.PDFMaxPages,
			TablesPerPage: cfg.Scraper.PDFTablesPerPage,
		},
		Synchronous:   app.synchronous(),
		ArchivePrefix: cfg.Archive.Prefix,
		NotifyTopic:   cfg.Notify.TopicName,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}
	if mode == ModeScrape {
		return app, nil
	}

	if err = app.setupRealtime(ctx, clock); err != nil {
		return nil, err
	}
	if err = app.setupScheduler(clock); err != nil {
		return nil, err
	}
	app.setupAPI()
	return app, nil
}

// synchronous reports whether the runner processes items itself. A CLI
// scrape without RabbitMQ has no consumer to hand items to.
func (a *App) synchronous() bool {
	if a.cfg.Scraper.Synchronous {
		return true
	}
	return a.mode == ModeScrape && !a.cfg.RabbitMQ.Enabled
}

func (a *App) routes() queue.Routes {
	statistics, publications := a.cfg.RabbitMQ.QueueRoutes()
	return queue.Routes{Statistics: statistics, Publications: publications}
}

func (a *App) setupStore(ctx context.Context) error {
	dbCfg := a.cfg.Database
	if dbCfg.DSN == "" {
		a.logger.Warn("no database DSN configured, keeping jobs in memory")
		a.store = memorystorage.NewJobStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             dbCfg.DSN,
		JobsTable:       dbCfg.JobsTable,
		ItemsTable:      dbCfg.ItemsTable,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: time.Duration(dbCfg.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	a.pgStore, a.store = store, store
	if dbCfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	a.logger.Info("postgres job store initialized",
		zap.String("jobs_table", dbCfg.JobsTable),
		zap.String("items_table", dbCfg.ItemsTable),
	)
	return nil
}

func (a *App) setupBroker() error {
	statistics, publications := a.cfg.RabbitMQ.QueueRoutes()
	a.queues = []string{statistics, publications}
	if !a.cfg.RabbitMQ.Enabled {
		if a.mode == ModeConsume {
			return errors.New("consume requires rabbitmq.enabled")
		}
		a.logger.Info("rabbitmq disabled, using in-process queue")
		a.broker = queuememory.NewBroker(memoryQueueCapacity)
		return nil
	}
	rmq := a.cfg.RabbitMQ
	b, err := rabbitmq.New(rabbitmq.Config{
		URL:                  rmq.URL,
		Exchange:             rmq.Exchange,
		ExchangeType:         rmq.ExchangeType,
		Queues:               a.queues,
		Prefetch:             rmq.Prefetch,
		ConsumerTag:          rmq.ConsumerTag,
		ReconnectMaxAttempts: rmq.ReconnectMaxAttempts,
	}, rabbitmq.Dial, a.logger)
	if err != nil {
		return fmt.Errorf("rabbitmq init failed: %w", err)
	}
	a.broker = b
	a.logger.Info("rabbitmq broker initialized",
		zap.String("exchange", rmq.Exchange),
		zap.Strings("queues", a.queues),
	)
	return nil
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.Local.BaseDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw document archive disabled")
		return nil, nil
	}
}

func (a *App) setupNotifier(ctx context.Context) (ingest.Notifier, error) {
	n := a.cfg.Notify
	if n.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	p, err := gcppublisher.Open(ctx, n.ProjectID, n.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.notifier = p
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", n.ProjectID),
		zap.String("topic", n.TopicName),
	)
	return p, nil
}

func (a *App) setupFetcher() (ingest.Fetcher, error) {
	sc := a.cfg.Scraper
	scope := ratelimit.ScopeHost
	if a.cfg.RateLimit.Global {
		scope = ratelimit.ScopeGlobal
	}
	limiter := ratelimit.New(ratelimit.Config{
		MinDelay: a.cfg.PolitenessDelay(),
		Burst:    a.cfg.RateLimit.Burst,
		Scope:    scope,
	})
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: sc.RespectRobots,
		Timeout:       time.Duration(sc.RequestTimeoutSeconds) * time.Second,
		MaxBodyBytes:  sc.MaxBodyBytes,
		MaxAttempts:   sc.MaxRetries,
		BackoffBase:   config.Seconds(sc.BackoffBaseSeconds),
		BackoffMax:    config.Seconds(sc.BackoffMaxSeconds),
	}, limiter, a.logger)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", sc.UserAgent),
		zap.Duration("politeness_delay", a.cfg.PolitenessDelay()),
		zap.String("scope", string(scope)),
	)
	if !a.cfg.Headless.Enabled {
		return probe, nil
	}
	h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         sc.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing without promotion", zap.Error(err))
		return probe, nil
	}
	a.headless = h
	a.logger.Info("headless promotion enabled",
		zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
		zap.Int("threshold", a.cfg.Headless.PromotionThresh),
	)
	return fetcher.NewPromoting(probe, h, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger), nil
}

func (a *App) setupRealtime(ctx context.Context, clock ingest.Clock) error {
	var c cache.Cache
	if a.cfg.Cache.Backend == "redis" {
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redis, c = r, r
		a.logger.Info("using redis view cache", zap.String("addr", a.cfg.Cache.RedisAddr))
	} else {
		c = cache.NewMemory(clock)
	}
	rt := a.cfg.Realtime
	m, err := realtime.New(a.base, realtime.Config{
		Categories:     rt.Categories,
		SkipWindow:     time.Duration(rt.SkipWindowSeconds) * time.Second,
		StaleAfter:     time.Duration(rt.StaleAfterSeconds) * time.Second,
		CacheTTL:       time.Duration(rt.CacheTTLSeconds) * time.Second,
		KeyPrefix:      a.cfg.Cache.KeyPrefix,
		RefreshOnStale: rt.RefreshOnStale,
	}, a.runner, a.tracker, c, clock, a.logger)
	if err != nil {
		return fmt.Errorf("realtime manager init failed: %w", err)
	}
	a.realtime = m
	a.consumer.OnSettled(func(ctx context.Context, itemID int64) {
		if err := m.Invalidate(ctx); err != nil {
			a.logger.Warn("invalidate realtime views failed", zap.Int64("item_id", itemID), zap.Error(err))
		}
	})
	return nil
}

func (a *App) setupScheduler(clock ingest.Clock) error {
	intervals := make(map[ingest.JobType]string, len(a.cfg.Schedule.Intervals))
	for raw, interval := range a.cfg.Schedule.Intervals {
		jobType, err := ingest.ParseJobType(raw)
		if err != nil {
			return fmt.Errorf("schedule.intervals: %w", err)
		}
		intervals[jobType] = interval
	}
	s, err := scheduler.New(a.base, scheduler.Config{
		Intervals:     intervals,
		CheckInterval: time.Duration(a.cfg.Schedule.CheckIntervalSeconds) * time.Second,
	}, a.runScheduled, a.tracker, clock, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = s
	return nil
}

// runScheduled runs one scheduled job. A finished statistics job drops the
// cached real-time views so the next read sees it.
func (a *App) runScheduled(ctx context.Context, jobType ingest.JobType) error {
	if _, err := a.runner.Run(ctx, jobType, nil); err != nil {
		return err
	}
	if jobType == ingest.JobTypeStatistics && a.realtime != nil {
		if err := a.realtime.Invalidate(ctx); err != nil {
			a.logger.Warn("invalidate realtime views failed", zap.Error(err))
		}
	}
	return nil
}

func (a *App) setupAPI() {
	deps := api.Deps{
		Realtime:  a.realtime,
		Tracker:   a.tracker,
		Scheduler: a.scheduler,
		Ready:     map[string]api.Check{},
	}
	if a.consumes() {
		deps.Publisher = a.publisher
	}
	if a.pgStore != nil {
		deps.Ready["database"] = a.pgStore.Ping
	}
	if a.redis != nil {
		deps.Ready["cache"] = a.redis.Ping
	}
	a.apiServer = api.NewServer(deps, api.Options{
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		BaseContext:    a.base,
	}, a.logger.Named("api"))
}

// consumes reports whether queued items have somewhere to go: RabbitMQ, or
// the in-process consumer that serve runs in asynchronous mode.
func (a *App) consumes() bool {
	return a.cfg.RabbitMQ.Enabled || !a.synchronous()
}

// Run serves HTTP, runs the scheduler loop and, in asynchronous mode, the
// ETL consumer until ctx ends or a signal arrives. It releases the App
// before returning.
func (a *App) Run(ctx context.Context) error {
	if a.apiServer == nil {
		return errors.New("app was not built for serving")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.Schedule.Enabled {
		g.Go(func() error { return a.scheduler.Loop(gctx) })
	}
	if !a.synchronous() && !a.cfg.RabbitMQ.Enabled {
		g.Go(func() error {
			return ignoreCanceled(a.consumer.Run(gctx, a.broker, a.queues))
		})
	}

	err := g.Wait()
	a.Close()
	return err
}

// RunConsumer consumes the ETL queues until ctx ends or a signal arrives.
func (a *App) RunConsumer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.Close()
	a.logger.Info("consumer started", zap.Strings("queues", a.queues))
	return ignoreCanceled(a.consumer.Run(ctx, a.broker, a.queues))
}

// Scrape runs one job of jobType in the foreground.
func (a *App) Scrape(ctx context.Context, jobType ingest.JobType, categories []string) (scrape.Result, error) {
	if a.runner == nil {
		return scrape.Result{}, errors.New("app was not built for scraping")
	}
	return a.runner.Run(ctx, jobType, categories)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close stops background work and releases connections. It is safe to call
// more than once.
func (a *App) Close() {
	if a.cancelBase != nil {
		a.cancelBase()
	}
	if a.scheduler != nil {
		a.scheduler.Close()
		a.scheduler = nil
	}
	if a.realtime != nil {
		a.realtime.Close()
		a.realtime = nil
	}
	a.closeInfrastructure()
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
		a.broker = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.notifier = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
