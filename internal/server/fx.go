// Package server builds the scrapper's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/api"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/browser"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/clock/system"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/config"
	filecreds "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/credentials/file"
	rediscreds "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/credentials/redis"
	collyfetcher "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/fetcher/colly"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/id/uuid"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/ledger"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/logging"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/media"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/notify"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/orchestrator"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/policy/ratelimit"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/proxy"
	memorypublisher "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/publisher/memory"
	gcppublisher "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/publisher/pubsub"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scroll"
	gcsstorage "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/storage/gcs"
	localstorage "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/storage/local"
	pgstore "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/storage/postgres"
	s3storage "github.com/dhruvin-rv/facebook-group-post-scrapper/internal/storage/s3"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/telemetry"
)

const memoryPublisherLimit = 1000

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orchestrator *orchestrator.Service
	sweeper      *media.Sweeper

	creds        scraper.CredentialStore
	redisCreds   *rediscreds.Store
	gcsClient    *storage.Client
	pgStore      *pgstore.Store
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher

	tracerShutdown telemetry.Shutdown

	closeOnce sync.Once
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and sweeps media until ctx is canceled or a termination
// signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	var sweepDone sync.WaitGroup
	sweepDone.Add(1)
	go func() {
		defer sweepDone.Done()
		a.sweeper.Run(sweepCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	cancelSweep()
	sweepDone.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops running jobs and releases every client. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.orchestrator != nil {
			if shutdownErr := a.orchestrator.Shutdown(ctx); shutdownErr != nil {
				a.logger.Warn("orchestrator shutdown incomplete", zap.Error(shutdownErr))
				err = shutdownErr
			}
		}
		a.closeInfrastructure()
		if a.tracerShutdown != nil {
			if traceErr := a.tracerShutdown(ctx); traceErr != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(traceErr))
			}
		}
		if syncErr := a.logger.Sync(); syncErr != nil {
			a.logger.Debug("logger sync failed", zap.Error(syncErr))
		}
		a.logger.Info("shutdown complete")
	})
	return err
}

func (a *App) closeInfrastructure() {
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redisCreds != nil {
		if err := a.redisCreds.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app, err := BuildWithLogger(ctx, cfg, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	app.tracerShutdown = shutdown
	return app, nil
}

// BuildWithLogger wires the graph around an existing logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("credentials_backend", cfg.Credentials.Backend),
		zap.String("media_mirror", cfg.Media.Mirror),
	)
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	clock := system.New()

	if err := setupCredentials(ctx, app); err != nil {
		return nil, err
	}

	// Without a pool, leases stored through session config are still used.
	var pool proxy.PoolClient
	if cfg.Proxy.PoolURL != "" {
		pool = proxy.NewHTTPPool(cfg.Proxy.PoolURL, &http.Client{Timeout: time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second})
		logger.Info("proxy pool configured", zap.String("pool_url", cfg.Proxy.PoolURL))
	}
	assigner := proxy.NewAssigner(app.creds, pool, clock, logger.Named("proxy"))

	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	var ledgerOpts []ledger.Option
	if app.pgStore != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithMirror(app.pgStore))
	}
	tracker := ledger.New(clock, uuid.New(), logger.Named("ledger"), ledgerOpts...)

	local, err := localstorage.New(localstorage.Config{BaseDir: cfg.Media.Dir})
	if err != nil {
		return nil, fmt.Errorf("media store init failed: %w", err)
	}
	mirror, err := setupMirror(ctx, app)
	if err != nil {
		return nil, err
	}
	pipeline := newMediaPipeline(cfg, local, mirror, logger)
	app.sweeper = media.NewSweeper(local, cfg.Media.Retention(), cfg.Media.SweepInterval(), clock, logger.Named("sweeper"))

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	notifier := notify.New(notify.Config{
		Timeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
		Topic:   cfg.PubSub.TopicName,
	}, publisher, clock, logger.Named("notify"))

	launcher, err := browser.New(browser.Config{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
		UserDataDir:       cfg.Browser.UserDataDir,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavTimeout(),
		CookieDomain:      cfg.Browser.CookieDomain,
		GroupURLTemplate:  cfg.Browser.GroupURLTemplate,
		FeedEndpoint:      cfg.Browser.FeedEndpoint,
		MaxParallel:       cfg.Browser.MaxParallel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}

	deps := orchestrator.Dependencies{
		Credentials: app.creds,
		Browser:     launcher,
		Ledger:      tracker,
		Scroller:    scroll.New(scrollConfig(cfg.Scroll), logger),
		Media:       pipeline,
		Proxies:     assigner,
		Notifier:    notifier,
		Clock:       clock,
	}
	if app.pgStore != nil {
		deps.Posts = app.pgStore
	}
	app.orchestrator = orchestrator.New(orchestrator.Config{
		MaxDepth:      cfg.Extract.MaxDepth,
		NotifyTimeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
	}, deps, logger)

	app.apiServer = api.NewServer(app.orchestrator, tracker, app.creds, assigner, *cfg, logger)

	ok = true
	return app, nil
}

func setupCredentials(ctx context.Context, app *App) error {
	cfg := app.cfg.Credentials
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := rediscreds.New(ctx, rediscreds.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("redis credential store init failed: %w", err)
		}
		app.redisCreds = store
		app.creds = store
		app.logger.Info("using redis credential store", zap.String("addr", cfg.RedisAddr))
	default:
		store, err := filecreds.Open(cfg.FilePath, app.logger.Named("credentials"))
		if err != nil {
			return fmt.Errorf("file credential store init failed: %w", err)
		}
		app.creds = store
		app.logger.Info("using file credential store", zap.String("path", cfg.FilePath))
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Info("no database DSN configured, snapshots stay in memory")
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:        app.cfg.Database.DSN,
		JobsTable:  app.cfg.Database.SnapshotTable,
		PostsTable: app.cfg.Database.PostTable,
		MaxConns:   app.cfg.Database.MaxConns,
		MinConns:   app.cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pgStore = store
	app.logger.Info("postgres mirror initialized",
		zap.String("snapshot_table", app.cfg.Database.SnapshotTable),
		zap.String("post_table", app.cfg.Database.PostTable),
	)
	return nil
}

func setupMirror(ctx context.Context, app *App) (scraper.BlobStore, error) {
	cfg := app.cfg.Media
	switch cfg.Mirror {
	case config.MirrorGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.MirrorPrefix})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		app.logger.Info("mirroring media to gcs", zap.String("bucket", cfg.GCSBucket))
		return store, nil
	case config.MirrorS3:
		s3Cfg := s3storage.Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.MirrorPrefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3storage.New(client, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror init failed: %w", err)
		}
		app.logger.Info("mirroring media to s3", zap.String("bucket", cfg.S3Bucket))
		return store, nil
	default:
		return nil, nil
	}
}

func newMediaPipeline(cfg *config.Config, local scraper.BlobStore, mirror scraper.BlobStore, logger *zap.Logger) *media.Pipeline {
	var limiter collyfetcher.Waiter
	if cfg.Media.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Media.RPS,
			DefaultBurst: cfg.Media.Burst,
		})
		logger.Info("media rate limiter enabled",
			zap.Float64("rps", cfg.Media.RPS),
			zap.Int("burst", cfg.Media.Burst),
		)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Media.UserAgent,
		Timeout:      cfg.Media.FetchTimeout(),
		MaxBodyBytes: cfg.Media.MaxBytes,
	}, limiter)

	var opts []media.Option
	if mirror != nil {
		opts = append(opts, media.WithMirror(mirror))
	}
	return media.New(media.Config{
		PublicPrefix:     cfg.Media.PublicPrefix,
		DefaultExtension: cfg.Media.DefaultExtension,
		Concurrency:      cfg.Media.Concurrency,
		ThumbnailWidth:   cfg.Media.ThumbnailWidth,
	}, fetcher, local, logger.Named("media"), opts...)
}

func setupPublisher(ctx context.Context, app *App) (scraper.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memoryPublisherLimit), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.gcpPublisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.gcpPublisher, nil
}

func scrollConfig(c config.ScrollConfig) scroll.Config {
	return scroll.Config{
		MinStep:              c.MinStep,
		MaxStep:              c.MaxStep,
		MinDelay:             time.Duration(c.MinDelayMs) * time.Millisecond,
		MaxDelay:             time.Duration(c.MaxDelayMs) * time.Millisecond,
		LongPauseProbability: c.LongPauseProbability,
		MinLongPause:         time.Duration(c.LongPauseMinMs) * time.Millisecond,
		MaxLongPause:         time.Duration(c.LongPauseMaxMs) * time.Millisecond,
		StuckLimit:           c.StuckLimit,
		StaleLimit:           c.StaleLimit,
		MaxDuration:          time.Duration(c.MaxDurationSeconds) * time.Second,
		MaxIterations:        c.MaxIterations,
	}
}
