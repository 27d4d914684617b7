// Package app initializes and holds the long-lived crawl services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/clock/system"
	"github.com/JakeFAU/edarchive/internal/config"
	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/dispatcher"
	"github.com/JakeFAU/edarchive/internal/extract"
	"github.com/JakeFAU/edarchive/internal/fetcher"
	collyfetcher "github.com/JakeFAU/edarchive/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/edarchive/internal/fetcher/headless"
	"github.com/JakeFAU/edarchive/internal/frontier"
	"github.com/JakeFAU/edarchive/internal/hash/sha256"
	"github.com/JakeFAU/edarchive/internal/headless/detector"
	"github.com/JakeFAU/edarchive/internal/id/uuid"
	"github.com/JakeFAU/edarchive/internal/media"
	"github.com/JakeFAU/edarchive/internal/metrics"
	"github.com/JakeFAU/edarchive/internal/policy/ratelimit"
	"github.com/JakeFAU/edarchive/internal/policy/robots"
	"github.com/JakeFAU/edarchive/internal/policy/scope"
	"github.com/JakeFAU/edarchive/internal/worker"
)

const metricsShutdownTimeout = 5 * time.Second

// App holds the services for one crawl run. It is built once per command
// invocation and closed by the command when it finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *archive.Store
	dispatcher *dispatcher.Dispatcher
	headless   *headlessfetcher.Fetcher
	metricsSrv *http.Server
}

// Options overrides transports, mainly for tests.
type Options struct {
	// Transport replaces the HTTP transport for page, asset, and robots
	// fetches.
	Transport http.RoundTripper
}

// New builds the crawl pipeline from cfg. It fails fast if the archive root
// cannot be opened or the scope cannot be built.
func New(cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing crawl services", zap.String("archive", cfg.Archive.Root))

	store, err := archive.Open(archive.Config{Root: cfg.Archive.Root, FlushEvery: cfg.Archive.FlushEvery}, logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	checker, err := scope.New(scope.Config{
		Seeds:          cfg.Crawl.Seeds,
		AllowedDomains: cfg.Scope.AllowedDomains,
		PathPrefixes:   cfg.Scope.PathPrefixes,
		BlockedDomains: cfg.Scope.BlockedDomains,
	})
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfig, "build scope", "", err)
	}

	clock := system.New()
	hasher := sha256.New()

	plain := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Crawl.UserAgent, Timeout: cfg.Fetch.Timeout})
	robotsClient := &http.Client{Timeout: cfg.Fetch.Timeout}
	if opts.Transport != nil {
		plain = collyfetcher.NewWithTransport(collyfetcher.Config{UserAgent: cfg.Crawl.UserAgent, Timeout: cfg.Fetch.Timeout}, opts.Transport)
		robotsClient.Transport = opts.Transport
	}

	a := &App{cfg: cfg, logger: logger, store: store}

	// Interfaces stay nil unless headless is enabled so the client skips the
	// scripted fallback entirely.
	var (
		scripted crawler.Fetcher
		promote  crawler.HeadlessDetector
	)
	if cfg.Headless.Enabled {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: cfg.Headless.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		scripted = a.headless
		promote = detector.NewHeuristic(cfg.Headless.MinHTMLBytes, cfg.Headless.AllowList)
	}

	client := fetcher.New(
		fetcher.Config{
			UserAgent:      cfg.Crawl.UserAgent,
			MaxInFlight:    cfg.Fetch.MaxInFlight,
			MaxAttempts:    cfg.Fetch.MaxAttempts,
			BackoffInitial: cfg.Fetch.BackoffInitial,
			BackoffMax:     cfg.Fetch.BackoffMax,
			MaxPageBytes:   cfg.Fetch.MaxPageBytes,
		},
		plain,
		scripted,
		promote,
		ratelimit.New(ratelimit.Config{PerHostDelay: cfg.Fetch.PerHostDelay}),
		clock,
		logger.Named("fetch"),
	)

	front := frontier.New(frontier.Config{
		MaxDepth: cfg.Crawl.MaxDepth,
		MaxPages: cfg.Crawl.MaxPages,
		InScope:  checker.InScope,
	})
	w := worker.New(worker.Dependencies{
		Fetcher:    client,
		Frontier:   front,
		Store:      store,
		Extractor:  extract.New(extract.Config{SampleRows: cfg.Extract.SampleRows}, clock, logger.Named("extract")),
		Downloader: media.New(media.Config{MaxBytes: cfg.Media.MaxBytes}, client, store, hasher, logger.Named("media")),
		Scope:      checker,
		Robots:     robots.New(cfg.Crawl.RespectRobots, cfg.Crawl.UserAgent, robotsClient, logger.Named("robots")),
		Hasher:     hasher,
	}, worker.Config{
		Refetch:       cfg.Crawl.Refetch,
		SkipMedia:     cfg.Crawl.SkipMedia,
		SkipData:      cfg.Crawl.SkipData,
		RecordOffsite: cfg.Scope.OffsiteLinks == config.OffsiteRecord,
		OffsiteMedia:  cfg.Media.Offsite,
		MaxAssetBytes: cfg.Media.MaxBytes,
		DrainTimeout:  cfg.Crawl.DrainTimeout,
	}, logger.Named("worker"))

	a.dispatcher = dispatcher.New(
		dispatcher.Config{Seeds: cfg.Crawl.Seeds, Concurrency: cfg.Crawl.Concurrency},
		front, w, store, clock, uuid.New(), logger,
	)

	logger.Info("Crawl services initialized",
		zap.Int("concurrency", cfg.Crawl.Concurrency),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("respect_robots", cfg.Crawl.RespectRobots))
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the archive store the crawl writes through.
func (a *App) Store() *archive.Store {
	return a.store
}

// Crawl runs one crawl to completion or cancellation. When metrics.listen is
// set, Prometheus is served for the duration of the run.
func (a *App) Crawl(ctx context.Context) (archive.RunReport, error) {
	if a.cfg.Metrics.Listen != "" {
		if err := a.startMetrics(a.cfg.Metrics.Listen); err != nil {
			return archive.RunReport{}, err
		}
	}
	report, err := a.dispatcher.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("run crawl: %w", err)
	}
	return report, nil
}

func (a *App) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return crawler.NewError(crawler.KindConfig, "listen metrics", "", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Close shuts down the services in the container. It is called by a Cobra
// hook after the command finishes.
func (a *App) Close() {
	a.logger.Info("Shutting down crawl services")
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("Error stopping metrics server", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if err := a.store.Flush(); err != nil {
		a.logger.Warn("Error flushing manifest on shutdown", zap.Error(err))
	}
}
