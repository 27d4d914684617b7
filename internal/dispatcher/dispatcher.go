// Package dispatcher runs a crawl: it seeds the frontier, fans tasks out to a
// pool of workers, and writes the run report once the frontier drains or the
// run is canceled.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/frontier"
	"github.com/JakeFAU/edarchive/internal/worker"
)

// Frontier is the task source the pool drains.
type Frontier interface {
	worker.TaskSource
	Seed(rawURL string) frontier.Admission
	Close()
	Stats() frontier.Stats
}

// Runner processes tasks from a source until it drains.
type Runner interface {
	Run(ctx context.Context, src worker.TaskSource)
	Tally() *worker.Tally
}

// Reporter persists end-of-run state.
type Reporter interface {
	WriteRunReport(report archive.RunReport) error
	Flush() error
}

// Config sizes the pool.
type Config struct {
	Seeds       []string
	Concurrency int
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	cfg      Config
	frontier Frontier
	runner   Runner
	store    Reporter
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	cfg Config,
	front Frontier,
	runner Runner,
	store Reporter,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		frontier: front,
		runner:   runner,
		store:    store,
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// Run crawls from the configured seeds and blocks until every admitted task
// is terminal or ctx is canceled. The returned report is written to the
// archive even when the run is canceled; Canceled marks it partial.
func (d *Dispatcher) Run(ctx context.Context) (archive.RunReport, error) {
	runID, err := d.ids.NewID()
	if err != nil {
		return archive.RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	report := archive.RunReport{
		RunID:     runID,
		Seeds:     append([]string(nil), d.cfg.Seeds...),
		StartedAt: d.clock.Now(),
	}
	logger := d.logger.With(zap.String("run_id", runID))
	logger.Info("crawl started", zap.Strings("seeds", d.cfg.Seeds), zap.Int("concurrency", d.cfg.Concurrency))

	for _, seed := range d.cfg.Seeds {
		if admission := d.frontier.Seed(seed); admission != frontier.Enqueued {
			logger.Warn("seed not admitted", zap.String("url", seed), zap.Stringer("admission", admission))
		}
	}

	// Close wakes workers blocked in Next once ctx is canceled.
	stop := context.AfterFunc(ctx, d.frontier.Close)
	var wg sync.WaitGroup
	for range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runner.Run(ctx, d.frontier)
		}()
	}
	wg.Wait()
	stop()
	if ctx.Err() != nil {
		// The AfterFunc may still be pending; the frontier must be closed
		// before Run returns.
		d.frontier.Close()
	}

	report.FinishedAt = d.clock.Now()
	report.Canceled = ctx.Err() != nil
	report.Summary, report.Failures = d.summarize()

	logFields := []zap.Field{
		zap.Bool("canceled", report.Canceled),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("pages_succeeded", report.Summary.PagesSucceeded),
		zap.Int("pages_failed", report.Summary.PagesFailed),
		zap.Int("pages_skipped", report.Summary.PagesSkipped),
		zap.Int("datasets", report.Summary.DatasetsExtracted),
		zap.Int("media_stored", report.Summary.MediaStored),
		zap.Int("failures", len(report.Failures)),
	}
	if report.Canceled {
		logger.Warn("crawl canceled; archive is partial", logFields...)
	} else {
		logger.Info("crawl finished", logFields...)
	}

	var errs []error
	if err := d.store.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush manifest: %w", err))
	}
	if err := d.store.WriteRunReport(report); err != nil {
		errs = append(errs, fmt.Errorf("write run report: %w", err))
	}
	return report, errors.Join(errs...)
}

func (d *Dispatcher) summarize() (archive.Summary, []archive.Failure) {
	summary, failures := d.runner.Tally().Snapshot()
	stats := d.frontier.Stats()
	summary.DroppedScope += stats.DroppedScope
	summary.DroppedDepth += stats.DroppedDepth
	summary.DroppedBudget += stats.DroppedBudget
	summary.Duplicates += stats.Duplicates
	return summary, failures
}
