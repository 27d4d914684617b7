// Package worker implements the per-task crawl pipeline: fetch, discover,
// persist, enqueue, extract, and download, serialized per page.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/discover"
	"github.com/JakeFAU/edarchive/internal/extract"
	"github.com/JakeFAU/edarchive/internal/fetcher"
	"github.com/JakeFAU/edarchive/internal/frontier"
	"github.com/JakeFAU/edarchive/internal/media"
	"github.com/JakeFAU/edarchive/internal/metrics"
)

// State is the terminal state of a crawl task.
type State string

// Terminal task states.
const (
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
	StateOutOfScope State = "out_of_scope"
)

// Failure stages recorded in the run report.
const (
	StagePage    = "page"
	StageExtract = "extract"
	StageData    = "data"
	StageMedia   = "media"
	StageStorage = "storage"
)

// PageFetcher is the retrying fetch client.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string) crawler.FetchResult
	FetchAsset(ctx context.Context, rawURL string, maxBytes int64) crawler.FetchResult
}

// Frontier admits discovered URLs.
type Frontier interface {
	Enqueue(task crawler.CrawlTask) frontier.Admission
	Claim(rawURL string) bool
}

// TaskSource hands out tasks until the crawl drains.
type TaskSource interface {
	Next(ctx context.Context) (crawler.CrawlTask, bool)
	Done(task crawler.CrawlTask)
}

// Store is the subset of the archive the pipeline writes through.
type Store interface {
	HasPage(normalizedURL string) bool
	Page(normalizedURL string) (archive.PageEntry, bool)
	LoadPageHTML(normalizedURL string) ([]byte, error)
	PersistPage(page crawler.PageRecord) (archive.PageEntry, error)
	PersistDataset(ds crawler.DatasetRecord) (string, error)
	HasDatasetSource(sourceURL string) bool
	MediaByURL(rawURL string) (crawler.MediaItem, bool)
	RecordAssetReference(assetURL, pageURL string) error
}

// Extractor turns pages and exports into datasets.
type Extractor interface {
	ExtractPage(page crawler.PageRecord) extract.Result
	ExtractResource(sourceURL, contentType string, body []byte) extract.Result
}

// Downloader stores media.
type Downloader interface {
	Download(ctx context.Context, ref crawler.AssetRef) media.Outcome
	Ingest(ctx context.Context, ref crawler.AssetRef, result crawler.FetchResult) media.Outcome
}

// Scope reports whether a URL belongs to the archived site.
type Scope interface {
	OnSite(rawURL string) bool
}

// Config controls the pipeline.
type Config struct {
	// Refetch re-downloads pages already in the archive instead of reusing
	// the archived HTML for discovery.
	Refetch   bool
	SkipMedia bool
	SkipData  bool

	// RecordOffsite stores off-site links on the page entry.
	RecordOffsite bool

	// OffsiteMedia allows assets and exports hosted off-site.
	OffsiteMedia  bool
	MaxAssetBytes int64

	// DrainTimeout bounds in-flight work after the run is canceled.
	DrainTimeout time.Duration
}

// Dependencies are the collaborators a Worker drives.
type Dependencies struct {
	Fetcher    PageFetcher
	Frontier   Frontier
	Store      Store
	Extractor  Extractor
	Downloader Downloader
	Scope      Scope
	Robots     crawler.RobotsPolicy
	Hasher     crawler.Hasher
}

// Worker runs the pipeline for one task at a time per goroutine. A single
// Worker is shared by the whole pool and is safe for concurrent use.
type Worker struct {
	deps   Dependencies
	cfg    Config
	tally  *Tally
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Minute
	}
	return &Worker{deps: deps, cfg: cfg, tally: &Tally{}, logger: logger}
}

// Tally returns the worker's shared run counters.
func (w *Worker) Tally() *Tally { return w.tally }

// Run pulls tasks from src until it drains or ctx is done. A task already
// started when ctx is canceled runs to completion on a detached context
// bounded by DrainTimeout.
func (w *Worker) Run(ctx context.Context, src TaskSource) {
	for {
		task, ok := src.Next(ctx)
		if !ok {
			return
		}
		metrics.IncActiveWorkers()
		w.runDetached(ctx, task)
		metrics.DecActiveWorkers()
		src.Done(task)
	}
}

func (w *Worker) runDetached(ctx context.Context, task crawler.CrawlTask) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(w.cfg.DrainTimeout, cancel)
	})
	defer func() {
		stop()
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}()
	w.Process(taskCtx, task)
}

// Process drives one task to a terminal state.
func (w *Worker) Process(ctx context.Context, task crawler.CrawlTask) State {
	if task.Key == "" {
		task.Key = task.URL
	}
	// Key identifies the page in the archive; the URL as discovered is what
	// gets requested.
	target := task.URL
	if target == "" {
		target = task.Key
	}
	logger := w.logger.With(zap.String("url", task.Key), zap.Int("depth", task.Depth))

	if w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, target) {
		w.tally.add(func(s *archive.Summary) { s.DroppedRobots++ })
		metrics.ObservePage(task.Key, string(StateOutOfScope), 0)
		logger.Debug("disallowed by robots.txt")
		return StateOutOfScope
	}

	if !w.cfg.Refetch && w.deps.Store.HasPage(task.Key) {
		w.resume(ctx, task, logger)
		w.tally.add(func(s *archive.Summary) { s.PagesSkipped++ })
		metrics.ObservePage(task.Key, string(StateSkipped), 0)
		return StateSkipped
	}
	if !w.cfg.Refetch && w.resourceArchived(task.Key) {
		w.recordReference(task.Key, task.DiscoveredFrom)
		w.tally.add(func(s *archive.Summary) { s.PagesSkipped++ })
		metrics.ObservePage(task.Key, string(StateSkipped), 0)
		return StateSkipped
	}

	result := w.deps.Fetcher.FetchPage(ctx, target)
	if !result.OK() {
		err := result.Err
		if err == nil {
			err = crawler.NewError(crawler.KindPermanentFetch, "fetch", task.Key, fmt.Errorf("unexpected status %d", result.StatusCode))
		}
		w.fail(task.Key, StagePage, err)
		w.tally.add(func(s *archive.Summary) { s.PagesFailed++ })
		metrics.ObservePage(task.Key, string(StateFailed), 0)
		logger.Warn("page fetch failed", zap.Int("attempts", result.Attempts), zap.Error(err))
		return StateFailed
	}
	if result.FinalURL != "" && result.FinalURL != target {
		w.deps.Frontier.Claim(result.FinalURL)
	}

	if !fetcher.IsHTML(result.ContentType) {
		w.handleResource(ctx, task.DiscoveredFrom, task.Key, result)
		w.tally.add(func(s *archive.Summary) { s.PagesSucceeded++ })
		metrics.ObservePage(task.Key, string(StateSucceeded), len(result.Body))
		return StateSucceeded
	}

	page, err := w.buildPage(task, result)
	if err != nil {
		w.fail(task.Key, StagePage, err)
		w.tally.add(func(s *archive.Summary) { s.PagesFailed++ })
		metrics.ObservePage(task.Key, string(StateFailed), 0)
		return StateFailed
	}
	if _, err := w.deps.Store.PersistPage(page); err != nil {
		w.fail(task.Key, StageStorage, err)
		w.tally.add(func(s *archive.Summary) {
			s.PagesFailed++
			s.StorageErrors++
		})
		metrics.ObservePage(task.Key, string(StateFailed), len(result.Body))
		logger.Error("persist page failed", zap.Error(err))
		return StateFailed
	}

	w.enqueueLinks(task, page.Links)
	w.followPage(ctx, page, true)

	w.tally.add(func(s *archive.Summary) { s.PagesSucceeded++ })
	metrics.ObservePage(task.Key, string(StateSucceeded), len(result.Body))
	logger.Info("page archived",
		zap.String("mode", string(page.Mode)),
		zap.Int("links", len(page.Links)),
		zap.Int("assets", len(page.Assets)),
		zap.Int("data_links", len(page.DataLinks)))
	return StateSucceeded
}

// resume rediscovers an archived page from disk so the crawl can continue
// past it without a refetch.
func (w *Worker) resume(ctx context.Context, task crawler.CrawlTask, logger *zap.Logger) {
	entry, _ := w.deps.Store.Page(task.Key)
	html, err := w.deps.Store.LoadPageHTML(task.Key)
	if err != nil {
		w.fail(task.Key, StageStorage, err)
		w.tally.add(func(s *archive.Summary) { s.StorageErrors++ })
		logger.Error("load archived page failed", zap.Error(err))
		return
	}
	base := entry.FinalURL
	if base == "" {
		base = task.Key
	}
	d := discover.Discover(html, base)
	page := crawler.PageRecord{
		URL:       task.Key,
		FinalURL:  entry.FinalURL,
		HTML:      html,
		Title:     d.Title,
		Links:     d.Links,
		Assets:    d.Assets,
		DataLinks: d.DataLinks,
	}
	w.enqueueLinks(task, page.Links)
	w.followPage(ctx, page, !w.deps.Store.HasDatasetSource(base))
	logger.Debug("resumed archived page")
}

func (w *Worker) buildPage(task crawler.CrawlTask, result crawler.FetchResult) (crawler.PageRecord, error) {
	base := result.FinalURL
	if base == "" {
		base = task.Key
	}
	d := discover.Discover(result.Body, base)
	for _, warning := range d.Warnings {
		w.logger.Debug("discovery warning", zap.String("url", task.Key), zap.String("warning", warning))
	}
	hash, err := w.deps.Hasher.Hash(result.Body)
	if err != nil {
		return crawler.PageRecord{}, crawler.NewError(crawler.KindStorage, "hash page", task.Key, err)
	}
	page := crawler.PageRecord{
		URL:         task.Key,
		FinalURL:    result.FinalURL,
		HTML:        result.Body,
		Title:       d.Title,
		Links:       d.Links,
		Assets:      d.Assets,
		DataLinks:   d.DataLinks,
		StatusCode:  result.StatusCode,
		ContentType: result.ContentType,
		ContentHash: hash,
		FetchedAt:   result.FetchedAt,
		Mode:        result.Mode,
	}
	if w.cfg.RecordOffsite {
		for _, link := range d.Links {
			if !w.deps.Scope.OnSite(link) {
				page.ExternalLinks = append(page.ExternalLinks, link)
			}
		}
	}
	return page, nil
}

func (w *Worker) enqueueLinks(task crawler.CrawlTask, links []string) {
	for _, link := range links {
		admission := w.deps.Frontier.Enqueue(crawler.CrawlTask{
			URL:            link,
			Depth:          task.Depth + 1,
			DiscoveredFrom: task.Key,
		})
		if admission != frontier.Enqueued {
			w.logger.Debug("link not enqueued", zap.String("url", link), zap.Stringer("admission", admission))
		}
	}
}

// followPage extracts inline tables and handles the page's data links and
// assets. It only runs after the page itself has been fetched.
func (w *Worker) followPage(ctx context.Context, page crawler.PageRecord, extractInline bool) {
	if !w.cfg.SkipData {
		if extractInline {
			w.persistDatasets(page.URL, w.deps.Extractor.ExtractPage(page))
		}
		for _, link := range page.DataLinks {
			w.handleDataLink(ctx, page.URL, link)
		}
	}
	if !w.cfg.SkipMedia {
		for _, ref := range page.Assets {
			w.handleAsset(ctx, page.URL, ref)
		}
	}
}

func (w *Worker) handleDataLink(ctx context.Context, pageURL, link string) {
	if !w.deps.Scope.OnSite(link) && !w.cfg.OffsiteMedia {
		return
	}
	if !w.deps.Frontier.Claim(link) {
		w.recordReference(link, pageURL)
		return
	}
	_, archivedMedia := w.deps.Store.MediaByURL(link)
	if w.deps.Store.HasDatasetSource(link) && (archivedMedia || w.cfg.SkipMedia) {
		w.recordReference(link, pageURL)
		return
	}
	if w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, link) {
		w.tally.add(func(s *archive.Summary) { s.DroppedRobots++ })
		return
	}

	result := w.deps.Fetcher.FetchAsset(ctx, link, w.cfg.MaxAssetBytes)
	if result.OK() {
		if extract.IsTabular(link, result.ContentType) && !w.deps.Store.HasDatasetSource(link) {
			w.persistDatasets(link, w.deps.Extractor.ExtractResource(link, result.ContentType, result.Body))
		}
	} else if w.cfg.SkipMedia {
		err := result.Err
		if err == nil {
			err = crawler.NewError(crawler.KindPermanentFetch, "fetch", link, fmt.Errorf("unexpected status %d", result.StatusCode))
		}
		w.fail(link, StageData, err)
	}
	if !w.cfg.SkipMedia && !archivedMedia {
		w.countMedia(w.deps.Downloader.Ingest(ctx, crawler.AssetRef{URL: link, ReferencedBy: pageURL}, result))
	}
	w.recordReference(link, pageURL)
}

func (w *Worker) handleAsset(ctx context.Context, pageURL string, ref crawler.AssetRef) {
	if !w.deps.Scope.OnSite(ref.URL) && !w.cfg.OffsiteMedia {
		return
	}
	if !w.deps.Frontier.Claim(ref.URL) {
		w.recordReference(ref.URL, pageURL)
		return
	}
	if _, ok := w.deps.Store.MediaByURL(ref.URL); !ok && w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, ref.URL) {
		w.tally.add(func(s *archive.Summary) { s.DroppedRobots++ })
		return
	}
	ref.ReferencedBy = pageURL
	w.countMedia(w.deps.Downloader.Download(ctx, ref))
	w.recordReference(ref.URL, pageURL)
}

// resourceArchived reports whether a non-page URL reached through a page
// link was fully archived by an earlier run.
func (w *Worker) resourceArchived(rawURL string) bool {
	if _, ok := w.deps.Store.MediaByURL(rawURL); ok {
		return true
	}
	return w.cfg.SkipMedia && w.deps.Store.HasDatasetSource(rawURL)
}

// handleResource routes a non-HTML response reached through a page link.
func (w *Worker) handleResource(ctx context.Context, referrer, rawURL string, result crawler.FetchResult) {
	if !w.cfg.SkipData && extract.IsTabular(rawURL, result.ContentType) && !w.deps.Store.HasDatasetSource(rawURL) {
		w.persistDatasets(rawURL, w.deps.Extractor.ExtractResource(rawURL, result.ContentType, result.Body))
	}
	if w.cfg.SkipMedia {
		return
	}
	if _, ok := w.deps.Store.MediaByURL(rawURL); ok {
		w.tally.add(func(s *archive.Summary) { s.MediaSkipped++ })
	} else {
		w.countMedia(w.deps.Downloader.Ingest(ctx, crawler.AssetRef{URL: rawURL, ReferencedBy: referrer}, result))
	}
	w.recordReference(rawURL, referrer)
}

func (w *Worker) persistDatasets(sourceURL string, res extract.Result) {
	for _, err := range res.Errors {
		w.fail(sourceURL, StageExtract, err)
	}
	if n := len(res.Errors); n > 0 {
		w.tally.add(func(s *archive.Summary) { s.ParseErrors += n })
	}
	for _, warning := range res.Warnings {
		w.logger.Debug("extraction warning", zap.String("url", sourceURL), zap.String("warning", warning))
	}
	for _, ds := range res.Datasets {
		name, err := w.deps.Store.PersistDataset(ds)
		if err != nil {
			w.fail(sourceURL, StageStorage, err)
			w.tally.add(func(s *archive.Summary) {
				if errors.Is(err, crawler.ErrStorage) {
					s.StorageErrors++
				} else {
					s.ParseErrors++
				}
			})
			continue
		}
		w.tally.add(func(s *archive.Summary) { s.DatasetsExtracted++ })
		w.logger.Debug("dataset archived", zap.String("name", name), zap.Int("rows", len(ds.Rows)))
	}
}

func (w *Worker) countMedia(out media.Outcome) {
	w.tally.add(func(s *archive.Summary) {
		switch out.Status {
		case media.StatusStored:
			s.MediaStored++
		case media.StatusDeduplicated:
			s.MediaDeduplicated++
		case media.StatusSkipped:
			s.MediaSkipped++
		case media.StatusFailed:
			s.MediaFailed++
		}
	})
	if out.Status == media.StatusFailed {
		w.tally.fail(archive.Failure{URL: out.URL, Stage: StageMedia, Kind: mediaFailureKind(out.Reason), Reason: out.Reason})
	}
}

func (w *Worker) recordReference(assetURL, pageURL string) {
	if pageURL == "" {
		return
	}
	if err := w.deps.Store.RecordAssetReference(assetURL, pageURL); err != nil {
		w.fail(assetURL, StageStorage, err)
		w.tally.add(func(s *archive.Summary) { s.StorageErrors++ })
	}
}

func (w *Worker) fail(rawURL, stage string, err error) {
	kind := string(crawler.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	w.tally.fail(archive.Failure{URL: rawURL, Stage: stage, Kind: kind, Reason: err.Error()})
}

func mediaFailureKind(reason string) string {
	switch {
	case reason == media.ReasonTooLarge, strings.HasPrefix(reason, "status "):
		return string(crawler.KindPermanentFetch)
	case strings.Contains(reason, string(crawler.KindStorage)):
		return string(crawler.KindStorage)
	case strings.Contains(reason, string(crawler.KindTransient)):
		return string(crawler.KindTransient)
	default:
		return string(crawler.KindPermanentFetch)
	}
}

// Tally accumulates run counters and failures across workers.
type Tally struct {
	mu       sync.Mutex
	summary  archive.Summary
	failures []archive.Failure
}

func (t *Tally) add(fn func(*archive.Summary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.summary)
}

func (t *Tally) fail(f archive.Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, f)
}

// Snapshot returns the counters and the failures ordered by URL then stage.
func (t *Tally) Snapshot() (archive.Summary, []archive.Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	failures := slices.Clone(t.failures)
	slices.SortStableFunc(failures, func(a, b archive.Failure) int {
		if c := strings.Compare(a.URL, b.URL); c != 0 {
			return c
		}
		return strings.Compare(a.Stage, b.Stage)
	})
	return t.summary, failures
}
