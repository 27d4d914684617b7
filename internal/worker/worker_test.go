package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/extract"
	"github.com/JakeFAU/edarchive/internal/frontier"
	"github.com/JakeFAU/edarchive/internal/hash/sha256"
	"github.com/JakeFAU/edarchive/internal/media"
	"github.com/JakeFAU/edarchive/internal/policy/scope"
)

const homePage = `<html><head><title>Home</title></head><body>
<a href="/a">A</a>
<a href="/b">B</a>
<a href="https://other.org/x">Elsewhere</a>
<a href="/files/enrollment.csv">Enrollment</a>
<img src="/logo.png">
<table>
  <thead><tr><th>State</th><th>Count</th></tr></thead>
  <tbody><tr><td>Ohio</td><td>12</td></tr><tr><td>Iowa</td><td>7</td></tr></tbody>
</table>
</body></html>`

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]crawler.FetchResult
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: map[string]crawler.FetchResult{}, calls: map[string]int{}}
}

func (f *fakeFetcher) serve(rawURL, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[rawURL] = crawler.FetchResult{
		URL:         rawURL,
		FinalURL:    rawURL,
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        body,
		Attempts:    1,
		Mode:        crawler.ModePlain,
	}
}

func (f *fakeFetcher) FetchPage(_ context.Context, rawURL string) crawler.FetchResult {
	return f.fetch(rawURL, 0)
}

func (f *fakeFetcher) FetchAsset(_ context.Context, rawURL string, maxBytes int64) crawler.FetchResult {
	return f.fetch(rawURL, maxBytes)
}

func (f *fakeFetcher) fetch(rawURL string, maxBytes int64) crawler.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	res, ok := f.results[rawURL]
	if !ok {
		return crawler.FetchResult{URL: rawURL, StatusCode: http.StatusNotFound, Attempts: 1,
			Err: crawler.NewError(crawler.KindPermanentFetch, "fetch", rawURL, errors.New("status 404"))}
	}
	if maxBytes > 0 && int64(len(res.Body)) > maxBytes {
		return crawler.FetchResult{URL: rawURL, Oversized: true, Attempts: 1,
			Err: crawler.NewError(crawler.KindPermanentFetch, "fetch", rawURL, crawler.ErrBodyTooLarge)}
	}
	return res
}

func (f *fakeFetcher) callsFor(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

type denyRobots map[string]bool

func (d denyRobots) Allowed(_ context.Context, rawURL string) bool { return !d[rawURL] }

type harness struct {
	worker   *Worker
	frontier *frontier.Frontier
	store    *archive.Store
	fetcher  *fakeFetcher
	root     string
}

func newHarness(t *testing.T, root string, fetch *fakeFetcher, cfg Config, robots crawler.RobotsPolicy) *harness {
	t.Helper()

	store, err := archive.Open(archive.Config{Root: root, FlushEvery: 1}, zap.NewNop())
	require.NoError(t, err)
	checker, err := scope.New(scope.Config{Seeds: []string{"https://example.org/"}})
	require.NoError(t, err)
	front := frontier.New(frontier.Config{MaxDepth: 1, InScope: checker.InScope})
	if cfg.MaxAssetBytes == 0 {
		cfg.MaxAssetBytes = 1 << 20
	}
	downloader := media.New(media.Config{MaxBytes: cfg.MaxAssetBytes}, fetch, store, sha256.New(), zap.NewNop())
	w := New(Dependencies{
		Fetcher:    fetch,
		Frontier:   front,
		Store:      store,
		Extractor:  extract.New(extract.Config{}, nil, zap.NewNop()),
		Downloader: downloader,
		Scope:      checker,
		Robots:     robots,
		Hasher:     sha256.New(),
	}, cfg, zap.NewNop())
	return &harness{worker: w, frontier: front, store: store, fetcher: fetch, root: root}
}

func (h *harness) seed(t *testing.T, rawURL string) crawler.CrawlTask {
	t.Helper()
	require.Equal(t, frontier.Enqueued, h.frontier.Seed(rawURL))
	task, ok := h.frontier.Next(context.Background())
	require.True(t, ok)
	return task
}

func siteFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.serve("https://example.org/", "text/html; charset=utf-8", []byte(homePage))
	f.serve("https://example.org/files/enrollment.csv", "text/csv", []byte("State,Count\nOhio,12\nIowa,7\n"))
	f.serve("https://example.org/logo.png", "image/png", []byte("\x89PNG fake"))
	return f
}

func TestProcess_ArchivesPageAndFollowsReferences(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), siteFetcher(), Config{}, nil)
	task := h.seed(t, "https://example.org/")

	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), task))

	stats := h.frontier.Stats()
	assert.Equal(t, 3, stats.Enqueued, "seed plus two on-site links")
	assert.Equal(t, 1, stats.DroppedScope, "off-site link dropped")
	assert.Equal(t, 2, h.frontier.Len())

	m := h.store.Manifest()
	page, ok := m.Pages["https://example.org/"]
	require.True(t, ok)
	assert.Equal(t, "Home", page.Title)
	assert.Equal(t, 3, page.LinkCount)
	assert.Empty(t, page.ExternalLinks)
	assert.Equal(t, []string{"https://example.org/files/enrollment.csv"}, page.DataLinks)

	require.Contains(t, m.Datasets, "index")
	require.Contains(t, m.Datasets, "enrollment")
	assert.Equal(t, crawler.SourceCSV, m.Datasets["enrollment"].SourceKind)
	assert.Equal(t, 2, m.Datasets["index"].RowCount)

	require.Len(t, m.Media, 2)
	logo, ok := h.store.MediaByURL("https://example.org/logo.png")
	require.True(t, ok)
	assert.Equal(t, crawler.MediaImage, logo.Category)
	assert.Equal(t, []string{"https://example.org/"}, m.Media[logo.ContentHash].ReferencedBy)

	summary, failures := h.worker.Tally().Snapshot()
	assert.Empty(t, failures)
	assert.Equal(t, 1, summary.PagesSucceeded)
	assert.Equal(t, 2, summary.DatasetsExtracted)
	assert.Equal(t, 2, summary.MediaStored)
}

func TestProcess_FetchesDiscoveredURLAndArchivesUnderKey(t *testing.T) {
	t.Parallel()

	const discovered = "https://example.org/report/?year=2020;state=OH"
	fetch := newFakeFetcher()
	fetch.serve(discovered, "text/html; charset=utf-8", []byte(`<html><head><title>Report</title></head><body></body></html>`))
	h := newHarness(t, t.TempDir(), fetch, Config{SkipMedia: true, SkipData: true}, nil)
	task := h.seed(t, discovered)
	require.Equal(t, "https://example.org/report?year=2020;state=OH", task.Key)

	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), task))
	assert.Equal(t, 1, fetch.callsFor(discovered))
	assert.Zero(t, fetch.callsFor(task.Key))
	page, ok := h.store.Manifest().Pages[task.Key]
	require.True(t, ok)
	assert.Equal(t, "Report", page.Title)
}

func TestProcess_RecordsOffsiteLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), siteFetcher(), Config{RecordOffsite: true, SkipData: true, SkipMedia: true}, nil)
	task := h.seed(t, "https://example.org/")

	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), task))
	m := h.store.Manifest()
	assert.Equal(t, []string{"https://other.org/x"}, m.Pages["https://example.org/"].ExternalLinks)
	assert.Empty(t, m.Datasets)
	assert.Empty(t, m.Media)
	assert.Zero(t, h.fetcher.callsFor("https://example.org/logo.png"))
	assert.Zero(t, h.fetcher.callsFor("https://other.org/x"))
}

func TestProcess_FailedFetchIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), newFakeFetcher(), Config{}, nil)
	task := h.seed(t, "https://example.org/")

	require.Equal(t, StateFailed, h.worker.Process(context.Background(), task))
	summary, failures := h.worker.Tally().Snapshot()
	assert.Equal(t, 1, summary.PagesFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, StagePage, failures[0].Stage)
	assert.Equal(t, string(crawler.KindPermanentFetch), failures[0].Kind)
	assert.False(t, h.store.HasPage("https://example.org/"))
}

func TestProcess_RobotsDisallowed(t *testing.T) {
	t.Parallel()

	fetch := siteFetcher()
	h := newHarness(t, t.TempDir(), fetch, Config{}, denyRobots{"https://example.org/": true})
	task := h.seed(t, "https://example.org/")

	require.Equal(t, StateOutOfScope, h.worker.Process(context.Background(), task))
	assert.Zero(t, fetch.callsFor("https://example.org/"))
	summary, _ := h.worker.Tally().Snapshot()
	assert.Equal(t, 1, summary.DroppedRobots)
}

func TestProcess_ResumeSkipsArchivedPage(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := newHarness(t, root, siteFetcher(), Config{}, nil)
	require.Equal(t, StateSucceeded, first.worker.Process(context.Background(), first.seed(t, "https://example.org/")))
	require.NoError(t, first.store.Flush())
	before, err := os.ReadFile(filepath.Join(root, archive.ManifestFile))
	require.NoError(t, err)

	fetch := siteFetcher()
	second := newHarness(t, root, fetch, Config{}, nil)
	require.Equal(t, StateSkipped, second.worker.Process(context.Background(), second.seed(t, "https://example.org/")))

	assert.Zero(t, fetch.callsFor("https://example.org/"))
	assert.Zero(t, fetch.callsFor("https://example.org/logo.png"))
	assert.Zero(t, fetch.callsFor("https://example.org/files/enrollment.csv"))
	assert.Equal(t, 2, second.frontier.Len(), "links rediscovered from archived HTML")

	require.NoError(t, second.store.Flush())
	after, err := os.ReadFile(filepath.Join(root, archive.ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	summary, _ := second.worker.Tally().Snapshot()
	assert.Equal(t, 1, summary.PagesSkipped)
	assert.Equal(t, 1, summary.MediaSkipped)
}

func TestProcess_RefetchIgnoresArchive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := newHarness(t, root, siteFetcher(), Config{SkipMedia: true, SkipData: true}, nil)
	require.Equal(t, StateSucceeded, first.worker.Process(context.Background(), first.seed(t, "https://example.org/")))

	fetch := siteFetcher()
	second := newHarness(t, root, fetch, Config{Refetch: true, SkipMedia: true, SkipData: true}, nil)
	require.Equal(t, StateSucceeded, second.worker.Process(context.Background(), second.seed(t, "https://example.org/")))
	assert.Equal(t, 1, fetch.callsFor("https://example.org/"))
}

func TestProcess_OversizedAssetNeverWritten(t *testing.T) {
	t.Parallel()

	fetch := siteFetcher()
	fetch.serve("https://example.org/logo.png", "image/png", make([]byte, 2<<20))
	root := t.TempDir()
	h := newHarness(t, root, fetch, Config{MaxAssetBytes: 1 << 20, SkipData: true}, nil)

	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), h.seed(t, "https://example.org/")))

	summary, failures := h.worker.Tally().Snapshot()
	assert.Equal(t, 1, summary.MediaFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "https://example.org/logo.png", failures[0].URL)
	assert.Equal(t, "exceeds size limit", failures[0].Reason)
	assert.Equal(t, StageMedia, failures[0].Stage)

	entries, err := os.ReadDir(filepath.Join(root, "media", "images"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_NonHTMLResourceRoutedToExtractorAndMedia(t *testing.T) {
	t.Parallel()

	fetch := newFakeFetcher()
	fetch.serve("https://example.org/export", "text/csv", []byte("a,b\n1,2\n"))
	h := newHarness(t, t.TempDir(), fetch, Config{}, nil)

	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), h.seed(t, "https://example.org/export")))
	m := h.store.Manifest()
	assert.Contains(t, m.Datasets, "export")
	assert.Len(t, m.Media, 1)
	assert.Empty(t, m.Pages)
}

func TestProcess_SharedAssetReferencedByBothPages(t *testing.T) {
	t.Parallel()

	fetch := siteFetcher()
	fetch.serve("https://example.org/a", "text/html", []byte(`<html><body><img src="/logo.png"></body></html>`))
	h := newHarness(t, t.TempDir(), fetch, Config{SkipData: true}, nil)

	home := h.seed(t, "https://example.org/")
	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), home))
	h.frontier.Done(home)
	next, ok := h.frontier.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "https://example.org/a", next.Key)
	require.Equal(t, StateSucceeded, h.worker.Process(context.Background(), next))

	assert.Equal(t, 1, fetch.callsFor("https://example.org/logo.png"))
	logo, ok := h.store.MediaByURL("https://example.org/logo.png")
	require.True(t, ok)
	assert.Equal(t, []string{"https://example.org/", "https://example.org/a"},
		h.store.Manifest().Media[logo.ContentHash].ReferencedBy)
}

type sliceSource struct {
	mu    sync.Mutex
	tasks []crawler.CrawlTask
	done  int
}

func (s *sliceSource) Next(ctx context.Context) (crawler.CrawlTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || len(s.tasks) == 0 {
		return crawler.CrawlTask{}, false
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return task, true
}

func (s *sliceSource) Done(crawler.CrawlTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
}

func TestRun_DrainsSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t.TempDir(), newFakeFetcher(), Config{}, nil)
	src := &sliceSource{tasks: []crawler.CrawlTask{
		{URL: "https://example.org/x", Key: "https://example.org/x"},
		{URL: "https://example.org/y", Key: "https://example.org/y"},
	}}

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background(), src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}
	assert.Equal(t, 2, src.done)
	summary, _ := h.worker.Tally().Snapshot()
	assert.Equal(t, 2, summary.PagesFailed)
}
