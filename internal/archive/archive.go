// Package archive persists pages, datasets, and media to a local directory
// tree and maintains the manifest that indexes them.
package archive

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/hash/sha256"
)

// Layout directories, relative to the archive root.
const (
	PagesDir     = "raw/pages"
	ProcessedDir = "processed"
	MediaDir     = "media"
	RunsDir      = "runs"
	ManifestFile = "manifest.json"
)

// ManifestVersion is bumped when the manifest shape changes incompatibly.
const ManifestVersion = 1

const collisionSuffixLen = 8

// Config controls the store.
type Config struct {
	Root       string
	FlushEvery int
}

// Store is the single writer for one archive root. All methods are safe for
// concurrent use.
type Store struct {
	root       string
	flushEvery int
	logger     *zap.Logger

	mu         sync.Mutex
	manifest   Manifest
	mediaByURL map[string]string
	reserved   map[string]datasetOwner
	dirty      int

	// pendingRefs holds page references to assets that are not stored yet.
	pendingRefs map[string][]string
}

type datasetOwner struct {
	sourceURL  string
	tableIndex int
}

// Open prepares root, removes temp files left by an interrupted run, and
// loads any existing manifest. Failures are storage errors and abort the run.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Root == "" {
		return nil, crawler.NewError(crawler.KindStorage, "open archive", "", errors.New("root is required"))
	}
	for _, dir := range []string{PagesDir, ProcessedDir, RunsDir} {
		if err := os.MkdirAll(joinRoot(cfg.Root, dir), 0o750); err != nil {
			return nil, crawler.NewError(crawler.KindStorage, "open archive", "", fmt.Errorf("create %s: %w", dir, err))
		}
	}
	for _, cat := range []crawler.MediaCategory{crawler.MediaImage, crawler.MediaVideo, crawler.MediaDocument, crawler.MediaOther} {
		if err := os.MkdirAll(joinRoot(cfg.Root, path.Join(MediaDir, cat.Dir())), 0o750); err != nil {
			return nil, crawler.NewError(crawler.KindStorage, "open archive", "", fmt.Errorf("create media dir: %w", err))
		}
	}
	removed, err := removeStaleTemps(cfg.Root)
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, "open archive", "", err)
	}
	if removed > 0 {
		logger.Info("removed stale temp files", zap.Int("count", removed))
	}

	manifest, err := LoadManifest(cfg.Root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		manifest = NewManifest()
	case err != nil:
		return nil, err
	}

	s := &Store{
		root:        cfg.Root,
		flushEvery:  max(cfg.FlushEvery, 1),
		logger:      logger,
		manifest:    manifest,
		mediaByURL:  map[string]string{},
		reserved:    map[string]datasetOwner{},
		pendingRefs: map[string][]string{},
	}
	for hash, entry := range manifest.Media {
		for _, u := range entry.URLs {
			s.mediaByURL[u] = hash
		}
	}
	logger.Info("archive opened",
		zap.String("root", cfg.Root),
		zap.Int("pages", len(manifest.Pages)),
		zap.Int("datasets", len(manifest.Datasets)),
		zap.Int("media", len(manifest.Media)))
	return s, nil
}

// Root returns the archive directory.
func (s *Store) Root() string { return s.root }

// PageFileName is the archive path for a page's HTML.
func PageFileName(normalizedURL string) string {
	return path.Join(PagesDir, sha256.SumString(normalizedURL)+".html")
}

// PersistPage writes the page HTML and records it in the manifest, keyed by
// the page's normalized URL.
func (s *Store) PersistPage(page crawler.PageRecord) (PageEntry, error) {
	rel := PageFileName(page.URL)
	if err := writeFileAtomic(s.root, rel, page.HTML); err != nil {
		return PageEntry{}, crawler.NewError(crawler.KindStorage, "persist page", page.URL, err)
	}
	entry := PageEntry{
		URL:           page.URL,
		FinalURL:      page.FinalURL,
		Path:          rel,
		Title:         page.Title,
		StatusCode:    page.StatusCode,
		ContentType:   page.ContentType,
		ContentHash:   page.ContentHash,
		ByteSize:      int64(len(page.HTML)),
		Mode:          page.Mode,
		LinkCount:     len(page.Links),
		DataLinks:     sortedUnique(page.DataLinks),
		ExternalLinks: sortedUnique(page.ExternalLinks),
	}
	assets := make([]string, 0, len(page.Assets))
	for _, a := range page.Assets {
		assets = append(assets, a.URL)
	}
	entry.Assets = sortedUnique(assets)
	if entry.FinalURL == entry.URL {
		entry.FinalURL = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Pages[page.URL] = entry
	return entry, s.markDirtyLocked()
}

// HasPage reports whether a page is already archived.
func (s *Store) HasPage(normalizedURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.manifest.Pages[normalizedURL]
	return ok
}

// Page returns the manifest entry for a page.
func (s *Store) Page(normalizedURL string) (PageEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.manifest.Pages[normalizedURL]
	return entry, ok
}

// LoadPageHTML reads an archived page.
func (s *Store) LoadPageHTML(normalizedURL string) ([]byte, error) {
	entry, ok := s.Page(normalizedURL)
	if !ok {
		return nil, crawler.NewError(crawler.KindStorage, "load page", normalizedURL, fs.ErrNotExist)
	}
	full, err := resolve(s.root, entry.Path)
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, "load page", normalizedURL, err)
	}
	data, err := os.ReadFile(full) //nolint:gosec // path comes from the manifest under root
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, "load page", normalizedURL, err)
	}
	return data, nil
}

// PersistDataset writes processed/<name>.csv plus a schema sidecar and
// returns the final dataset name. A name already held by a different source
// gets a suffix derived from the source URL hash; the same source keeps its
// name across runs.
func (s *Store) PersistDataset(ds crawler.DatasetRecord) (string, error) {
	if err := ds.Validate(); err != nil {
		return "", crawler.NewError(crawler.KindParse, "persist dataset", ds.SourceURL, err)
	}

	s.mu.Lock()
	name := s.resolveDatasetNameLocked(ds)
	s.reserved[name] = datasetOwner{sourceURL: ds.SourceURL, tableIndex: ds.TableIndex}
	s.mu.Unlock()

	csvPath := path.Join(ProcessedDir, name+".csv")
	schemaPath := path.Join(ProcessedDir, name+".schema.json")
	entry := DatasetEntry{
		Name:       name,
		Path:       csvPath,
		SchemaPath: schemaPath,
		SourceURL:  ds.SourceURL,
		SourceKind: ds.SourceKind,
		TableIndex: ds.TableIndex,
		RowCount:   len(ds.Rows),
		Columns:    ds.Schema,
	}

	body, err := encodeCSV(ds)
	if err == nil {
		err = writeFileAtomic(s.root, csvPath, body)
	}
	if err == nil {
		var schema []byte
		schema, err = json.MarshalIndent(entry, "", "  ")
		if err == nil {
			err = writeFileAtomic(s.root, schemaPath, append(schema, '\n'))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, name)
	if err != nil {
		return "", crawler.NewError(crawler.KindStorage, "persist dataset", ds.SourceURL, err)
	}
	s.manifest.Datasets[name] = entry
	return name, s.markDirtyLocked()
}

func (s *Store) resolveDatasetNameLocked(ds crawler.DatasetRecord) string {
	owns := func(name string) (free bool, same bool) {
		owner, ok := s.reserved[name]
		if !ok {
			entry, exists := s.manifest.Datasets[name]
			if !exists {
				return true, false
			}
			owner = datasetOwner{sourceURL: entry.SourceURL, tableIndex: entry.TableIndex}
		}
		return false, owner.sourceURL == ds.SourceURL && owner.tableIndex == ds.TableIndex
	}
	candidate := ds.Name
	if free, same := owns(candidate); free || same {
		return candidate
	}
	suffixed := ds.Name + "_" + sha256.SumString(ds.SourceURL)[:collisionSuffixLen]
	candidate = suffixed
	for n := 2; ; n++ {
		if free, same := owns(candidate); free || same {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", suffixed, n)
	}
}

func encodeCSV(ds crawler.DatasetRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, len(ds.Schema))
	for i, col := range ds.Schema {
		header[i] = col.Name
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(ds.Rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

// HasDatasetSource reports whether any dataset was extracted from sourceURL.
func (s *Store) HasDatasetSource(sourceURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.manifest.Datasets {
		if entry.SourceURL == sourceURL {
			return true
		}
	}
	return false
}

// PersistMedia stores item's bytes under media/<category>/<filename>. If the
// content hash is already archived only the URLs are merged.
func (s *Store) PersistMedia(item crawler.MediaItem, body []byte) (crawler.MediaItem, error) {
	s.mu.Lock()
	if _, exists := s.manifest.Media[item.ContentHash]; exists {
		defer s.mu.Unlock()
		return s.addMediaURLsLocked(item.ContentHash, item.URLs)
	}
	s.mu.Unlock()

	rel := path.Join(MediaDir, item.Category.Dir(), item.Filename)
	if err := writeFileAtomic(s.root, rel, body); err != nil {
		return crawler.MediaItem{}, crawler.NewError(crawler.KindStorage, "persist media", firstURL(item), err)
	}
	item.StoredPath = rel
	item.ByteSize = int64(len(body))
	item.URLs = sortedUnique(item.URLs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.manifest.Media[item.ContentHash]; exists {
		return s.addMediaURLsLocked(item.ContentHash, item.URLs)
	}
	entry := mediaEntryFrom(item)
	for _, u := range item.URLs {
		s.mediaByURL[u] = item.ContentHash
		entry.ReferencedBy = s.takePendingLocked(u, entry.ReferencedBy)
	}
	s.manifest.Media[item.ContentHash] = entry
	return item, s.markDirtyLocked()
}

// AddMediaURL records another URL serving already-archived content.
func (s *Store) AddMediaURL(hash, rawURL string) (crawler.MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMediaURLsLocked(hash, []string{rawURL})
}

func (s *Store) addMediaURLsLocked(hash string, urls []string) (crawler.MediaItem, error) {
	entry, ok := s.manifest.Media[hash]
	if !ok {
		return crawler.MediaItem{}, crawler.NewError(crawler.KindStorage, "add media url", firstOf(urls),
			fmt.Errorf("unknown content hash %s", hash))
	}
	changed := false
	for _, u := range urls {
		if !slices.Contains(entry.URLs, u) {
			entry.URLs = append(entry.URLs, u)
			changed = true
		}
		s.mediaByURL[u] = hash
		if refs := s.takePendingLocked(u, entry.ReferencedBy); len(refs) != len(entry.ReferencedBy) {
			entry.ReferencedBy = refs
			changed = true
		}
	}
	if !changed {
		return entry.item(), nil
	}
	slices.Sort(entry.URLs)
	s.manifest.Media[hash] = entry
	return entry.item(), s.markDirtyLocked()
}

// RecordAssetReference notes that pageURL references the asset at assetURL.
// References to assets not stored yet are held until the asset is stored and
// never reach the manifest if it never is.
func (s *Store) RecordAssetReference(assetURL, pageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pageURL == "" {
		return nil
	}
	hash, ok := s.mediaByURL[assetURL]
	if !ok {
		if !slices.Contains(s.pendingRefs[assetURL], pageURL) {
			s.pendingRefs[assetURL] = append(s.pendingRefs[assetURL], pageURL)
		}
		return nil
	}
	entry := s.manifest.Media[hash]
	if slices.Contains(entry.ReferencedBy, pageURL) {
		return nil
	}
	entry.ReferencedBy = append(entry.ReferencedBy, pageURL)
	slices.Sort(entry.ReferencedBy)
	s.manifest.Media[hash] = entry
	return s.markDirtyLocked()
}

// takePendingLocked merges references held for assetURL into refs and
// returns the sorted result.
func (s *Store) takePendingLocked(assetURL string, refs []string) []string {
	pending, ok := s.pendingRefs[assetURL]
	if !ok {
		return refs
	}
	delete(s.pendingRefs, assetURL)
	return sortedUnique(append(slices.Clone(refs), pending...))
}

// MediaByURL returns the archived item served at rawURL.
func (s *Store) MediaByURL(rawURL string) (crawler.MediaItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.mediaByURL[rawURL]
	if !ok {
		return crawler.MediaItem{}, false
	}
	return s.manifest.Media[hash].item(), true
}

// LookupMedia returns the archived item with the given content hash.
func (s *Store) LookupMedia(hash string) (crawler.MediaItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.manifest.Media[hash]
	if !ok {
		return crawler.MediaItem{}, false
	}
	return entry.item(), true
}

// Manifest returns a deep copy of the in-memory manifest.
func (s *Store) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.clone()
}

// Flush writes the manifest if anything changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty == 0 {
		return nil
	}
	return s.flushLocked()
}

func (s *Store) markDirtyLocked() error {
	s.dirty++
	if s.dirty < s.flushEvery {
		return nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := s.manifest.Encode()
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "flush manifest", "", err)
	}
	if err := writeFileAtomic(s.root, ManifestFile, data); err != nil {
		return crawler.NewError(crawler.KindStorage, "flush manifest", "", err)
	}
	s.dirty = 0
	s.logger.Debug("manifest flushed", zap.Int("pages", len(s.manifest.Pages)), zap.Int("media", len(s.manifest.Media)))
	return nil
}

// WriteRunReport persists runs/<run-id>.json and a Markdown rendering beside
// it.
func (s *Store) WriteRunReport(report RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "write run report", "", err)
	}
	if err := writeFileAtomic(s.root, path.Join(RunsDir, report.RunID+".json"), append(data, '\n')); err != nil {
		return crawler.NewError(crawler.KindStorage, "write run report", "", err)
	}
	summary, err := RenderSummary(report)
	if err != nil {
		return crawler.NewError(crawler.KindStorage, "write run report", "", err)
	}
	if err := writeFileAtomic(s.root, path.Join(RunsDir, report.RunID+".md"), summary); err != nil {
		return crawler.NewError(crawler.KindStorage, "write run report", "", err)
	}
	return nil
}

func joinRoot(root, rel string) string {
	full, err := resolve(root, rel)
	if err != nil {
		return root
	}
	return full
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func firstURL(item crawler.MediaItem) string {
	return firstOf(item.URLs)
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
