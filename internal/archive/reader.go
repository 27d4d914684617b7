package archive

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// Query bounds.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// ErrNotFound is returned for unknown datasets or media categories.
var ErrNotFound = errors.New("not found")

// ErrUnknownColumn is returned when a filter names a column the dataset lacks.
var ErrUnknownColumn = errors.New("unknown column")

// Query selects a window of dataset rows. Filters match case-insensitive
// substrings per column and are ANDed.
type Query struct {
	Offset  int
	Limit   int
	Filters map[string]string
}

// DatasetPage is one window of a dataset.
type DatasetPage struct {
	Name    string           `json:"name"`
	Columns []crawler.Column `json:"columns"`
	Rows    [][]string       `json:"rows"`
	Total   int              `json:"total"`
	Offset  int              `json:"offset"`
	Limit   int              `json:"limit"`
}

// Reader serves read-only views of a finished archive.
type Reader struct {
	root string
}

// NewReader returns a reader over root.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Manifest loads the current manifest from disk.
func (r *Reader) Manifest() (Manifest, error) {
	return LoadManifest(r.root)
}

// Datasets lists dataset entries ordered by name.
func (r *Reader) Datasets() ([]DatasetEntry, error) {
	m, err := r.Manifest()
	if err != nil {
		return nil, err
	}
	out := make([]DatasetEntry, 0, len(m.Datasets))
	for _, entry := range m.Datasets {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b DatasetEntry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// QueryDataset reads rows of the named dataset. Total counts rows after
// filtering.
func (r *Reader) QueryDataset(name string, q Query) (DatasetPage, error) {
	m, err := r.Manifest()
	if err != nil {
		return DatasetPage{}, err
	}
	entry, ok := m.Datasets[name]
	if !ok {
		return DatasetPage{}, fmt.Errorf("dataset %q: %w", name, ErrNotFound)
	}

	folder := cases.Fold()
	filters := make(map[int]string, len(q.Filters))
	for col, needle := range q.Filters {
		idx := slices.IndexFunc(entry.Columns, func(c crawler.Column) bool { return c.Name == col })
		if idx < 0 {
			return DatasetPage{}, fmt.Errorf("dataset %q column %q: %w", name, col, ErrUnknownColumn)
		}
		filters[idx] = folder.String(needle)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	limit = min(limit, MaxQueryLimit)
	offset := max(q.Offset, 0)

	full, err := resolve(r.root, entry.Path)
	if err != nil {
		return DatasetPage{}, crawler.NewError(crawler.KindStorage, "query dataset", entry.SourceURL, err)
	}
	f, err := os.Open(full) //nolint:gosec // path comes from the manifest under root
	if err != nil {
		return DatasetPage{}, crawler.NewError(crawler.KindStorage, "query dataset", entry.SourceURL, err)
	}
	defer func() { _ = f.Close() }()

	page := DatasetPage{Name: name, Columns: entry.Columns, Rows: [][]string{}, Offset: offset, Limit: limit}
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = len(entry.Columns)
	if _, err := cr.Read(); err != nil {
		return DatasetPage{}, crawler.NewError(crawler.KindStorage, "query dataset", entry.SourceURL,
			fmt.Errorf("read header: %w", err))
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return DatasetPage{}, crawler.NewError(crawler.KindStorage, "query dataset", entry.SourceURL, err)
		}
		if !matches(folder, row, filters) {
			continue
		}
		if page.Total >= offset && len(page.Rows) < limit {
			page.Rows = append(page.Rows, row)
		}
		page.Total++
	}
	return page, nil
}

func matches(folder cases.Caser, row []string, filters map[int]string) bool {
	for idx, needle := range filters {
		if !strings.Contains(folder.String(row[idx]), needle) {
			return false
		}
	}
	return true
}

// ListMedia returns the entries stored under a category, ordered by
// filename.
func (r *Reader) ListMedia(category string) ([]MediaEntry, error) {
	cat, ok := crawler.ParseMediaCategory(category)
	if !ok {
		return nil, fmt.Errorf("media category %q: %w", category, ErrNotFound)
	}
	m, err := r.Manifest()
	if err != nil {
		return nil, err
	}
	out := []MediaEntry{}
	for _, entry := range m.Media {
		if entry.Category == cat {
			out = append(out, entry)
		}
	}
	slices.SortFunc(out, func(a, b MediaEntry) int { return strings.Compare(a.Filename, b.Filename) })
	return out, nil
}

// Runs lists run reports, most recent start first.
func (r *Reader) Runs() ([]RunReport, error) {
	entries, err := os.ReadDir(joinRoot(r.root, RunsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []RunReport{}, nil
	}
	if err != nil {
		return nil, crawler.NewError(crawler.KindStorage, "list runs", "", err)
	}
	out := []RunReport{}
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		report, err := r.Run(id)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	slices.SortFunc(out, func(a, b RunReport) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

// Run loads one run report by id.
func (r *Reader) Run(id string) (RunReport, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return RunReport{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	data, err := os.ReadFile(joinRoot(r.root, path.Join(RunsDir, id+".json")))
	if errors.Is(err, fs.ErrNotExist) {
		return RunReport{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunReport{}, crawler.NewError(crawler.KindStorage, "load run", "", err)
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return RunReport{}, crawler.NewError(crawler.KindStorage, "load run", "", err)
	}
	return report, nil
}
