package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// CrawlTask is a unit of frontier work. Key is the normalized URL and is the
// task's identity for deduplication.
type CrawlTask struct {
	URL            string
	Key            string
	Depth          int
	DiscoveredFrom string
	Attempts       int
}

// FetchMode names the capability variant that produced a response.
type FetchMode string

// Fetch modes.
const (
	ModePlain    FetchMode = "plain"
	ModeScripted FetchMode = "scripted"
)

// FetchRequest is a single transport attempt.
type FetchRequest struct {
	URL      string
	Headers  http.Header
	MaxBytes int64
}

// FetchResponse is the raw outcome of a single transport attempt.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Mode       FetchMode
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// FetchResult is the immutable outcome of fetching a URL including retries.
// Err is nil only for 2xx/3xx responses.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Attempts    int
	Mode        FetchMode
	Oversized   bool
	Err         error
}

// OK reports whether the fetch produced a usable body.
func (r FetchResult) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 400
}

// AssetRef points at a binary asset discovered on a page. ReferencedBy is a
// back-reference only.
type AssetRef struct {
	URL            string        `json:"url"`
	MediaTypeGuess MediaCategory `json:"media_type_guess"`
	ReferencedBy   string        `json:"referenced_by,omitempty"`
}

// PageRecord is a fetched HTML page and what was discovered on it.
type PageRecord struct {
	URL           string
	FinalURL      string
	HTML          []byte
	Title         string
	Links         []string
	Assets        []AssetRef
	DataLinks     []string
	ExternalLinks []string
	StatusCode    int
	ContentType   string
	ContentHash   string
	FetchedAt     time.Time
	Mode          FetchMode
}

// ColumnType is the inferred type of a dataset column.
type ColumnType string

// Column types.
const (
	TypeInteger ColumnType = "integer"
	TypeDecimal ColumnType = "decimal"
	TypeDate    ColumnType = "date"
	TypeText    ColumnType = "text"
)

// Column is one entry of a dataset schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// SourceKind records where a dataset was extracted from.
type SourceKind string

// Source kinds.
const (
	SourceHTMLTable SourceKind = "html_table"
	SourceCSV       SourceKind = "csv"
	SourceXLSX      SourceKind = "xlsx"
	SourceJSON      SourceKind = "json"
)

// DatasetRecord is a normalized table. Every row has len(Schema) fields.
type DatasetRecord struct {
	Name        string
	Schema      []Column
	Rows        [][]string
	SourceURL   string
	SourceKind  SourceKind
	TableIndex  int
	ExtractedAt time.Time
}

// Validate checks row widths and column name uniqueness.
func (d DatasetRecord) Validate() error {
	if len(d.Schema) == 0 {
		return fmt.Errorf("dataset %q has no columns", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Schema))
	for _, col := range d.Schema {
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("dataset %q has duplicate column %q", d.Name, col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Schema) {
			return fmt.Errorf("dataset %q row %d has %d fields, want %d", d.Name, i, len(row), len(d.Schema))
		}
	}
	return nil
}

// MediaCategory classifies a binary asset.
type MediaCategory string

// Media categories.
const (
	MediaImage    MediaCategory = "image"
	MediaVideo    MediaCategory = "video"
	MediaDocument MediaCategory = "document"
	MediaOther    MediaCategory = "other"
)

// Dir returns the archive directory for the category.
func (c MediaCategory) Dir() string {
	switch c {
	case MediaImage:
		return "images"
	case MediaVideo:
		return "videos"
	case MediaDocument:
		return "documents"
	default:
		return "other"
	}
}

// ParseMediaCategory accepts a category or its directory name.
func ParseMediaCategory(s string) (MediaCategory, bool) {
	switch s {
	case "image", "images":
		return MediaImage, true
	case "video", "videos":
		return MediaVideo, true
	case "document", "documents":
		return MediaDocument, true
	case "other":
		return MediaOther, true
	default:
		return "", false
	}
}

// MediaItem is a stored, content-addressed asset.
type MediaItem struct {
	ContentHash string        `json:"content_hash"`
	Filename    string        `json:"filename"`
	DisplayName string        `json:"display_name"`
	Category    MediaCategory `json:"category"`
	MIMEType    string        `json:"mime_type,omitempty"`
	ByteSize    int64         `json:"byte_size"`
	StoredPath  string        `json:"stored_path"`
	URLs        []string      `json:"urls"`
}
