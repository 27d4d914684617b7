package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// Manifest is the authoritative index of an archive. It holds no run-varying
// fields, so re-running against an unchanged site reproduces it byte for
// byte. Maps serialize with sorted keys and every list is kept sorted.
type Manifest struct {
	Version  int                     `json:"version"`
	Pages    map[string]PageEntry    `json:"pages"`
	Datasets map[string]DatasetEntry `json:"datasets"`
	Media    map[string]MediaEntry   `json:"media"`
}

// PageEntry describes an archived HTML page.
type PageEntry struct {
	URL           string            `json:"url"`
	FinalURL      string            `json:"final_url,omitempty"`
	Path          string            `json:"path"`
	Title         string            `json:"title,omitempty"`
	StatusCode    int               `json:"status_code"`
	ContentType   string            `json:"content_type,omitempty"`
	ContentHash   string            `json:"content_hash"`
	ByteSize      int64             `json:"byte_size"`
	Mode          crawler.FetchMode `json:"mode"`
	LinkCount     int               `json:"link_count"`
	Assets        []string          `json:"assets,omitempty"`
	DataLinks     []string          `json:"data_links,omitempty"`
	ExternalLinks []string          `json:"external_links,omitempty"`
}

// DatasetEntry describes a processed dataset. It doubles as the schema
// sidecar written next to the CSV.
type DatasetEntry struct {
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	SchemaPath string             `json:"schema_path"`
	SourceURL  string             `json:"source_url"`
	SourceKind crawler.SourceKind `json:"source_kind"`
	TableIndex int                `json:"table_index"`
	RowCount   int                `json:"row_count"`
	Columns    []crawler.Column   `json:"columns"`
}

// MediaEntry describes one stored content hash and every URL serving it.
type MediaEntry struct {
	ContentHash  string                `json:"content_hash"`
	Filename     string                `json:"filename"`
	DisplayName  string                `json:"display_name"`
	Category     crawler.MediaCategory `json:"category"`
	MIMEType     string                `json:"mime_type,omitempty"`
	ByteSize     int64                 `json:"byte_size"`
	Path         string                `json:"path"`
	URLs         []string              `json:"urls"`
	ReferencedBy []string              `json:"referenced_by,omitempty"`
}

// NewManifest returns an empty manifest at the current version.
func NewManifest() Manifest {
	return Manifest{
		Version:  ManifestVersion,
		Pages:    map[string]PageEntry{},
		Datasets: map[string]DatasetEntry{},
		Media:    map[string]MediaEntry{},
	}
}

// LoadManifest reads root/manifest.json. It is the read contract for
// consumers of the archive. A missing manifest wraps fs.ErrNotExist.
func LoadManifest(root string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile)) //nolint:gosec // root is operator-provided
	if err != nil {
		return Manifest{}, crawler.NewError(crawler.KindStorage, "load manifest", "", err)
	}
	m := NewManifest()
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, crawler.NewError(crawler.KindStorage, "load manifest", "",
			fmt.Errorf("decode manifest: %w", err))
	}
	if m.Version > ManifestVersion {
		return Manifest{}, crawler.NewError(crawler.KindStorage, "load manifest", "",
			fmt.Errorf("manifest version %d is newer than supported %d", m.Version, ManifestVersion))
	}
	if m.Pages == nil {
		m.Pages = map[string]PageEntry{}
	}
	if m.Datasets == nil {
		m.Datasets = map[string]DatasetEntry{}
	}
	if m.Media == nil {
		m.Media = map[string]MediaEntry{}
	}
	return m, nil
}

// Encode renders the manifest as indented JSON with a trailing newline.
func (m Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func (m Manifest) clone() Manifest {
	out := Manifest{
		Version:  m.Version,
		Pages:    make(map[string]PageEntry, len(m.Pages)),
		Datasets: make(map[string]DatasetEntry, len(m.Datasets)),
		Media:    make(map[string]MediaEntry, len(m.Media)),
	}
	for k, v := range m.Pages {
		v.Assets = slices.Clone(v.Assets)
		v.DataLinks = slices.Clone(v.DataLinks)
		v.ExternalLinks = slices.Clone(v.ExternalLinks)
		out.Pages[k] = v
	}
	for k, v := range m.Datasets {
		v.Columns = slices.Clone(v.Columns)
		out.Datasets[k] = v
	}
	for k, v := range m.Media {
		v.URLs = slices.Clone(v.URLs)
		v.ReferencedBy = slices.Clone(v.ReferencedBy)
		out.Media[k] = v
	}
	return out
}

func mediaEntryFrom(item crawler.MediaItem) MediaEntry {
	return MediaEntry{
		ContentHash: item.ContentHash,
		Filename:    item.Filename,
		DisplayName: item.DisplayName,
		Category:    item.Category,
		MIMEType:    item.MIMEType,
		ByteSize:    item.ByteSize,
		Path:        item.StoredPath,
		URLs:        slices.Clone(item.URLs),
	}
}

func (e MediaEntry) item() crawler.MediaItem {
	return crawler.MediaItem{
		ContentHash: e.ContentHash,
		Filename:    e.Filename,
		DisplayName: e.DisplayName,
		Category:    e.Category,
		MIMEType:    e.MIMEType,
		ByteSize:    e.ByteSize,
		StoredPath:  e.Path,
		URLs:        slices.Clone(e.URLs),
	}
}
