package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/hash/sha256"
)

func seedArchive(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	store, err := archive.Open(archive.Config{Root: root, FlushEvery: 1}, zap.NewNop())
	require.NoError(t, err)

	rows := make([][]string, 0, 12)
	for i := range 12 {
		state := "Ohio"
		if i%3 == 0 {
			state = "New York"
		}
		rows = append(rows, []string{state, strconv.Itoa(i)})
	}
	_, err = store.PersistDataset(crawler.DatasetRecord{
		Name:       "graduation",
		Schema:     []crawler.Column{{Name: "state", Type: crawler.TypeText}, {Name: "rate", Type: crawler.TypeInteger}},
		Rows:       rows,
		SourceURL:  "https://example.org/graduation.csv",
		SourceKind: crawler.SourceCSV,
	})
	require.NoError(t, err)

	body := []byte("%PDF-1.4 report")
	hash := sha256.Sum(body)
	_, err = store.PersistMedia(crawler.MediaItem{
		ContentHash: hash,
		Filename:    hash + "-report.pdf",
		DisplayName: "report.pdf",
		Category:    crawler.MediaDocument,
		URLs:        []string{"https://example.org/report.pdf"},
	}, body)
	require.NoError(t, err)

	require.NoError(t, store.WriteRunReport(archive.RunReport{
		RunID:      "run-1",
		Seeds:      []string{"https://example.org/"},
		StartedAt:  time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 5, 1, 0, 10, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Flush())
	return root
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(archive.NewReader(seedArchive(t)), zap.NewNop())
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzRequiresManifest(t *testing.T) {
	t.Parallel()

	empty := NewServer(archive.NewReader(t.TempDir()), nil)
	require.Equal(t, http.StatusServiceUnavailable, get(t, empty, "/readyz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, empty, "/v1/manifest").Code)
	require.Equal(t, http.StatusOK, get(t, newTestServer(t), "/readyz").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	_ = get(t, s, "/healthz")
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Manifest(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t), "/v1/manifest")
	require.Equal(t, http.StatusOK, rec.Code)
	var m archive.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Contains(t, m.Datasets, "graduation")
	assert.Len(t, m.Media, 1)
}

func TestServer_ListDatasets(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t), "/v1/datasets")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Datasets []archive.DatasetEntry `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Datasets, 1)
	assert.Equal(t, 12, body.Datasets[0].RowCount)
}

func TestServer_QueryDataset(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantRows  int
		wantTotal int
	}{
		{"first page", "/v1/datasets/graduation?limit=5", http.StatusOK, 5, 12},
		{"offset past end", "/v1/datasets/graduation?offset=20", http.StatusOK, 0, 12},
		{"filter", "/v1/datasets/graduation?filter.state=new%20york", http.StatusOK, 4, 4},
		{"filter with paging", "/v1/datasets/graduation?filter.state=york&offset=3", http.StatusOK, 1, 4},
		{"unknown column", "/v1/datasets/graduation?filter.county=x", http.StatusBadRequest, 0, 0},
		{"bad limit", "/v1/datasets/graduation?limit=zero", http.StatusBadRequest, 0, 0},
		{"negative offset", "/v1/datasets/graduation?offset=-1", http.StatusBadRequest, 0, 0},
		{"unknown dataset", "/v1/datasets/missing", http.StatusNotFound, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, s, tt.target)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var page archive.DatasetPage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
			assert.Len(t, page.Rows, tt.wantRows)
			assert.Equal(t, tt.wantTotal, page.Total)
		})
	}
}

func TestServer_ListMedia(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := get(t, s, "/v1/media/documents")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Media []archive.MediaEntry `json:"media"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Media, 1)
	assert.Equal(t, "report.pdf", body.Media[0].DisplayName)

	rec = get(t, s, "/v1/media/image")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"media":[]}`, rec.Body.String())

	require.Equal(t, http.StatusNotFound, get(t, s, "/v1/media/audio").Code)
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	rec := get(t, s, "/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run-1"`)

	rec = get(t, s, "/v1/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run archive.RunReport `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"https://example.org/"}, body.Run.Seeds)

	require.Equal(t, http.StatusNotFound, get(t, s, "/v1/runs/nope").Code)
}
