package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/archive"
)

const filterPrefix = "filter."

// getManifest handles GET /v1/manifest.
func (s *Server) getManifest(w http.ResponseWriter, _ *http.Request) {
	m, err := s.reader.Manifest()
	if err != nil {
		s.readFailed(w, "load manifest", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// listDatasets handles GET /v1/datasets. It returns {"datasets": [...]}
// ordered by name.
func (s *Server) listDatasets(w http.ResponseWriter, _ *http.Request) {
	list, err := s.reader.Datasets()
	if err != nil {
		s.readFailed(w, "list datasets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": list})
}

// queryDataset handles GET /v1/datasets/{name}?offset=&limit=&filter.<column>=.
// Filters are case-insensitive substring matches and are ANDed. It returns
// 404 for unknown datasets and 400 for bad paging or unknown filter columns.
func (s *Server) queryDataset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit, offset, err := parseLimitOffset(r, archive.DefaultQueryLimit, archive.MaxQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := archive.Query{Offset: offset, Limit: limit, Filters: map[string]string{}}
	for key, values := range r.URL.Query() {
		col, ok := strings.CutPrefix(key, filterPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		q.Filters[col] = values[0]
	}

	page, err := s.reader.QueryDataset(name, q)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "dataset not found")
		return
	case errors.Is(err, archive.ErrUnknownColumn):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.readFailed(w, "query dataset", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// listMedia handles GET /v1/media/{category}. Categories accept either the
// singular name or the directory name ("image" or "images").
func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	list, err := s.reader.ListMedia(category)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown media category")
		return
	}
	if err != nil {
		s.readFailed(w, "list media", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"media": list})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	runs, err := s.reader.Runs()
	if err != nil {
		s.readFailed(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.reader.Run(chi.URLParam(r, "run_id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.readFailed(w, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// readFailed maps archive read errors: a missing manifest means nothing has
// been archived yet.
func (s *Server) readFailed(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusServiceUnavailable, "archive not initialized")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
