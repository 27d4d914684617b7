// Package extract turns HTML tables and linked CSV, XLSX, and JSON exports
// into normalized DatasetRecords.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/metrics"
)

// ErrUnsupportedFormat marks a resource whose format cannot be parsed.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Config controls extraction.
type Config struct {
	SampleRows int
}

// Result holds the datasets extracted from one source. A failed table or
// sheet contributes one entry to Errors and never affects its siblings.
type Result struct {
	Datasets []crawler.DatasetRecord
	Errors   []error
	Warnings []string
}

// Extractor is stateless apart from configuration and is safe for
// concurrent use.
type Extractor struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs an Extractor.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Extractor {
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, clock: clock, logger: logger}
}

// ExtractPage extracts every inline table on a fetched page.
func (e *Extractor) ExtractPage(page crawler.PageRecord) Result {
	source := page.FinalURL
	if source == "" {
		source = page.URL
	}
	res := e.htmlTables(source, page.HTML)
	e.observe(res)
	return res
}

// ExtractResource extracts datasets from a linked export. Formats are chosen
// by Content-Type, falling back to the URL extension. Non-tabular resources
// produce an empty Result.
func (e *Extractor) ExtractResource(sourceURL, contentType string, body []byte) Result {
	var res Result
	switch Detect(sourceURL, contentType) {
	case crawler.SourceCSV:
		res = e.csv(sourceURL, body)
	case crawler.SourceXLSX:
		res = e.xlsx(sourceURL, body)
	case crawler.SourceJSON:
		res = e.json(sourceURL, body)
	case crawler.SourceHTMLTable:
		res = e.htmlTables(sourceURL, body)
	case legacyXLS:
		res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract xls", sourceURL,
			fmt.Errorf("legacy .xls workbook: %w", ErrUnsupportedFormat)))
	}
	e.observe(res)
	return res
}

const legacyXLS crawler.SourceKind = "xls"

// Detect classifies a resource as a tabular source kind, or "" when it is
// not tabular.
func Detect(sourceURL, contentType string) crawler.SourceKind {
	mt := crawler.MediaType(contentType)
	switch {
	case mt == "text/csv", mt == "application/csv", mt == "text/comma-separated-values":
		return crawler.SourceCSV
	case mt == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return crawler.SourceXLSX
	case mt == "application/vnd.ms-excel":
		return legacyXLS
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return crawler.SourceJSON
	}
	switch crawler.Extension(sourceURL) {
	case ".csv":
		return crawler.SourceCSV
	case ".xlsx":
		return crawler.SourceXLSX
	case ".xls":
		return legacyXLS
	case ".json":
		return crawler.SourceJSON
	}
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return crawler.SourceHTMLTable
	}
	return ""
}

// IsTabular reports whether Detect recognizes the resource.
func IsTabular(sourceURL, contentType string) bool {
	return Detect(sourceURL, contentType) != ""
}

func (e *Extractor) build(name string, kind crawler.SourceKind, sourceURL string, index int,
	rawHeaders []string, rows [][]string,
) (crawler.DatasetRecord, error) {
	headers := NormalizeHeaders(rawHeaders)
	ds := crawler.DatasetRecord{
		Name:        name,
		Schema:      InferSchema(headers, rows, e.cfg.SampleRows),
		Rows:        rows,
		SourceURL:   sourceURL,
		SourceKind:  kind,
		TableIndex:  index,
		ExtractedAt: e.now(),
	}
	if err := ds.Validate(); err != nil {
		return crawler.DatasetRecord{}, fmt.Errorf("validate dataset: %w", err)
	}
	return ds, nil
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func (e *Extractor) observe(res Result) {
	for _, ds := range res.Datasets {
		metrics.ObserveDataset(string(ds.SourceKind))
	}
	for _, err := range res.Errors {
		kind := "unknown"
		var ce *crawler.Error
		if errors.As(err, &ce) && ce.Op != "" {
			kind = strings.TrimPrefix(ce.Op, "extract ")
		}
		metrics.ObserveParseError(kind)
		e.logger.Warn("dataset extraction failed", zap.Error(err))
	}
}
