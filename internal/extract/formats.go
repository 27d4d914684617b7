package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (e *Extractor) csv(sourceURL string, body []byte) Result {
	var res Result
	fail := func(err error) Result {
		res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract csv", sourceURL, err))
		return res
	}

	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)))
	r.LazyQuotes = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return fail(errors.New("empty csv"))
	}
	if err != nil {
		return fail(fmt.Errorf("read csv header: %w", err))
	}
	var rows [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("read csv: %w", err))
		}
		if isBlank(record) {
			continue
		}
		rows = append(rows, record)
	}
	ds, err := e.build(BaseName(sourceURL), crawler.SourceCSV, sourceURL, 0, header, rows)
	if err != nil {
		return fail(err)
	}
	res.Datasets = append(res.Datasets, ds)
	return res
}

func (e *Extractor) xlsx(sourceURL string, body []byte) Result {
	var res Result
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract xlsx", sourceURL,
			fmt.Errorf("open workbook: %w", err)))
		return res
	}
	defer func() {
		if err := f.Close(); err != nil {
			e.logger.Debug("close workbook failed", zap.String("url", sourceURL), zap.Error(err))
		}
	}()

	base := BaseName(sourceURL)
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract xlsx", sourceURL,
				fmt.Errorf("sheet %q: %w", sheet, err)))
			continue
		}
		rows = trimBlankRows(rows)
		if len(rows) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: sheet %q is empty", sourceURL, sheet))
			continue
		}
		header, data := rows[0], rows[1:]
		width := len(header)
		normalized := make([][]string, 0, len(data))
		var sheetErr error
		for r, row := range data {
			if isBlank(row) {
				continue
			}
			if len(row) > width {
				sheetErr = fmt.Errorf("sheet %q row %d has %d cells, header has %d", sheet, r+2, len(row), width)
				break
			}
			padded := make([]string, width)
			copy(padded, row)
			normalized = append(normalized, padded)
		}
		if sheetErr != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract xlsx", sourceURL, sheetErr))
			continue
		}
		name := base
		if s := Slug(sheet); s != "" {
			name = base + "_" + s
		}
		ds, err := e.build(name, crawler.SourceXLSX, sourceURL, i, header, normalized)
		if err != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract xlsx", sourceURL,
				fmt.Errorf("sheet %q: %w", sheet, err)))
			continue
		}
		res.Datasets = append(res.Datasets, ds)
	}
	return res
}

func trimBlankRows(rows [][]string) [][]string {
	for len(rows) > 0 && isBlank(rows[0]) {
		rows = rows[1:]
	}
	return rows
}

func (e *Extractor) json(sourceURL string, body []byte) Result {
	var res Result
	fail := func(err error) Result {
		res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract json", sourceURL, err))
		return res
	}

	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fail(fmt.Errorf("decode json: %w", err))
	}

	records, err := jsonRecords(doc)
	if err != nil {
		return fail(err)
	}
	if len(records) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: json document has no records", sourceURL))
		return res
	}

	keySet := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			keySet[k] = struct{}{}
		}
	}
	headers := make([]string, 0, len(keySet))
	for k := range keySet {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(headers))
		for i, h := range headers {
			v, ok := rec[h]
			if !ok {
				continue
			}
			s, err := jsonValue(v)
			if err != nil {
				return fail(fmt.Errorf("encode field %q: %w", h, err))
			}
			row[i] = s
		}
		rows = append(rows, row)
	}
	ds, err := e.build(BaseName(sourceURL), crawler.SourceJSON, sourceURL, 0, headers, rows)
	if err != nil {
		return fail(err)
	}
	res.Datasets = append(res.Datasets, ds)
	return res
}

var envelopeKeys = []string{"results", "data", "items"}

// jsonRecords accepts an array of objects, an object wrapping one under a
// known envelope key, or a flat object treated as a single record.
func jsonRecords(doc any) ([]map[string]any, error) {
	switch v := doc.(type) {
	case []any:
		return objectList(v)
	case map[string]any:
		for _, key := range envelopeKeys {
			if list, ok := v[key].([]any); ok {
				return objectList(list)
			}
		}
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("json document is a %T, not an object or array: %w", doc, ErrUnsupportedFormat)
	}
}

func objectList(list []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(list))
	objects := 0
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			objects++
			out = append(out, obj)
			continue
		}
		out = append(out, map[string]any{"value": item})
	}
	if objects > 0 && objects < len(list) {
		return nil, errors.New("json array mixes objects and scalars")
	}
	return out, nil
}

func jsonValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("marshal nested value: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}
