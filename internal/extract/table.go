package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

const maxSpan = 1000

var errRaggedTable = errors.New("ragged table")

func (e *Extractor) htmlTables(sourceURL string, body []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract html_table", sourceURL,
				fmt.Errorf("table parser panic: %v", r)))
		}
	}()

	reader, err := charset.NewReader(bytes.NewReader(body), "")
	if err != nil {
		reader = bytes.NewReader(body)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract html_table", sourceURL, err))
		return res
	}

	tables := doc.Find("table")
	base := BaseName(sourceURL)
	tables.Each(func(i int, table *goquery.Selection) {
		name := base
		if tables.Length() > 1 {
			name = fmt.Sprintf("%s_table_%d", base, i+1)
		}
		headers, rows, err := parseTable(table)
		if err != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract html_table", sourceURL,
				fmt.Errorf("table %d: %w", i+1, err)))
			return
		}
		if len(rows) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: table %d has no data rows", sourceURL, i+1))
			return
		}
		ds, err := e.build(name, crawler.SourceHTMLTable, sourceURL, i, headers, rows)
		if err != nil {
			res.Errors = append(res.Errors, crawler.NewError(crawler.KindParse, "extract html_table", sourceURL,
				fmt.Errorf("table %d: %w", i+1, err)))
			return
		}
		res.Datasets = append(res.Datasets, ds)
	})
	return res
}

// parseTable expands colspan/rowspan into a rectangular grid and splits it
// into header and data rows. Header rows come from thead, or else the first
// row.
func parseTable(table *goquery.Selection) ([]string, [][]string, error) {
	var headerRows, dataRows []*goquery.Selection
	table.ChildrenFiltered("thead, tbody, tfoot, tr").Each(func(_ int, section *goquery.Selection) {
		rows := section
		if !section.Is("tr") {
			rows = section.ChildrenFiltered("tr")
		}
		rows.Each(func(_ int, tr *goquery.Selection) {
			if section.Is("thead") {
				headerRows = append(headerRows, tr)
			} else {
				dataRows = append(dataRows, tr)
			}
		})
	})
	if len(headerRows) == 0 {
		if len(dataRows) == 0 {
			return nil, nil, errors.New("table has no rows")
		}
		headerRows, dataRows = dataRows[:1:1], dataRows[1:]
	}

	grid := expandRows(append(headerRows, dataRows...))
	headerGrid, bodyGrid := grid[:len(headerRows)], grid[len(headerRows):]

	width := 0
	for _, row := range headerGrid {
		width = max(width, len(row))
	}
	if width == 0 {
		return nil, nil, errors.New("table header is empty")
	}
	headers := combineHeaders(headerGrid, width)

	rows := make([][]string, 0, len(bodyGrid))
	for i, row := range bodyGrid {
		if isBlank(row) {
			continue
		}
		if len(row) != width {
			return nil, nil, fmt.Errorf("%w: row %d has %d cells, header has %d", errRaggedTable, i+1, len(row), width)
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

type pendingSpan struct {
	remaining int
	text      string
}

func expandRows(trs []*goquery.Selection) [][]string {
	grid := make([][]string, 0, len(trs))
	carry := map[int]*pendingSpan{}
	for _, tr := range trs {
		var row []string
		col := 0
		fill := func() {
			for {
				span, ok := carry[col]
				if !ok || span.remaining == 0 {
					return
				}
				row = append(row, span.text)
				span.remaining--
				if span.remaining == 0 {
					delete(carry, col)
				}
				col++
			}
		}
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			fill()
			text := cellText(cell)
			colspan := spanAttr(cell, "colspan")
			rowspan := spanAttr(cell, "rowspan")
			for j := 0; j < colspan; j++ {
				row = append(row, text)
				if rowspan > 1 {
					carry[col] = &pendingSpan{remaining: rowspan - 1, text: text}
				}
				col++
			}
		})
		fill()
		grid = append(grid, row)
	}
	return grid
}

func combineHeaders(headerGrid [][]string, width int) []string {
	headers := make([]string, width)
	for c := 0; c < width; c++ {
		var parts []string
		for _, row := range headerGrid {
			if c >= len(row) || row[c] == "" {
				continue
			}
			if len(parts) > 0 && parts[len(parts)-1] == row[c] {
				continue
			}
			parts = append(parts, row[c])
		}
		headers[c] = strings.Join(parts, " ")
	}
	return headers
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}

func spanAttr(cell *goquery.Selection, attr string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cell.AttrOr(attr, "1")))
	if err != nil || n < 1 {
		return 1
	}
	return min(n, maxSpan)
}

func isBlank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}
