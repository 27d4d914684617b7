package extract

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

var (
	integerPattern = regexp.MustCompile(`^[+-]?(\d{1,3}(,\d{3})+|\d+)$`)
	decimalPattern = regexp.MustCompile(`^[+-]?(\d{1,3}(,\d{3})+|\d+)?\.\d+$`)
	slugPattern    = regexp.MustCompile(`[^a-z0-9]+`)
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
	"Jan 2006",
}

// NormalizeHeaders trims header cells, names blank ones column_N (1-based),
// and suffixes duplicates with _2, _3, ... so every name is unique.
func NormalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	used := make(map[string]struct{}, len(raw))
	for i, h := range raw {
		name := strings.Join(strings.Fields(h), " ")
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		candidate := name
		for n := 2; ; n++ {
			if _, dup := used[candidate]; !dup {
				break
			}
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		used[candidate] = struct{}{}
		out[i] = candidate
	}
	return out
}

// InferSchema builds columns for headers by sampling up to sampleRows
// non-empty values per column.
func InferSchema(headers []string, rows [][]string, sampleRows int) []crawler.Column {
	cols := make([]crawler.Column, len(headers))
	for i, h := range headers {
		cols[i] = crawler.Column{Name: h, Type: inferColumn(rows, i, sampleRows)}
	}
	return cols
}

func inferColumn(rows [][]string, col, sampleRows int) crawler.ColumnType {
	isInt, isDecimal, isDate := true, true, true
	sampled := 0
	for _, row := range rows {
		if sampleRows > 0 && sampled >= sampleRows {
			break
		}
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		sampled++
		intMatch := integerPattern.MatchString(v)
		isInt = isInt && intMatch
		isDecimal = isDecimal && (intMatch || decimalPattern.MatchString(v))
		isDate = isDate && !intMatch && isDateValue(v)
		if !isInt && !isDecimal && !isDate {
			return crawler.TypeText
		}
	}
	switch {
	case sampled == 0:
		return crawler.TypeText
	case isInt:
		return crawler.TypeInteger
	case isDecimal:
		return crawler.TypeDecimal
	case isDate:
		return crawler.TypeDate
	default:
		return crawler.TypeText
	}
}

func isDateValue(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// ValueMatches reports whether a non-empty value conforms to typ. Empty
// values match every type.
func ValueMatches(typ crawler.ColumnType, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	switch typ {
	case crawler.TypeInteger:
		return integerPattern.MatchString(v)
	case crawler.TypeDecimal:
		return integerPattern.MatchString(v) || decimalPattern.MatchString(v)
	case crawler.TypeDate:
		return isDateValue(v)
	default:
		return true
	}
}

// BaseName derives a dataset base name from a source URL: the last path
// segment without extension, or "index" for the site root.
func BaseName(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "index"
	}
	segment := path.Base(strings.TrimRight(u.Path, "/"))
	segment = strings.TrimSuffix(segment, path.Ext(segment))
	if segment == "." || segment == "/" {
		segment = ""
	}
	if s := Slug(segment); s != "" {
		return s
	}
	return "index"
}

// Slug strips diacritics, case-folds s, and collapses runs of
// non-alphanumerics to underscores.
func Slug(s string) string {
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	s = cases.Fold().String(s)
	return strings.Trim(slugPattern.ReplaceAllString(s, "_"), "_")
}
