// Package detector decides when a plainly fetched page needs script execution.
package detector

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// Heuristic promotes pages that match the allow-list or look script-rendered.
type Heuristic struct {
	BodyLengthThreshold int
	AllowList           []string
}

// NewHeuristic creates a new detector. AllowList entries are absolute URL
// prefixes or path prefixes starting with "/".
func NewHeuristic(threshold int, allowList []string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, AllowList: allowList}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// ShouldPromote decides whether a scripted fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if h.allowListed(resp.URL) {
		return true
	}
	if ct := resp.ContentType(); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return requiresScriptNotice(body)
}

func (h *Heuristic) allowListed(rawURL string) bool {
	if len(h.AllowList) == 0 || rawURL == "" {
		return false
	}
	path := ""
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	for _, entry := range h.AllowList {
		switch {
		case entry == "":
		case strings.HasPrefix(entry, "/"):
			if strings.HasPrefix(path, entry) {
				return true
			}
		case strings.HasPrefix(rawURL, entry):
			return true
		}
	}
	return false
}

// requiresScriptNotice flags pages whose visible body is nearly empty apart
// from a <noscript> notice.
func requiresScriptNotice(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	noscript := strings.ToLower(doc.Find("noscript").Text())
	if !strings.Contains(noscript, "javascript") {
		return false
	}
	bodySel := doc.Find("body").Clone()
	bodySel.Find("script, noscript, style").Remove()
	return len(strings.TrimSpace(bodySel.Text())) < 200
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
