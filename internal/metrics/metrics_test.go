package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if pagesTotal == nil || mediaTotal == nil || datasetsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(mediaTotal.WithLabelValues("image", "deduplicated"))
	ObserveMedia("image", "deduplicated")
	if got := testutil.ToFloat64(mediaTotal.WithLabelValues("image", "deduplicated")); got != before+1 {
		t.Errorf("expected media counter to increase by 1, got %f -> %f", before, got)
	}

	ObservePage("https://obs.example.org/a", "succeeded", 128)
	if got := testutil.ToFloat64(bytesTotal.WithLabelValues("obs.example.org")); got != 128 {
		t.Errorf("expected 128 bytes recorded, got %f", got)
	}

	ObserveDataset("csv")
	ObserveParseError("html_table")
	ObserveFetchAttempt("ok")
	ObserveScriptedFetch("used")
	ObserveRateLimitDelay("obs.example.org", 10*time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != 0 {
		t.Errorf("expected active workers gauge back at 0, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
