package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Seen-UA", r.UserAgent())
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	})
	mux.HandleFunc("/big-chunked", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write([]byte(strings.Repeat("y", 500)))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcherFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := NewWithTransport(Config{UserAgent: "edarchive-test", Timeout: 5 * time.Second}, srv.Client().Transport)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.ContentType())
	require.Equal(t, "edarchive-test", resp.Headers.Get("X-Seen-UA"))
	require.Contains(t, string(resp.Body), "<title>ok</title>")
	require.Equal(t, crawler.ModePlain, resp.Mode)

	// Revisiting the same URL is a new attempt, not an error.
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
}

func TestFetcherReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := NewWithTransport(Config{Timeout: 5 * time.Second}, srv.Client().Transport)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/unavailable"})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetcherEnforcesByteCeiling(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := NewWithTransport(Config{Timeout: 5 * time.Second}, srv.Client().Transport)

	for _, path := range []string{"/big", "/big-chunked"} {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + path, MaxBytes: 1000})
		require.ErrorIs(t, err, crawler.ErrBodyTooLarge, path)
	}

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/big", MaxBytes: 5000})
	require.NoError(t, err)
	require.Len(t, resp.Body, 2000)
}

func TestFetcherCanceledContext(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := NewWithTransport(Config{Timeout: 5 * time.Second}, srv.Client().Transport)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	state := &attempt{}
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), state)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil || hooks.onHeaders == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	if state.result.StatusCode != http.StatusCreated || string(state.result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", state.result)
	}
	if state.result.URL != "https://example.com/final" {
		t.Fatalf("expected final url, got %q", state.result.URL)
	}

	hooks.onError(nil, errors.New("boom"))
	if state.fetchErr == nil || state.fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", state.fetchErr)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onHeaders  colly.ResponseHeadersCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponseHeaders(cb colly.ResponseHeadersCallback) {
	s.onHeaders = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
