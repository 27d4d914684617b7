// Package fetcher wraps single-attempt transports with politeness, a global
// in-flight cap, retry with backoff, and the scripted fallback.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/metrics"
)

// Config controls Client behavior.
type Config struct {
	UserAgent      string
	MaxInFlight    int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxPageBytes   int64
}

// Client fetches URLs and always returns a FetchResult; failures are carried
// in FetchResult.Err and never escape as panics or bare errors.
type Client struct {
	cfg      Config
	plain    crawler.Fetcher
	scripted crawler.Fetcher
	detector crawler.HeadlessDetector
	limiter  crawler.RateLimiter
	inflight *semaphore.Weighted
	retry    *RetryPolicy
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Client. scripted and detector may be nil to disable the
// scripted fallback; limiter may be nil to disable politeness.
func New(
	cfg Config,
	plain crawler.Fetcher,
	scripted crawler.Fetcher,
	detector crawler.HeadlessDetector,
	limiter crawler.RateLimiter,
	clock crawler.Clock,
	logger *zap.Logger,
) *Client {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Client{
		cfg:      cfg,
		plain:    plain,
		scripted: scripted,
		detector: detector,
		limiter:  limiter,
		inflight: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		retry:    NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		clock:    clock,
		logger:   logger,
	}
}

// FetchPage fetches an HTML page with the plain transport and, when the
// detector or allow-list flags it, re-fetches it with the scripted one. A
// failed scripted attempt keeps the plain result.
func (c *Client) FetchPage(ctx context.Context, rawURL string) crawler.FetchResult {
	result, probe := c.fetchWithRetry(ctx, rawURL, c.cfg.MaxPageBytes)
	if !result.OK() || c.scripted == nil || c.detector == nil || !IsHTML(result.ContentType) {
		return result
	}
	if !c.detector.ShouldPromote(probe) {
		return result
	}
	rendered, err := c.attempt(ctx, c.scripted, rawURL, 0)
	if err != nil || rendered.StatusCode != 200 || len(rendered.Body) == 0 {
		metrics.ObserveScriptedFetch("fallback_plain")
		c.logger.Warn("scripted fetch failed; keeping plain result",
			zap.String("url", rawURL), zap.Int("status", rendered.StatusCode), zap.Error(err))
		return result
	}
	metrics.ObserveScriptedFetch("used")
	c.logger.Debug("scripted fetch applied", zap.String("url", rawURL))
	result.Body = rendered.Body
	result.ContentType = rendered.ContentType()
	if rendered.URL != "" {
		result.FinalURL = rendered.URL
	}
	result.Mode = crawler.ModeScripted
	result.FetchedAt = c.clock.Now()
	return result
}

// FetchAsset fetches a binary resource, failing with crawler.ErrBodyTooLarge
// when the body exceeds maxBytes. Bytes over the ceiling are never returned.
func (c *Client) FetchAsset(ctx context.Context, rawURL string, maxBytes int64) crawler.FetchResult {
	result, _ := c.fetchWithRetry(ctx, rawURL, maxBytes)
	return result
}

func (c *Client) fetchWithRetry(ctx context.Context, rawURL string, maxBytes int64) (crawler.FetchResult, crawler.FetchResponse) {
	result := crawler.FetchResult{URL: rawURL, FinalURL: rawURL, Mode: crawler.ModePlain}
	if c.plain == nil {
		result.Err = crawler.NewError(crawler.KindPermanentFetch, "fetch", rawURL, errors.New("no fetcher configured"))
		return result, crawler.FetchResponse{}
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		resp, err := c.attempt(ctx, c.plain, rawURL, maxBytes)
		result.FetchedAt = c.clock.Now()

		var wait time.Duration
		switch {
		case errors.Is(err, crawler.ErrBodyTooLarge):
			metrics.ObserveFetchAttempt("oversized")
			result.Oversized = true
			result.Err = crawler.NewError(crawler.KindPermanentFetch, "fetch", rawURL, crawler.ErrBodyTooLarge)
			return result, resp
		case err != nil:
			metrics.ObserveFetchAttempt("transport_error")
			result.StatusCode = 0
			result.Err = crawler.NewError(crawler.KindTransient, "fetch", rawURL, err)
			if ctx.Err() != nil {
				return result, resp
			}
			wait = c.retry.Backoff(attempt, 0)
		default:
			result.StatusCode = resp.StatusCode
			result.ContentType = resp.ContentType()
			if resp.URL != "" {
				result.FinalURL = resp.URL
			}
			switch {
			case resp.StatusCode < 400:
				metrics.ObserveFetchAttempt("ok")
				result.Body = resp.Body
				result.Err = nil
				return result, resp
			case IsTransientStatus(resp.StatusCode):
				metrics.ObserveFetchAttempt("transient_status")
				result.Body = nil
				result.Err = crawler.NewError(crawler.KindTransient, "fetch", rawURL,
					fmt.Errorf("status %d", resp.StatusCode))
				wait = c.retry.Backoff(attempt, RetryAfter(resp.Headers, c.clock.Now()))
			default:
				metrics.ObserveFetchAttempt("client_error")
				result.Body = nil
				result.Err = crawler.NewError(crawler.KindPermanentFetch, "fetch", rawURL,
					fmt.Errorf("status %d", resp.StatusCode))
				return result, resp
			}
		}

		if !c.retry.ShouldRetry(attempt) {
			result.Err = crawler.NewError(crawler.KindTransient, "fetch", rawURL,
				fmt.Errorf("gave up after %d attempts: %w", attempt, errors.Unwrap(result.Err)))
			return result, resp
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(result.Err))
		if err := sleep(ctx, wait); err != nil {
			return result, resp
		}
	}
}

// attempt waits for politeness and an in-flight slot, then runs one transport call.
func (c *Client) attempt(ctx context.Context, f crawler.Fetcher, rawURL string, maxBytes int64) (crawler.FetchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("in-flight slot: %w", err)
	}
	defer c.inflight.Release(1)

	var headers http.Header
	if c.cfg.UserAgent != "" {
		headers = http.Header{"User-Agent": {c.cfg.UserAgent}}
	}
	resp, err := f.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: headers, MaxBytes: maxBytes})
	if err != nil {
		return resp, fmt.Errorf("fetch attempt: %w", err)
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// IsHTML reports whether a Content-Type names an HTML document. An empty
// type is treated as HTML.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
