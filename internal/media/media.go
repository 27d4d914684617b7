// Package media downloads binary assets, classifies them, and stores each
// distinct content hash exactly once.
package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/edarchive/internal/crawler"
	"github.com/JakeFAU/edarchive/internal/metrics"
)

// Status is the terminal state of one asset.
type Status string

// Outcome statuses.
const (
	StatusStored       Status = "stored"
	StatusDeduplicated Status = "deduplicated"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
)

// ReasonTooLarge is the failure reason for assets over the byte ceiling.
const ReasonTooLarge = "exceeds size limit"

const maxNameLength = 100

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Outcome reports what happened to one asset reference.
type Outcome struct {
	URL    string
	Item   crawler.MediaItem
	Status Status
	Reason string
}

// AssetFetcher retrieves asset bytes under a byte ceiling.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, rawURL string, maxBytes int64) crawler.FetchResult
}

// Store is the subset of the archive the downloader writes through.
type Store interface {
	LookupMedia(hash string) (crawler.MediaItem, bool)
	MediaByURL(rawURL string) (crawler.MediaItem, bool)
	PersistMedia(item crawler.MediaItem, body []byte) (crawler.MediaItem, error)
	AddMediaURL(hash, rawURL string) (crawler.MediaItem, error)
}

// Config controls downloads.
type Config struct {
	MaxBytes int64
}

// Downloader fetches and deduplicates assets. It is safe for concurrent use;
// writes for the same content hash are collapsed with singleflight.
type Downloader struct {
	cfg     Config
	fetcher AssetFetcher
	store   Store
	hasher  crawler.Hasher
	group   singleflight.Group
	logger  *zap.Logger
}

// New constructs a Downloader.
func New(cfg Config, fetcher AssetFetcher, store Store, hasher crawler.Hasher, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, fetcher: fetcher, store: store, hasher: hasher, logger: logger}
}

// Download fetches ref and stores it. URLs already present in the archive are
// skipped without a fetch.
func (d *Downloader) Download(ctx context.Context, ref crawler.AssetRef) Outcome {
	if item, ok := d.store.MediaByURL(ref.URL); ok {
		return d.finish(Outcome{URL: ref.URL, Item: item, Status: StatusSkipped, Reason: "already archived"})
	}
	result := d.fetcher.FetchAsset(ctx, ref.URL, d.cfg.MaxBytes)
	return d.Ingest(ctx, ref, result)
}

// Ingest stores bytes that were fetched elsewhere, such as a data export.
func (d *Downloader) Ingest(_ context.Context, ref crawler.AssetRef, result crawler.FetchResult) Outcome {
	out := Outcome{URL: ref.URL, Status: StatusFailed}
	switch {
	case result.Oversized, errors.Is(result.Err, crawler.ErrBodyTooLarge):
		out.Reason = ReasonTooLarge
		return d.finish(out)
	case result.Err != nil:
		out.Reason = result.Err.Error()
		return d.finish(out)
	case !result.OK():
		out.Reason = fmt.Sprintf("status %d", result.StatusCode)
		return d.finish(out)
	case d.cfg.MaxBytes > 0 && int64(len(result.Body)) > d.cfg.MaxBytes:
		out.Reason = ReasonTooLarge
		return d.finish(out)
	}

	hash, err := d.hasher.Hash(result.Body)
	if err != nil {
		out.Reason = fmt.Sprintf("hash content: %v", err)
		return d.finish(out)
	}

	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = ref.URL
	}
	category := Classify(result.ContentType, finalURL, ref.MediaTypeGuess)
	name := OriginalName(finalURL, result.ContentType)

	v, err, shared := d.group.Do(hash, func() (any, error) {
		if _, ok := d.store.LookupMedia(hash); ok {
			item, err := d.store.AddMediaURL(hash, ref.URL)
			return storeResult{item: item, deduplicated: true}, err
		}
		item, err := d.store.PersistMedia(crawler.MediaItem{
			ContentHash: hash,
			Filename:    hash + "-" + name,
			DisplayName: name,
			Category:    category,
			MIMEType:    crawler.MediaType(result.ContentType),
			ByteSize:    int64(len(result.Body)),
			URLs:        []string{ref.URL},
		}, result.Body)
		return storeResult{item: item}, err
	})
	if err != nil {
		out.Reason = err.Error()
		return d.finish(out)
	}
	res, _ := v.(storeResult)
	out.Item = res.item
	out.Status = StatusStored
	if res.deduplicated {
		out.Status = StatusDeduplicated
	}
	if shared && !slices.Contains(res.item.URLs, ref.URL) {
		item, err := d.store.AddMediaURL(hash, ref.URL)
		if err != nil {
			out.Status = StatusFailed
			out.Reason = err.Error()
			return d.finish(out)
		}
		out.Item = item
		out.Status = StatusDeduplicated
	}
	return d.finish(out)
}

type storeResult struct {
	item         crawler.MediaItem
	deduplicated bool
}

func (d *Downloader) finish(out Outcome) Outcome {
	category := out.Item.Category
	if category == "" {
		category = crawler.MediaOther
	}
	metrics.ObserveMedia(string(category), string(out.Status))
	switch out.Status {
	case StatusFailed:
		d.logger.Warn("media download failed", zap.String("url", out.URL), zap.String("reason", out.Reason))
	default:
		d.logger.Debug("media processed",
			zap.String("url", out.URL), zap.String("status", string(out.Status)), zap.String("hash", out.Item.ContentHash))
	}
	return out
}

// Classify picks a category from the MIME type, falling back to the URL
// extension and then to the discoverer's guess.
func Classify(contentType, rawURL string, guess crawler.MediaCategory) crawler.MediaCategory {
	if cat, ok := crawler.CategoryFromMIME(contentType); ok {
		return cat
	}
	if cat, ok := crawler.CategoryFromExtension(rawURL); ok {
		return cat
	}
	if guess != "" {
		return guess
	}
	return crawler.MediaOther
}

// OriginalName returns a filesystem-safe version of the URL's last path
// segment. Nameless URLs get "file" plus an extension guessed from the MIME
// type.
func OriginalName(rawURL, contentType string) string {
	var base string
	if u, err := url.Parse(rawURL); err == nil {
		base = path.Base(u.Path)
		if unescaped, err := url.PathUnescape(base); err == nil {
			base = unescaped
		}
	}
	name := strings.Trim(unsafeName.ReplaceAllString(base, "_"), "._")
	if name == "" {
		name = "file"
		if exts, err := mime.ExtensionsByType(crawler.MediaType(contentType)); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	if len(name) > maxNameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}
	return name
}
