package crawler

import (
	"context"
	"time"
)

// Fetcher performs a single transport attempt. Non-2xx statuses are returned
// as responses; errors are reserved for transport failures.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain response needs script execution.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// RobotsPolicy reports whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RateLimiter blocks until a request to the URL's host may proceed.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
