package crawler

import (
	"context"
	"time"
)

// Fetcher runs one fetch strategy against a URL and extracts its metadata.
// Implementations must return an *Error carrying partial timings on failure
// and must fail with KindCancelled when ctx is canceled by the caller.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Extractor turns an HTML document into link metadata.
type Extractor interface {
	Extract(html, baseURL string) Metadata
}

// HeadlessDetector decides whether a static result needs browser rendering.
type HeadlessDetector interface {
	Score(meta Metadata) int
	ShouldPromote(meta Metadata) bool
}

// ContentCache stores crawl results under normalized URL keys.
type ContentCache interface {
	Get(rawURL string) (Cached, *CacheInfo, bool)
	Set(rawURLs []string, value Cached) time.Duration
	Key(rawURL string) string
}

// IDGenerator yields unique identifiers for requests.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
