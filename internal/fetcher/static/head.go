package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

const (
	headMarker = "</head>"
	chunkSize  = 8 * 1024
)

// headResult is the outcome of a bounded head read.
type headResult struct {
	html      string
	finalURL  string
	bytesRead int
	complete  bool
	truncated bool
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// readHead streams the document until the closing head tag appears in the
// decoded text, the byte budget runs out, or the body ends.
func (f *Fetcher) readHead(ctx context.Context, rawURL string) (headResult, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return headResult{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw := &countingReader{r: io.LimitReader(resp.Body, int64(f.cfg.HeadMaxBytes))}
	decoded, err := charset.NewReader(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		f.logger.Debug("charset detection failed, reading raw bytes")
		decoded = raw
	}

	var (
		text     strings.Builder
		buf      = make([]byte, chunkSize)
		complete bool
	)
	for {
		n, readErr := decoded.Read(buf)
		if n > 0 {
			scanFrom := max(text.Len()-len(headMarker)+1, 0)
			text.Write(buf[:n])
			if containsFold(text.String()[scanFrom:], headMarker) {
				complete = true
				break
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return headResult{bytesRead: raw.n}, fmt.Errorf("read head: %w", readErr)
		}
	}

	return headResult{
		html:      text.String(),
		finalURL:  resp.Request.URL.String(),
		bytesRead: raw.n,
		complete:  complete,
		truncated: !complete && raw.n >= f.cfg.HeadMaxBytes,
	}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	if !isSuccess(resp.StatusCode) {
		_ = resp.Body.Close()
		return nil, crawler.UpstreamHTTP(resp.StatusCode)
	}
	return resp, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
