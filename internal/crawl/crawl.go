// Package crawl fetches reference text about a keyword from encyclopedia
// sites.
//
// Every site is a [Source]. Sources are plain HTTP clients with no state; the
// [Cache] decorator adds on-disk reuse and a polite delay between live
// requests, and [Chain] puts several sources for the same content behind
// per-source circuit breakers.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "agentengine-crawler/1.0 (+https://github.com/MrWong99/agentengine)"

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// ErrNotFound means the site answered but has no article for the keyword.
var ErrNotFound = errors.New("crawl: no article found")

// Source fetches plain text about a keyword.
type Source interface {
	// Name identifies the source in cache paths, logs and metrics.
	Name() string

	// Fetch returns the article text for keyword, or an error wrapping
	// [ErrNotFound] when the site has none.
	Fetch(ctx context.Context, keyword string) (string, error)
}

// client is the HTTP plumbing shared by all sources.
type client struct {
	http      *http.Client
	userAgent string
}

func newClient(hc *http.Client, ua string) client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if ua == "" {
		ua = DefaultUserAgent
	}
	return client{http: hc, userAgent: ua}
}

// get performs a GET and returns the body and the final URL after redirects.
// A 404 maps to [ErrNotFound]; any other non-2xx status is an error.
func (c client) get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("crawl: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("crawl: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("crawl: GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, "", fmt.Errorf("crawl: read %s: %w", url, err)
	}
	return body, resp.Request.URL.String(), nil
}
