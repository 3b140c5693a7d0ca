package crawl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/agentengine/internal/observe"
)

const (
	// DefaultUpdateInterval is how long a cached article stays fresh.
	DefaultUpdateInterval = 30 * 24 * time.Hour

	// DefaultDelay and DefaultJitter space out live requests to one site.
	DefaultDelay  = 2 * time.Second
	DefaultJitter = time.Second

	stampLayout = "20060102150405"
	cacheExt    = ".txt"
)

// Cache is a [Source] decorator that stores every fetched article as
// <dir>/<source>/<keyword>-<YYYYmmddHHMMSS>.txt and serves it again while it
// is younger than the update interval. Live fetches are preceded by a polite
// delay plus random jitter.
type Cache struct {
	src      Source
	dir      string
	interval time.Duration
	delay    time.Duration
	jitter   time.Duration
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	log      *slog.Logger
	metrics  *observe.Metrics
}

// CacheOption is a functional option for [NewCache].
type CacheOption func(*Cache)

// WithUpdateInterval sets how long a cached article is reused.
func WithUpdateInterval(d time.Duration) CacheOption {
	return func(c *Cache) { c.interval = d }
}

// WithPoliteDelay sets the fixed delay and the maximum random jitter added
// before each live fetch.
func WithPoliteDelay(delay, jitter time.Duration) CacheOption {
	return func(c *Cache) { c.delay, c.jitter = delay, jitter }
}

// WithCacheLogger sets the diagnostics sink.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// WithCacheMetrics records hits, fetches and errors.
func WithCacheMetrics(m *observe.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now and the context-aware sleep. Tests only.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) CacheOption {
	return func(c *Cache) { c.now, c.sleep = now, sleep }
}

// NewCache wraps src with a cache rooted at dir and creates
// <dir>/<src.Name()>.
func NewCache(src Source, dir string, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		src:      src,
		dir:      filepath.Join(dir, src.Name()),
		interval: DefaultUpdateInterval,
		delay:    DefaultDelay,
		jitter:   DefaultJitter,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("crawl: create cache dir: %w", err)
	}
	c.log = c.log.With("source", src.Name())
	return c, nil
}

// Name implements [Source].
func (c *Cache) Name() string { return c.src.Name() }

// Dir returns the directory holding this source's cache files.
func (c *Cache) Dir() string { return c.dir }

// Fetch implements [Source].
func (c *Cache) Fetch(ctx context.Context, keyword string) (string, error) {
	if path, ok := c.lookup(keyword); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			c.log.Debug("using cached article", "keyword", keyword, "path", path)
			c.metrics.RecordCrawlRequest(ctx, c.src.Name(), "hit")
			return string(data), nil
		}
		c.log.Warn("failed to read cached article; fetching", "path", path, "err", err)
	}

	if err := c.sleep(ctx, c.politeDelay()); err != nil {
		return "", err
	}

	start := time.Now()
	out, err := c.src.Fetch(ctx, keyword)
	c.metrics.RecordCrawlDuration(ctx, c.src.Name(), time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, ErrNotFound) {
			status = "not_found"
		}
		c.metrics.RecordCrawlRequest(ctx, c.src.Name(), status)
		return "", err
	}
	c.metrics.RecordCrawlRequest(ctx, c.src.Name(), "fetched")

	path := filepath.Join(c.dir, cacheKey(keyword)+"-"+c.now().Format(stampLayout)+cacheExt)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		c.log.Warn("failed to store article", "path", path, "err", err)
	}
	return out, nil
}

// lookup returns the newest cache file for keyword that is still fresh.
func (c *Cache) lookup(keyword string) (string, bool) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("failed to list cache dir", "dir", c.dir, "err", err)
		}
		return "", false
	}

	prefix := cacheKey(keyword) + "-"
	var (
		best     string
		bestTime time.Time
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, cacheExt) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), cacheExt)
		ts, err := time.ParseInLocation(stampLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		if c.now().Sub(ts) >= c.interval {
			continue
		}
		if best == "" || ts.After(bestTime) {
			best, bestTime = filepath.Join(c.dir, name), ts
		}
	}
	return best, best != ""
}

func (c *Cache) politeDelay() time.Duration {
	d := c.delay
	if c.jitter > 0 {
		d += rand.N(c.jitter)
	}
	return d
}

// cacheKey turns a keyword into a safe file-name stem.
func cacheKey(keyword string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(keyword))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
