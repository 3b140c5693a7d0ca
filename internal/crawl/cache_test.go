package crawl

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/agentengine/internal/observe"
)

var discard = slog.New(slog.DiscardHandler)

type clock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func newCache(t *testing.T, src Source, clk *clock, opts ...CacheOption) *Cache {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]CacheOption{
		WithClock(clk.Now, clk.Sleep),
		WithCacheLogger(discard),
		WithCacheMetrics(m),
		WithPoliteDelay(2*time.Second, 0),
	}, opts...)
	c, err := NewCache(src, t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestCache_StoresAndReuses(t *testing.T) {
	src := &stubSource{name: "wiki", out: "article text"}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)}
	c := newCache(t, src, clk)

	for i := range 3 {
		got, err := c.Fetch(context.Background(), "giant panda")
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if got != "article text" {
			t.Fatalf("fetch %d = %q", i, got)
		}
		clk.now = clk.now.Add(24 * time.Hour)
	}
	if len(src.calls) != 1 {
		t.Errorf("live fetches = %d, want 1", len(src.calls))
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want one 2s delay", clk.sleeps)
	}

	entries, _ := os.ReadDir(c.Dir())
	if len(entries) != 1 || entries[0].Name() != "giant_panda-20260301120000.txt" {
		t.Errorf("cache files = %v", entries)
	}
	if filepath.Base(c.Dir()) != "wiki" {
		t.Errorf("cache dir = %q", c.Dir())
	}
}

func TestCache_ExpiredEntryRefetched(t *testing.T) {
	src := &stubSource{name: "baike", out: "v1"}
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local)}
	c := newCache(t, src, clk, WithUpdateInterval(48*time.Hour))

	if _, err := c.Fetch(context.Background(), "tiger"); err != nil {
		t.Fatal(err)
	}
	clk.now = clk.now.Add(72 * time.Hour)
	src.out = "v2"
	got, err := c.Fetch(context.Background(), "tiger")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v2" || len(src.calls) != 2 {
		t.Errorf("got %q after %d calls", got, len(src.calls))
	}

	// The newer file wins from now on.
	src.out = "v3"
	if got, _ := c.Fetch(context.Background(), "tiger"); got != "v2" {
		t.Errorf("got %q, want cached v2", got)
	}
}

func TestCache_IgnoresOtherKeywordsAndJunk(t *testing.T) {
	src := &stubSource{name: "wiki", out: "fresh"}
	clk := &clock{now: time.Date(2026, 5, 5, 5, 5, 5, 0, time.Local)}
	c := newCache(t, src, clk)

	stamp := clk.now.Add(-time.Hour).Format(stampLayout)
	for name, body := range map[string]string{
		"cat_food-" + stamp + ".txt": "wrong keyword",
		"cat-notastamp.txt":          "junk",
		"cat-" + stamp + ".html":     "wrong ext",
	} {
		if err := os.WriteFile(filepath.Join(c.Dir(), name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.Fetch(context.Background(), "cat")
	if err != nil {
		t.Fatal(err)
	}
	if got != "fresh" {
		t.Errorf("got %q, want live fetch", got)
	}
}

func TestCache_ErrorsNotStored(t *testing.T) {
	src := &stubSource{name: "wiki", err: ErrNotFound}
	clk := &clock{now: time.Now()}
	c := newCache(t, src, clk)

	if _, err := c.Fetch(context.Background(), "nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(c.Dir())
	if len(entries) != 0 {
		t.Errorf("cache files after error = %v", entries)
	}
}

func TestCache_CancelledDuringDelay(t *testing.T) {
	src := &stubSource{name: "wiki", out: "x"}
	clk := &clock{now: time.Now()}
	c := newCache(t, src, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Fetch(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(src.calls) != 0 {
		t.Error("source called after cancellation")
	}
}

func TestCacheKey(t *testing.T) {
	if got := cacheKey("  Panthera tigris/altaica "); got != "Panthera_tigris_altaica" {
		t.Errorf("cacheKey = %q", got)
	}
	if strings.ContainsRune(cacheKey(`a\b`), '\\') {
		t.Error("backslash kept")
	}
}
