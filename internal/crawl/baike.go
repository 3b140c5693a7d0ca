package crawl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultBaikeURL is the Baidu Baike site root.
const DefaultBaikeURL = "https://baike.baidu.com"

// Baike reads Baidu Baike item pages. The article body is every <div> whose
// class list mentions "para".
type Baike struct {
	base string
	c    client
}

// NewBaike creates a Baike source. An empty baseURL means [DefaultBaikeURL];
// a nil hc gets a client with a 30s timeout.
func NewBaike(baseURL string, hc *http.Client, userAgent string) *Baike {
	if baseURL == "" {
		baseURL = DefaultBaikeURL
	}
	return &Baike{base: strings.TrimRight(baseURL, "/"), c: newClient(hc, userAgent)}
}

// Name implements [Source].
func (b *Baike) Name() string { return "baike" }

// Fetch implements [Source].
func (b *Baike) Fetch(ctx context.Context, keyword string) (string, error) {
	body, _, err := b.c.get(ctx, b.base+"/item/"+url.PathEscape(keyword))
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("crawl: baike: parse %q: %w", keyword, err)
	}

	paras := findAll(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Div && strings.Contains(attr(n, "class"), "para")
	})
	if len(paras) == 0 {
		return "", fmt.Errorf("%w: baike %q", ErrNotFound, keyword)
	}
	lines := make([]string, 0, len(paras))
	for _, p := range paras {
		if s := text(p, ""); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n"), nil
}
