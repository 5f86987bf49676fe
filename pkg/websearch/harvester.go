// Package websearch gathers web evidence for the precision resolver:
// DuckDuckGo HTML search plus page fetches, with page content cached so
// repeat research on the same sources costs nothing.
package websearch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultSearchBaseURL = "https://html.duckduckgo.com/html/"
	defaultMaxResults    = 5

	// contentPreviewBytes bounds per-page evidence to keep prompts small.
	contentPreviewBytes = 2000
)

// Cache stores fetched page content keyed by URL hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte) error
}

// SearchResult is one hit from the search page.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Harvester searches and fetches pages, producing an evidence digest.
type Harvester struct {
	httpClient    *http.Client
	cache         Cache
	searchBaseURL string
	userAgent     string
	maxResults    int
}

// Option configures the Harvester.
type Option func(*Harvester)

// WithSearchBaseURL overrides the search endpoint (tests).
func WithSearchBaseURL(u string) Option {
	return func(h *Harvester) { h.searchBaseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(h *Harvester) { h.httpClient = hc }
}

// WithCache enables page content caching.
func WithCache(c Cache) Option {
	return func(h *Harvester) { h.cache = c }
}

// WithMaxResults bounds the number of search hits fetched.
func WithMaxResults(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.maxResults = n
		}
	}
}

// NewHarvester creates a Harvester.
func NewHarvester(opts ...Option) *Harvester {
	h := &Harvester{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		searchBaseURL: defaultSearchBaseURL,
		userAgent:     "StoryAtlasResolve/1.0 (story location research bot)",
		maxResults:    defaultMaxResults,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Search runs a query against the HTML search endpoint and parses results.
func (h *Harvester) Search(ctx context.Context, query string) ([]SearchResult, error) {
	reqURL := h.searchBaseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "websearch: build request")
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "websearch: search request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("websearch: search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "websearch: parse search page")
	}

	var results []SearchResult
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find(".result__title").Text())
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		href, _ := s.Find(".result__title a").Attr("href")
		if title == "" || href == "" {
			return true
		}
		results = append(results, SearchResult{Title: title, URL: href, Snippet: snippet})
		return len(results) < h.maxResults
	})

	return results, nil
}

// FetchURL retrieves page content, consulting the cache first.
func (h *Harvester) FetchURL(ctx context.Context, pageURL string) (string, error) {
	key := urlCacheKey(pageURL)

	if h.cache != nil {
		if payload, ok, err := h.cache.Get(ctx, key); err == nil && ok {
			return string(payload), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "websearch: build fetch request")
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "websearch: fetch %s", pageURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("websearch: fetch %s returned status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", eris.Wrapf(err, "websearch: parse %s", pageURL)
	}
	content := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, []byte(content)); err != nil {
			zap.L().Warn("websearch cache write failed", zap.Error(err))
		}
	}
	return content, nil
}

// Harvest searches and fetches content for a query, returning a formatted
// evidence digest for the reasoning prompt. Individual page failures are
// noted in the digest rather than failing the harvest.
func (h *Harvester) Harvest(ctx context.Context, query string) (string, error) {
	results, err := h.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for query: %s", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n--- Result %d ---\n", i+1)
		fmt.Fprintf(&b, "Title: %s\nURL: %s\nSnippet: %s\n", r.Title, r.URL, r.Snippet)

		content, fetchErr := h.FetchURL(ctx, r.URL)
		if fetchErr != nil {
			b.WriteString("Content: [failed to fetch]\n")
			continue
		}
		fmt.Fprintf(&b, "Content preview: %s\n", previewOf(content))
	}
	return b.String(), nil
}

// previewOf truncates content to the preview budget without splitting a
// UTF-8 sequence, so the digest stays valid for the reasoning prompt.
func previewOf(content string) string {
	if len(content) <= contentPreviewBytes {
		return content
	}
	cut := contentPreviewBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func urlCacheKey(pageURL string) string {
	h := sha256.Sum256([]byte(pageURL))
	return "url:" + fmt.Sprintf("%x", h)
}
