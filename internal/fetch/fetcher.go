// Package fetch retrieves article pages for full-text adverse-media review
// and reduces them to readable text.
//
// Fetching is the expensive half of the staged filter, so it only ever runs
// for candidates that survived snippet triage, and responses are cacheable
// by URL upstream.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/ktsujino/shinsa/internal/logging"
)

// ErrUnavailable is returned for any non-200 response. The caller treats the
// article as unfetchable, not as an empty article.
var ErrUnavailable = errors.New("article unavailable")

// maxArticleChars caps extracted text so a scraped archive page cannot blow
// up a downstream classification prompt.
const maxArticleChars = 20000

// Fetcher retrieves article pages.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher creates a Fetcher with the given HTTP client timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}
}

// Fetch retrieves one article and returns its readable text. Any non-200
// status maps to ErrUnavailable.
//
// The function respects context cancellation and will return early
// if the context is cancelled.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// Set a user agent to be a good citizen
	req.Header.Set("User-Agent", "shinsa/1.0 (underwriting review)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Debug("article fetch non-200", "url", url, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %w", err)
	}

	return ExtractText(doc), nil
}

// ExtractText reduces a parsed page to readable article text: boilerplate
// elements removed, paragraph and heading text joined in document order.
func ExtractText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, form, noscript").Remove()

	var parts []string
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})

	text := strings.Join(parts, "\n")
	if text == "" {
		// Pages without semantic markup still deserve a best effort.
		text = strings.TrimSpace(doc.Find("body").Text())
		text = collapseWhitespace(text)
	}

	if len(text) > maxArticleChars {
		// Back off to a rune boundary so the cap never splits a multi-byte
		// character mid-sequence.
		cut := maxArticleChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
