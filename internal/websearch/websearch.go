// Package websearch is the client for the web search backend used by the
// adverse-media filter and company verification.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/ktsujino/shinsa/internal/logging"
)

// Hit is one ranked search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client queries the search backend. Result count per query is bounded at
// the client so no caller can accidentally fan a query out into hundreds of
// triage calls.
type Client struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a search client.
func NewClient(endpoint, apiKey string, maxResults int) *Client {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		maxResults: maxResults,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Available returns true if the client is configured.
func (c *Client) Available() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// Search runs one query and returns up to the configured number of hits.
func (c *Client) Search(ctx context.Context, query string) ([]Hit, error) {
	if !c.Available() {
		return nil, fmt.Errorf("search backend not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", c.maxResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.Error("search API error", "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("search API error (status %d)", resp.StatusCode)
	}

	var result struct {
		Results []Hit `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	hits := result.Results
	if len(hits) > c.maxResults {
		hits = hits[:c.maxResults]
	}

	logging.Debug("search complete", "query", query, "hits", len(hits))
	return hits, nil
}
