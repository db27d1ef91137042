// Package ocr is the client for the OCR backend. It supports direct image
// OCR and multi-page document OCR with explicit page-window batching.
//
// The backend rejects out-of-range page windows with a distinguishable
// error, and that is deliberate: document length is not known up front, so
// the client probes by requesting successive windows until the backend says
// the range is invalid.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ktsujino/shinsa/internal/logging"
)

// ErrInvalidPageRange is returned when the requested page window lies beyond
// the end of the document. Callers use it to stop probing; it is never a
// generic failure.
var ErrInvalidPageRange = errors.New("invalid page range")

// PageRange selects a window of pages, 1-based and inclusive.
type PageRange struct {
	First int
	Last  int
}

// Result is the text recognized for one request.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	PageCount  int     `json:"page_count"`
}

// Client talks to the OCR backend.
type Client struct {
	endpoint   string
	apiKey     string
	pageWindow int
	client     *http.Client
}

// NewClient creates an OCR client. pageWindow is the number of pages
// requested per call for multi-page documents.
func NewClient(endpoint, apiKey string, pageWindow int) *Client {
	if pageWindow <= 0 {
		pageWindow = 5
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		pageWindow: pageWindow,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Available returns true if the client is configured.
func (c *Client) Available() bool {
	return c.endpoint != ""
}

// ExtractText runs OCR over data. pages is optional; nil means the whole
// document (or the single image).
func (c *Client) ExtractText(ctx context.Context, data []byte, mimeType string, pages *PageRange) (Result, error) {
	if !c.Available() {
		return Result{}, fmt.Errorf("ocr backend not configured")
	}

	payload := map[string]interface{}{
		"content":   base64.StdEncoding.EncodeToString(data),
		"mime_type": mimeType,
	}
	if pages != nil {
		payload["first_page"] = pages.First
		payload["last_page"] = pages.Last
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The backend reports an out-of-range window as a 400 with a coded
		// error body. Surface it as the sentinel so callers can probe.
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && isPageRangeCode(apiErr.Code) {
			return Result{}, fmt.Errorf("%w: %s", ErrInvalidPageRange, apiErr.Message)
		}
		logging.Error("OCR API error", "status", resp.StatusCode, "body", string(respBody))
		return Result{}, fmt.Errorf("ocr API error (status %d)", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse ocr response: %w", err)
	}

	return result, nil
}

// ExtractDocument OCRs a whole multi-page document by requesting successive
// page windows until the backend reports the window is out of range. The
// concatenated text, the minimum window confidence, and the discovered page
// count are returned.
func (c *Client) ExtractDocument(ctx context.Context, data []byte, mimeType string) (Result, error) {
	var (
		texts      []string
		confidence = 1.0
		pageCount  int
	)

	for first := 1; ; first += c.pageWindow {
		window := &PageRange{First: first, Last: first + c.pageWindow - 1}
		res, err := c.ExtractText(ctx, data, mimeType, window)
		if errors.Is(err, ErrInvalidPageRange) {
			// Ran off the end of the document.
			break
		}
		if err != nil {
			return Result{}, err
		}

		texts = append(texts, res.Text)
		if res.Confidence < confidence {
			confidence = res.Confidence
		}
		if res.PageCount > 0 {
			pageCount = res.PageCount
			if window.Last >= pageCount {
				break
			}
		}
	}

	if len(texts) == 0 {
		// First window already out of range: empty document.
		return Result{}, fmt.Errorf("%w: document has no pages", ErrInvalidPageRange)
	}

	logging.Debug("document OCR complete", "pages", pageCount, "confidence", confidence)

	return Result{
		Text:       strings.Join(texts, "\n"),
		Confidence: confidence,
		PageCount:  pageCount,
	}, nil
}

func isPageRangeCode(code string) bool {
	switch code {
	case "INVALID_PAGE_RANGE", "PAGE_OUT_OF_RANGE":
		return true
	}
	return false
}
