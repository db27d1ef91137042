// Package kintone is the record store client. A case lives as one Kintone
// record: structured fields hold the CRM ground truth (expected collateral
// table, counterparty registries, applicant identity) and file fields hold
// the scanned documents.
package kintone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/recon"
)

// Attachment category field codes on the case record.
const (
	CategoryPurchase      = "purchase_documents"
	CategoryBankStatement = "bank_statements"
	CategoryIdentity      = "identity_documents"
)

// Attachment is one file on the case record.
type Attachment struct {
	FileKey  string
	Name     string
	MimeType string
	Size     int64
}

// Person is the applicant's identity as recorded in the CRM.
type Person struct {
	Name      string
	Kana      string
	BirthDate time.Time // zero if not recorded
	Company   string
	Title     string
}

// ExpectedRow is one row of the expected-collateral subtable.
type ExpectedRow struct {
	Counterparty string
	Kana         string
	Period       recon.Month
	Amount       int64
}

// Case is one underwriting case as fetched from the record store.
type Case struct {
	ID                 string
	Applicant          Person
	Purchasers         []string
	CollateralProvider string
	ExpectedCollateral []ExpectedRow
	Attachments        map[string][]Attachment
}

// ListAttachments returns the case's attachments for one category. Missing
// categories are a valid no-data state, not an error.
func (c *Case) ListAttachments(category string) []Attachment {
	return c.Attachments[category]
}

// Client talks to the Kintone REST API.
type Client struct {
	baseURL  string
	apiToken string
	appID    string
	client   *http.Client
}

// NewClient creates a record store client.
func NewClient(baseURL, apiToken, appID string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		appID:    appID,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Available returns true if the client is configured.
func (c *Client) Available() bool {
	return c.baseURL != "" && c.apiToken != "" && c.appID != ""
}

// field is the Kintone wire shape for a single record field.
type field struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type record map[string]field

// GetCase fetches one case record and maps it to the typed Case model.
func (c *Client) GetCase(ctx context.Context, caseID string) (*Case, error) {
	if !c.Available() {
		return nil, fmt.Errorf("record store not configured")
	}

	u := fmt.Sprintf("%s/k/v1/record.json?app=%s&id=%s",
		c.baseURL, url.QueryEscape(c.appID), url.QueryEscape(caseID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Cybozu-API-Token", c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("record fetch failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.Error("record store error", "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("record store error (status %d)", resp.StatusCode)
	}

	var result struct {
		Record record `json:"record"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}

	return mapCase(caseID, result.Record)
}

// DownloadAttachment fetches one file body by its file key.
func (c *Client) DownloadAttachment(ctx context.Context, fileKey string) ([]byte, error) {
	if !c.Available() {
		return nil, fmt.Errorf("record store not configured")
	}

	u := fmt.Sprintf("%s/k/v1/file.json?fileKey=%s", c.baseURL, url.QueryEscape(fileKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Cybozu-API-Token", c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download error (status %d)", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// mapCase converts the wire record into the typed Case model. Individual
// malformed fields degrade to zero values; only a structurally unusable
// record is an error.
func mapCase(caseID string, rec record) (*Case, error) {
	if len(rec) == 0 {
		return nil, fmt.Errorf("empty record for case %s", caseID)
	}

	cs := &Case{
		ID: caseID,
		Applicant: Person{
			Name:      rec.str("applicant_name"),
			Kana:      rec.str("applicant_kana"),
			BirthDate: rec.date("applicant_birthdate"),
			Company:   rec.str("applicant_company"),
			Title:     rec.str("applicant_title"),
		},
		CollateralProvider: rec.str("collateral_provider"),
		Attachments:        map[string][]Attachment{},
	}

	for _, row := range rec.rows("purchasers") {
		if name := row.str("purchaser_name"); name != "" {
			cs.Purchasers = append(cs.Purchasers, name)
		}
	}

	for _, row := range rec.rows("expected_collateral") {
		period, err := parseMonth(row.str("month"))
		if err != nil {
			logging.Warn("skipping expected-collateral row with bad month",
				"case", caseID, "month", row.str("month"))
			continue
		}
		cs.ExpectedCollateral = append(cs.ExpectedCollateral, ExpectedRow{
			Counterparty: row.str("counterparty_name"),
			Kana:         row.str("counterparty_kana"),
			Period:       period,
			Amount:       row.num("amount"),
		})
	}

	for _, category := range []string{CategoryPurchase, CategoryBankStatement, CategoryIdentity} {
		cs.Attachments[category] = rec.files(category)
	}

	return cs, nil
}

// str reads a text field, empty if absent or malformed.
func (r record) str(code string) string {
	f, ok := r[code]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(f.Value, &s) != nil {
		return ""
	}
	return s
}

// num reads a number field. Kintone serializes numbers as strings.
func (r record) num(code string) int64 {
	s := r.str(code)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// date reads a date field (YYYY-MM-DD), zero time if absent.
func (r record) date(code string) time.Time {
	s := r.str(code)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// rows reads a subtable field.
func (r record) rows(code string) []record {
	f, ok := r[code]
	if !ok {
		return nil
	}
	var raw []struct {
		Value record `json:"value"`
	}
	if json.Unmarshal(f.Value, &raw) != nil {
		return nil
	}
	out := make([]record, 0, len(raw))
	for _, row := range raw {
		out = append(out, row.Value)
	}
	return out
}

// files reads a file field.
func (r record) files(code string) []Attachment {
	f, ok := r[code]
	if !ok {
		return nil
	}
	var raw []struct {
		FileKey     string `json:"fileKey"`
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Size        string `json:"size"`
	}
	if json.Unmarshal(f.Value, &raw) != nil {
		return nil
	}
	out := make([]Attachment, 0, len(raw))
	for _, file := range raw {
		size, _ := strconv.ParseInt(file.Size, 10, 64)
		out = append(out, Attachment{
			FileKey:  file.FileKey,
			Name:     file.Name,
			MimeType: file.ContentType,
			Size:     size,
		})
	}
	return out
}

// parseMonth parses a YYYY-MM month field.
func parseMonth(s string) (recon.Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return recon.Month{}, fmt.Errorf("bad month %q: %w", s, err)
	}
	return recon.MonthOf(t), nil
}
