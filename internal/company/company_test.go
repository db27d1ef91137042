package company

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/websearch"
)

type cannedProvider struct {
	json string
	err  error
}

func (p *cannedProvider) Name() string    { return "canned" }
func (p *cannedProvider) Available() bool { return true }

func (p *cannedProvider) Complete(ctx context.Context, req brain.Request) (brain.Response, error) {
	if p.err != nil {
		return brain.Response{}, p.err
	}
	return brain.Response{JSON: json.RawMessage(p.json)}, nil
}

type cannedSearch struct {
	hits []websearch.Hit
	up   bool
}

func (s *cannedSearch) Available() bool { return s.up }

func (s *cannedSearch) Search(ctx context.Context, query string) ([]websearch.Hit, error) {
	if !s.up {
		return nil, errors.New("unconfigured")
	}
	return s.hits, nil
}

func searchWithHits() *cannedSearch {
	return &cannedSearch{up: true, hits: []websearch.Hit{
		{Title: "株式会社山田商事｜会社概要", URL: "https://yamada-shoji.co.jp/about", Snippet: "..."},
	}}
}

func verdict(exists bool, confidence int, source string) string {
	return fmt.Sprintf(
		`{"exists": %t, "confidence": %d, "source_type": %q, "official_url": "https://yamada-shoji.co.jp", "rationale": "r"}`,
		exists, confidence, source)
}

func TestVerifiedOfficialSite(t *testing.T) {
	v := NewVerifier(&cannedProvider{json: verdict(true, 92, "official_site")}, searchWithHits())
	res := v.Verify(context.Background(), "株式会社山田商事", TypeApplicant)

	assert.True(t, res.Performed)
	assert.True(t, res.Verified)
	assert.Equal(t, SourceOfficialSite, res.Source)
	assert.Equal(t, 92, res.Confidence)
	assert.Equal(t, "https://yamada-shoji.co.jp", res.OfficialURL)
}

func TestConfidenceFloor(t *testing.T) {
	// The model says it exists, but at 65 confidence: below the floor.
	v := NewVerifier(&cannedProvider{json: verdict(true, 65, "third_party")}, searchWithHits())
	res := v.Verify(context.Background(), "株式会社山田商事", TypePurchaser)

	assert.True(t, res.Performed)
	assert.False(t, res.Verified)
	assert.Equal(t, SourceUnverified, res.Source)
}

func TestExistsFalseNeverVerified(t *testing.T) {
	v := NewVerifier(&cannedProvider{json: verdict(false, 95, "none")}, searchWithHits())
	res := v.Verify(context.Background(), "株式会社山田商事", TypeApplicant)
	assert.False(t, res.Verified)
}

func TestClassifierErrorIsNotChecked(t *testing.T) {
	v := NewVerifier(&cannedProvider{err: errors.New("down")}, searchWithHits())
	res := v.Verify(context.Background(), "株式会社山田商事", TypeApplicant)

	// Distinguishable from "checked, unverified".
	assert.False(t, res.Performed)
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.SkipReason)
}

func TestSearchUnavailableSkips(t *testing.T) {
	v := NewVerifier(&cannedProvider{}, &cannedSearch{up: false})
	res := v.Verify(context.Background(), "株式会社山田商事", TypeApplicant)
	assert.False(t, res.Performed)
	assert.Equal(t, "search backend not configured", res.SkipReason)
}

func TestVerifyAllDedupes(t *testing.T) {
	v := NewVerifier(&cannedProvider{json: verdict(true, 90, "third_party")}, searchWithHits())
	companies := map[string]CompanyType{
		"株式会社山田商事": TypeApplicant,
		"田中工業株式会社": TypePurchaser,
	}
	order := []string{"株式会社山田商事", "田中工業株式会社", "株式会社山田商事"}

	results := v.VerifyAll(context.Background(), companies, order)
	require.Len(t, results, 2)
	assert.Equal(t, TypeApplicant, results[0].CompanyType)
	assert.Equal(t, TypePurchaser, results[1].CompanyType)
}
