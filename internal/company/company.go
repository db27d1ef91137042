// Package company verifies that counterparty companies actually exist,
// using web search evidence graded by a completion call. Verification is a
// graded signal, not a hard gate: an unverifiable company is reported as
// such, it does not fail the run.
package company

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/websearch"
)

// CompanyType says which role a company plays in the case.
type CompanyType string

const (
	TypeApplicant          CompanyType = "applicant"
	TypePurchaser          CompanyType = "purchaser"
	TypeCollateralProvider CompanyType = "collateralProvider"
)

// Source grades the evidence behind a verification.
type Source string

const (
	SourceOfficialSite   Source = "officialSite"
	SourceThirdPartySite Source = "thirdPartySite"
	SourceUnverified     Source = "unverified"
)

// minVerifiedConfidence is the floor below which a company is never
// reported as verified, whatever the model says.
const minVerifiedConfidence = 70

// Result is one company's verification outcome.
type Result struct {
	CompanyName string
	CompanyType CompanyType
	Verified    bool
	Confidence  int // 0-100
	Source      Source
	OfficialURL string
	EvidenceURL string
	Rationale   string
	// Performed is false when the check could not run at all.
	Performed  bool
	SkipReason string
}

// Searcher is the slice of the web-search client the verifier needs.
type Searcher interface {
	Available() bool
	Search(ctx context.Context, query string) ([]websearch.Hit, error)
}

// Verifier checks company existence.
type Verifier struct {
	provider brain.Provider
	search   Searcher
}

// NewVerifier creates a verifier.
func NewVerifier(p brain.Provider, s Searcher) *Verifier {
	return &Verifier{provider: p, search: s}
}

var verifySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"exists": {"type": "boolean", "description": "true if the search results show this specific company exists"},
		"confidence": {"type": "integer", "minimum": 0, "maximum": 100},
		"source_type": {
			"type": "string",
			"enum": ["official_site", "third_party", "none"],
			"description": "official_site if a result is the company's own site, third_party for registries/directories/news, none otherwise"
		},
		"official_url": {"type": "string"},
		"evidence_url": {"type": "string"},
		"rationale": {"type": "string"}
	},
	"required": ["exists", "confidence", "source_type", "rationale"]
}`)

const verifySystemPrompt = `あなたは企業実在性の調査担当です。検索結果から、指定された企業が実在するか判定してください。社名が完全に一致することを確認し、類似名の別会社を根拠にしないこと。公式サイトが見つかればofficial_site、登記情報・企業データベース・報道などの第三者情報のみならthird_partyとしてください。`

// Verify checks one company. Errors degrade to an unverified result with a
// skip reason; they never propagate.
func (v *Verifier) Verify(ctx context.Context, name string, ctype CompanyType) Result {
	res := Result{
		CompanyName: name,
		CompanyType: ctype,
		Source:      SourceUnverified,
	}
	if name == "" {
		res.SkipReason = "no company name on record"
		return res
	}
	if v.search == nil || !v.search.Available() {
		res.SkipReason = "search backend not configured"
		logging.Warn("company verification skipped", "company", name, "reason", res.SkipReason)
		return res
	}

	hits, err := v.search.Search(ctx, name+" 会社概要")
	if err != nil {
		res.SkipReason = "search failed"
		logging.Warn("company verification search failed", "company", name, "error", err)
		return res
	}
	res.Performed = true
	if len(hits) == 0 {
		res.Rationale = "no search results"
		return res
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "対象企業: %s\n\n検索結果:\n", name)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, h.Title, h.URL, h.Snippet)
	}

	resp, err := v.provider.Complete(ctx, brain.Request{
		SystemPrompt: verifySystemPrompt,
		UserPrompt:   sb.String(),
		Schema:       verifySchema,
		MaxTokens:    1024,
	})
	if err != nil {
		res.Performed = false
		res.SkipReason = "classification unavailable"
		logging.Warn("company verification classification failed", "company", name, "error", err)
		return res
	}

	var out struct {
		Exists      bool   `json:"exists"`
		Confidence  int    `json:"confidence"`
		SourceType  string `json:"source_type"`
		OfficialURL string `json:"official_url"`
		EvidenceURL string `json:"evidence_url"`
		Rationale   string `json:"rationale"`
	}
	if err := brain.Decode(resp, &out); err != nil {
		res.Performed = false
		res.SkipReason = "classification unavailable"
		logging.Warn("company verification output malformed", "company", name, "error", err)
		return res
	}

	res.Confidence = clampConfidence(out.Confidence)
	res.OfficialURL = out.OfficialURL
	res.EvidenceURL = out.EvidenceURL
	res.Rationale = out.Rationale
	res.Verified = out.Exists && res.Confidence >= minVerifiedConfidence
	if res.Verified {
		switch out.SourceType {
		case "official_site":
			res.Source = SourceOfficialSite
		case "third_party":
			res.Source = SourceThirdPartySite
		default:
			// No usable source means no verification, whatever the flag said.
			res.Verified = false
		}
	}

	logging.Debug("company verified", "company", name, "verified", res.Verified,
		"confidence", res.Confidence, "source", res.Source)
	return res
}

// VerifyAll checks each distinct company once, in input order.
func (v *Verifier) VerifyAll(ctx context.Context, companies map[string]CompanyType, order []string) []Result {
	results := make([]Result, 0, len(order))
	seen := map[string]bool{}
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		results = append(results, v.Verify(ctx, name, companies[name]))
	}
	return results
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
