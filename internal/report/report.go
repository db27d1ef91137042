// Package report assembles the analyses into one flat, typed input for the
// external HTML renderer. The input is always complete: a phase that did
// not run contributes an explicit placeholder section with its skip reason,
// so the renderer never has to guess whether an empty section means clean
// or unchecked.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ktsujino/shinsa/internal/adverse"
	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/company"
	"github.com/ktsujino/shinsa/internal/debtcycle"
	"github.com/ktsujino/shinsa/internal/evidence"
	"github.com/ktsujino/shinsa/internal/kintone"
	"github.com/ktsujino/shinsa/internal/recon"
)

// DocumentSummary is the per-file line shown in the documents section. The
// full OCR text stays out of the report input.
type DocumentSummary struct {
	FileName     string  `json:"fileName"`
	DocumentType string  `json:"documentType"`
	PageCount    int     `json:"pageCount"`
	Confidence   float64 `json:"confidence"`
}

// AdverseHit is one confirmed adverse-media hit with its evidence.
type AdverseHit struct {
	Title             string `json:"title"`
	URL               string `json:"url"`
	Rationale         string `json:"rationale"`
	NeedsManualReview bool   `json:"needsManualReview"`
}

// ReconciliationSection carries the collateral verdicts.
type ReconciliationSection struct {
	Performed  bool                   `json:"performed"`
	SkipReason string                 `json:"skipReason,omitempty"`
	Verdicts   []recon.MonthlyVerdict `json:"verdicts"`
}

// DebtCycleSection carries the lender analysis.
type DebtCycleSection struct {
	Performed  bool               `json:"performed"`
	SkipReason string             `json:"skipReason,omitempty"`
	Records    []debtcycle.Record `json:"records"`
	Alerts     []debtcycle.Alert  `json:"alerts"`
}

// AdverseMediaSection carries the confirmed hits only; rejected candidates
// never reach the report.
type AdverseMediaSection struct {
	Performed      bool         `json:"performed"`
	SkipReason     string       `json:"skipReason,omitempty"`
	SubjectName    string       `json:"subjectName,omitempty"`
	CandidatesSeen int          `json:"candidatesSeen"`
	ConfirmedHits  []AdverseHit `json:"confirmedHits"`
}

// CompanySection carries the verification results.
type CompanySection struct {
	Performed  bool             `json:"performed"`
	SkipReason string           `json:"skipReason,omitempty"`
	Results    []company.Result `json:"results"`
}

// DocumentsSection summarizes the extracted documents.
type DocumentsSection struct {
	Performed  bool              `json:"performed"`
	SkipReason string            `json:"skipReason,omitempty"`
	Documents  []DocumentSummary `json:"documents"`
}

// Input is the complete renderer input for one case run.
type Input struct {
	RunID       string    `json:"runId"`
	CaseID      string    `json:"caseId"`
	GeneratedAt time.Time `json:"generatedAt"`

	ApplicantName    string   `json:"applicantName"`
	ApplicantCompany string   `json:"applicantCompany"`
	Purchasers       []string `json:"purchasers"`

	Reconciliation ReconciliationSection `json:"reconciliation"`
	DebtCycle      DebtCycleSection      `json:"debtCycle"`
	AdverseMedia   AdverseMediaSection   `json:"adverseMedia"`
	Companies      CompanySection        `json:"companies"`
	Documents      DocumentsSection      `json:"documents"`
}

// NewInput creates a report input with every section in its "not
// performed" placeholder state.
func NewInput(runID string, cs *kintone.Case) *Input {
	in := &Input{
		RunID:       runID,
		CaseID:      cs.ID,
		GeneratedAt: time.Now(),

		ApplicantName:    cs.Applicant.Name,
		ApplicantCompany: cs.Applicant.Company,
		Purchasers:       cs.Purchasers,
	}
	const notPerformed = "not performed"
	in.Reconciliation = ReconciliationSection{SkipReason: notPerformed, Verdicts: []recon.MonthlyVerdict{}}
	in.DebtCycle = DebtCycleSection{SkipReason: notPerformed, Records: []debtcycle.Record{}, Alerts: []debtcycle.Alert{}}
	in.AdverseMedia = AdverseMediaSection{SkipReason: notPerformed, ConfirmedHits: []AdverseHit{}}
	in.Companies = CompanySection{SkipReason: notPerformed, Results: []company.Result{}}
	in.Documents = DocumentsSection{SkipReason: notPerformed, Documents: []DocumentSummary{}}
	return in
}

// SetReconciliation fills the reconciliation section.
func (in *Input) SetReconciliation(verdicts []recon.MonthlyVerdict) {
	in.Reconciliation = ReconciliationSection{Performed: true, Verdicts: verdicts}
	if in.Reconciliation.Verdicts == nil {
		in.Reconciliation.Verdicts = []recon.MonthlyVerdict{}
	}
}

// SkipReconciliation records why the section could not run.
func (in *Input) SkipReconciliation(reason string) {
	in.Reconciliation = ReconciliationSection{SkipReason: reason, Verdicts: []recon.MonthlyVerdict{}}
}

// SetDebtCycle fills the debt-cycle section.
func (in *Input) SetDebtCycle(records []debtcycle.Record, alerts []debtcycle.Alert) {
	if records == nil {
		records = []debtcycle.Record{}
	}
	if alerts == nil {
		alerts = []debtcycle.Alert{}
	}
	in.DebtCycle = DebtCycleSection{Performed: true, Records: records, Alerts: alerts}
}

// SkipDebtCycle records why the section could not run.
func (in *Input) SkipDebtCycle(reason string) {
	in.DebtCycle = DebtCycleSection{SkipReason: reason, Records: []debtcycle.Record{}, Alerts: []debtcycle.Alert{}}
}

// SetAdverseMedia fills the adverse-media section from a filter result.
// Only confirmed candidates carry over.
func (in *Input) SetAdverseMedia(res adverse.Result) {
	section := AdverseMediaSection{
		Performed:      res.Performed,
		SkipReason:     res.SkipReason,
		SubjectName:    res.Subject.Name,
		CandidatesSeen: len(res.Candidates),
		ConfirmedHits:  []AdverseHit{},
	}
	for _, c := range res.Candidates {
		if c.Stage != adverse.StageConfirmed {
			continue
		}
		section.ConfirmedHits = append(section.ConfirmedHits, AdverseHit{
			Title:             c.Title,
			URL:               c.URL,
			Rationale:         c.Rationale,
			NeedsManualReview: c.NeedsManualReview,
		})
	}
	in.AdverseMedia = section
}

// SetCompanies fills the company-verification section.
func (in *Input) SetCompanies(results []company.Result) {
	if results == nil {
		results = []company.Result{}
	}
	in.Companies = CompanySection{Performed: true, Results: results}
}

// SetDocuments fills the documents section from extracted documents.
func (in *Input) SetDocuments(docs []evidence.Document) {
	section := DocumentsSection{Performed: true, Documents: []DocumentSummary{}}
	for _, d := range docs {
		section.Documents = append(section.Documents, DocumentSummary{
			FileName:     d.FileName,
			DocumentType: d.DocumentType,
			PageCount:    d.PageCount,
			Confidence:   d.Confidence,
		})
	}
	in.Documents = section
}

// SkipDocuments records why no documents were processed.
func (in *Input) SkipDocuments(reason string) {
	in.Documents = DocumentsSection{SkipReason: reason, Documents: []DocumentSummary{}}
}

// Renderer turns a report input into final HTML.
type Renderer interface {
	Render(ctx context.Context, in *Input) (string, error)
}

// LLMRenderer delegates HTML rendering to a template-filling completion
// call.
type LLMRenderer struct {
	provider brain.Provider
}

// NewLLMRenderer creates a renderer on the given provider.
func NewLLMRenderer(p brain.Provider) *LLMRenderer {
	return &LLMRenderer{provider: p}
}

var renderSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"html": {"type": "string", "description": "complete self-contained HTML document"}
	},
	"required": ["html"]
}`)

const renderSystemPrompt = `あなたはファクタリング審査レポートの作成担当です。与えられたJSONの審査結果を、日本語の審査レポートHTMLに整形してください。performedがfalseのセクションは「未実施」と明記し、skipReasonを併記すること。値の捏造・省略は禁止です。`

// Render produces the report HTML. The input is serialized as-is so the
// renderer sees the skip reasons verbatim.
func (r *LLMRenderer) Render(ctx context.Context, in *Input) (string, error) {
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report input: %w", err)
	}

	resp, err := r.provider.Complete(ctx, brain.Request{
		SystemPrompt: renderSystemPrompt,
		UserPrompt:   string(payload),
		Schema:       renderSchema,
		MaxTokens:    16384,
	})
	if err != nil {
		return "", fmt.Errorf("report rendering failed: %w", err)
	}

	var out struct {
		HTML string `json:"html"`
	}
	if err := brain.Decode(resp, &out); err != nil {
		return "", err
	}
	if out.HTML == "" {
		return "", fmt.Errorf("%w: renderer returned empty html", brain.ErrMalformed)
	}
	return out.HTML, nil
}
