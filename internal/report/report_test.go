package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsujino/shinsa/internal/adverse"
	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/kintone"
	"github.com/ktsujino/shinsa/internal/recon"
)

func testCase() *kintone.Case {
	return &kintone.Case{
		ID: "101",
		Applicant: kintone.Person{
			Name:    "山田太郎",
			Company: "株式会社山田商事",
		},
		Purchasers: []string{"田中工業株式会社"},
	}
}

func TestNewInputIsCompleteShape(t *testing.T) {
	in := NewInput("run-1", testCase())

	// Every section exists as a typed placeholder before any phase runs.
	assert.False(t, in.Reconciliation.Performed)
	assert.Equal(t, "not performed", in.Reconciliation.SkipReason)
	assert.NotNil(t, in.Reconciliation.Verdicts)
	assert.False(t, in.DebtCycle.Performed)
	assert.NotNil(t, in.DebtCycle.Records)
	assert.NotNil(t, in.DebtCycle.Alerts)
	assert.False(t, in.AdverseMedia.Performed)
	assert.NotNil(t, in.AdverseMedia.ConfirmedHits)
	assert.False(t, in.Companies.Performed)
	assert.False(t, in.Documents.Performed)

	// The placeholder shape must survive serialization: arrays, not nulls.
	payload, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), `"verdicts":null`)
	assert.NotContains(t, string(payload), `"confirmedHits":null`)
}

func TestSkippedPhaseKeepsReason(t *testing.T) {
	in := NewInput("run-1", testCase())
	in.SkipReconciliation("no bank statement attached")
	in.SetDebtCycle(nil, nil)

	assert.False(t, in.Reconciliation.Performed)
	assert.Equal(t, "no bank statement attached", in.Reconciliation.SkipReason)
	assert.True(t, in.DebtCycle.Performed)
	assert.Empty(t, in.DebtCycle.SkipReason)
}

func TestSetAdverseMediaCarriesOnlyConfirmed(t *testing.T) {
	in := NewInput("run-1", testCase())
	in.SetAdverseMedia(adverse.Result{
		Subject:   adverse.Subject{Name: "山田太郎"},
		Performed: true,
		Candidates: []adverse.Candidate{
			{URL: "https://a", Stage: adverse.StageRejected},
			{URL: "https://b", Stage: adverse.StageConfirmed, Rationale: "arrest report", NeedsManualReview: true},
			{URL: "https://c", Stage: adverse.StageConfirmed},
		},
	})

	assert.True(t, in.AdverseMedia.Performed)
	assert.Equal(t, 3, in.AdverseMedia.CandidatesSeen)
	require.Len(t, in.AdverseMedia.ConfirmedHits, 2)
	assert.Equal(t, "https://b", in.AdverseMedia.ConfirmedHits[0].URL)
	assert.True(t, in.AdverseMedia.ConfirmedHits[0].NeedsManualReview)
}

func TestSetReconciliation(t *testing.T) {
	in := NewInput("run-1", testCase())
	in.SetReconciliation([]recon.MonthlyVerdict{
		{CounterpartyKey: "スズキケンセツ", Matched: true, Kind: recon.MatchSingle},
	})
	assert.True(t, in.Reconciliation.Performed)
	require.Len(t, in.Reconciliation.Verdicts, 1)
}

type cannedProvider struct {
	json string
	err  error
	last brain.Request
}

func (p *cannedProvider) Name() string    { return "canned" }
func (p *cannedProvider) Available() bool { return true }

func (p *cannedProvider) Complete(ctx context.Context, req brain.Request) (brain.Response, error) {
	p.last = req
	if p.err != nil {
		return brain.Response{}, p.err
	}
	return brain.Response{JSON: json.RawMessage(p.json)}, nil
}

func TestLLMRenderer(t *testing.T) {
	p := &cannedProvider{json: `{"html": "<html><body>審査レポート</body></html>"}`}
	r := NewLLMRenderer(p)

	in := NewInput("run-1", testCase())
	in.SkipReconciliation("no bank statement attached")

	html, err := r.Render(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, html, "審査レポート")
	// The renderer must see the skip reason verbatim.
	assert.Contains(t, p.last.UserPrompt, "no bank statement attached")
}

func TestLLMRendererErrors(t *testing.T) {
	r := NewLLMRenderer(&cannedProvider{err: errors.New("down")})
	_, err := r.Render(context.Background(), NewInput("run-1", testCase()))
	assert.Error(t, err)

	r2 := NewLLMRenderer(&cannedProvider{json: `{"html": ""}`})
	_, err = r2.Render(context.Background(), NewInput("run-1", testCase()))
	assert.ErrorIs(t, err, brain.ErrMalformed)
}
