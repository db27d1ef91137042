package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsujino/shinsa/internal/brain"
)

// scriptedProvider returns canned JSON per call, or an error.
type scriptedProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) Available() bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req brain.Request) (brain.Response, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return brain.Response{}, p.errs[i]
	}
	return brain.Response{JSON: json.RawMessage(p.responses[i])}, nil
}

func TestExtractDocumentInvoice(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{
		"document_type": "invoice",
		"facts": {
			"issuer": "株式会社鈴木建設",
			"bill_to": "株式会社山田商事",
			"amount": 1000000,
			"due_date": "2025-08-31"
		}
	}`}}

	e := NewExtractor(p)
	doc := e.ExtractDocument(context.Background(), OCRInput{FileName: "seikyusho.pdf", Text: "請求書..."})

	assert.Equal(t, "invoice", doc.DocumentType)
	inv := doc.Invoice()
	assert.Equal(t, "株式会社鈴木建設", inv.Issuer)
	assert.Equal(t, int64(1000000), inv.Amount)
	assert.Equal(t, 2025, inv.DueDate.Year())
}

func TestExtractBatchResilience(t *testing.T) {
	p := &scriptedProvider{
		responses: []string{
			"",
			`{"document_type": "business-card", "facts": {"name": "山田太郎"}}`,
			`not json at all`,
		},
		errs: []error{errors.New("provider down"), nil, nil},
	}

	e := NewExtractor(p)
	docs := e.ExtractBatch(context.Background(), []OCRInput{
		{FileName: "a.pdf", Text: "..."},
		{FileName: "b.jpg", Text: "..."},
		{FileName: "c.pdf", Text: "..."},
	})

	// Failures degrade to unclassifiable; the batch never shrinks.
	require.Len(t, docs, 3)
	assert.Equal(t, DocumentTypeUnclassifiable, docs[0].DocumentType)
	assert.Empty(t, docs[0].Facts)
	assert.Equal(t, "business-card", docs[1].DocumentType)
	assert.Equal(t, DocumentTypeUnclassifiable, docs[2].DocumentType)
}

func TestExtractTransactions(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{
		"transactions": [
			{"date": "2025-07-04", "amount": 1000000, "counterparty": "ｶ)ｽｽﾞｷｹﾝｾﾂ"},
			{"date": "2025-07-10", "amount": -300000, "counterparty": "ﾔﾏﾀﾞﾀﾛｳ"},
			{"date": "bad-date", "amount": 500, "counterparty": "x"}
		]
	}`}}

	e := NewExtractor(p)
	ledger, err := e.ExtractTransactions(context.Background(), OCRInput{FileName: "tsucho.pdf", Text: "..."})
	require.NoError(t, err)

	// Bad-date rows are skipped, order is preserved, names stay raw.
	require.Len(t, ledger, 2)
	assert.Equal(t, int64(1000000), ledger[0].Amount)
	assert.Equal(t, "ｶ)ｽｽﾞｷｹﾝｾﾂ", ledger[0].CounterpartyRaw)
	assert.Equal(t, int64(-300000), ledger[1].Amount)
	assert.Equal(t, "tsucho.pdf", ledger[1].SourceDocument)
}

func TestExtractTransactionsErrorPropagates(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("rate limited")}, responses: []string{""}}
	e := NewExtractor(p)
	_, err := e.ExtractTransactions(context.Background(), OCRInput{FileName: "tsucho.pdf"})
	assert.Error(t, err)
}

func TestFactBagCoercions(t *testing.T) {
	f := FactBag{
		"amount_str": "1,000,000円",
		"amount_num": float64(250000),
		"junk":       []any{"x"},
	}
	assert.Equal(t, int64(1000000), f.Num("amount_str"))
	assert.Equal(t, int64(250000), f.Num("amount_num"))
	assert.Equal(t, int64(0), f.Num("junk"))
	assert.Equal(t, int64(0), f.Num("missing"))
}
