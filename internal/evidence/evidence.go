// Package evidence turns raw OCR text into typed document fact records.
//
// Document types are assigned freely by the extraction model rather than
// drawn from a fixed enum; downstream consumers use the typed accessors for
// the kinds they know (invoice, registry, identity) and the open fact bag
// for everything else.
package evidence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/recon"
)

// DocumentTypeUnclassifiable marks a document whose fact extraction failed.
// The document is retained so the report can say "present but unreadable".
const DocumentTypeUnclassifiable = "unclassifiable"

// OCRInput is one file's recognized text, as produced by the OCR client.
type OCRInput struct {
	FileName   string
	Text       string
	PageCount  int
	Confidence float64
}

// FactBag is an open key-value bag of extracted facts.
type FactBag map[string]any

// Str returns a string-valued fact, empty if absent or not a string.
func (f FactBag) Str(key string) string {
	s, _ := f[key].(string)
	return s
}

// Num returns a numeric fact as int64. Models emit amounts as JSON numbers
// or as digit strings with separators; both are accepted.
func (f FactBag) Num(key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case string:
		cleaned := strings.NewReplacer(",", "", "¥", "", "円", "").Replace(v)
		n, err := strconv.ParseInt(strings.TrimSpace(cleaned), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Date returns a date-valued fact, zero time if absent or unparseable.
func (f FactBag) Date(key string) time.Time {
	s := f.Str(key)
	for _, layout := range []string{"2006-01-02", "2006/01/02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Document is one extracted document with provenance.
type Document struct {
	FileName     string
	DocumentType string
	Facts        FactBag
	OCRText      string
	PageCount    int
	Confidence   float64
}

// InvoiceFacts is the typed view of an invoice-like document.
type InvoiceFacts struct {
	Issuer    string
	BillTo    string
	Amount    int64
	DueDate   time.Time
	IssueDate time.Time
}

// RegistryFacts is the typed view of a corporate-registry document.
type RegistryFacts struct {
	CompanyName    string
	Address        string
	Representative string
	Established    time.Time
	Capital        int64
}

// IdentityFacts is the typed view of an identity document.
type IdentityFacts struct {
	Name      string
	Kana      string
	BirthDate time.Time
	Address   string
}

// Invoice reads the invoice accessors out of the fact bag.
func (d Document) Invoice() InvoiceFacts {
	return InvoiceFacts{
		Issuer:    d.Facts.Str("issuer"),
		BillTo:    d.Facts.Str("bill_to"),
		Amount:    d.Facts.Num("amount"),
		DueDate:   d.Facts.Date("due_date"),
		IssueDate: d.Facts.Date("issue_date"),
	}
}

// Registry reads the corporate-registry accessors out of the fact bag.
func (d Document) Registry() RegistryFacts {
	return RegistryFacts{
		CompanyName:    d.Facts.Str("company_name"),
		Address:        d.Facts.Str("address"),
		Representative: d.Facts.Str("representative"),
		Established:    d.Facts.Date("established"),
		Capital:        d.Facts.Num("capital"),
	}
}

// Identity reads the identity-document accessors out of the fact bag.
func (d Document) Identity() IdentityFacts {
	return IdentityFacts{
		Name:      d.Facts.Str("name"),
		Kana:      d.Facts.Str("kana"),
		BirthDate: d.Facts.Date("birth_date"),
		Address:   d.Facts.Str("address"),
	}
}

// Extractor drives LLM fact extraction over OCR text.
type Extractor struct {
	provider brain.Provider
}

// NewExtractor creates an extractor on the given completion provider.
func NewExtractor(p brain.Provider) *Extractor {
	return &Extractor{provider: p}
}

var classifySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"document_type": {
			"type": "string",
			"description": "Short lowercase label for the document kind, e.g. invoice, corporate-registry, business-card, bank-statement, drivers-license"
		},
		"facts": {
			"type": "object",
			"description": "Every concrete fact stated by the document, as flat key/value pairs. Use issuer, bill_to, amount, due_date, issue_date for invoices; company_name, address, representative, established, capital for registries; name, kana, birth_date, address for identity documents. Dates as YYYY-MM-DD.",
			"additionalProperties": true
		}
	},
	"required": ["document_type", "facts"]
}`)

const classifySystemPrompt = `あなたは書類審査の専門家です。OCRで読み取った書類テキストから、書類の種類と記載された事実を抽出してください。推測で値を補わず、書類に明記された内容だけを抽出すること。`

// ExtractDocument classifies one document and extracts its facts. On any
// extraction failure the document is retained as unclassifiable with empty
// facts; the error is logged, not returned.
func (e *Extractor) ExtractDocument(ctx context.Context, in OCRInput) Document {
	doc := Document{
		FileName:   in.FileName,
		OCRText:    in.Text,
		PageCount:  in.PageCount,
		Confidence: in.Confidence,
	}

	resp, err := e.provider.Complete(ctx, brain.Request{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   "ファイル名: " + in.FileName + "\n\n" + in.Text,
		Schema:       classifySchema,
		MaxTokens:    2048,
	})
	if err != nil {
		logging.Warn("fact extraction failed, retaining as unclassifiable",
			"file", in.FileName, "error", err)
		doc.DocumentType = DocumentTypeUnclassifiable
		doc.Facts = FactBag{}
		return doc
	}

	var out struct {
		DocumentType string  `json:"document_type"`
		Facts        FactBag `json:"facts"`
	}
	if err := brain.Decode(resp, &out); err != nil || out.DocumentType == "" {
		logging.Warn("fact extraction returned malformed output",
			"file", in.FileName, "error", err)
		doc.DocumentType = DocumentTypeUnclassifiable
		doc.Facts = FactBag{}
		return doc
	}

	doc.DocumentType = out.DocumentType
	doc.Facts = out.Facts
	if doc.Facts == nil {
		doc.Facts = FactBag{}
	}
	return doc
}

// ExtractBatch extracts every document in the batch. One document's failure
// never aborts its siblings.
func (e *Extractor) ExtractBatch(ctx context.Context, inputs []OCRInput) []Document {
	docs := make([]Document, 0, len(inputs))
	for _, in := range inputs {
		docs = append(docs, e.ExtractDocument(ctx, in))
	}
	return docs
}

var transactionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"transactions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"date":         {"type": "string", "description": "取引日 YYYY-MM-DD"},
					"amount":       {"type": "integer", "description": "金額（円）。入金は正、出金は負。"},
					"counterparty": {"type": "string", "description": "摘要欄の振込人・振込先名。通帳の表記のまま。"}
				},
				"required": ["date", "amount", "counterparty"]
			}
		}
	},
	"required": ["transactions"]
}`)

const transactionSystemPrompt = `あなたは銀行通帳の読み取り専門家です。OCRテキストから取引明細を抽出してください。入金は正の金額、出金は負の金額とし、振込人名義は通帳の表記のまま変更しないこと。日付の年が省略されている場合は直前の明細の年を引き継ぐこと。`

// ExtractTransactions parses a bank statement's OCR text into the dated
// transaction ledger. Statement order is preserved; the counterparty name
// is kept raw, noise and all. A failure here means the whole statement is
// unreadable, so it is returned as an error for the caller to surface as
// analysis-unavailable.
func (e *Extractor) ExtractTransactions(ctx context.Context, in OCRInput) ([]recon.Transaction, error) {
	resp, err := e.provider.Complete(ctx, brain.Request{
		SystemPrompt: transactionSystemPrompt,
		UserPrompt:   in.Text,
		Schema:       transactionSchema,
		MaxTokens:    8192,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Transactions []struct {
			Date         string `json:"date"`
			Amount       int64  `json:"amount"`
			Counterparty string `json:"counterparty"`
		} `json:"transactions"`
	}
	if err := brain.Decode(resp, &out); err != nil {
		return nil, err
	}

	ledger := make([]recon.Transaction, 0, len(out.Transactions))
	for _, tx := range out.Transactions {
		date, err := time.Parse("2006-01-02", tx.Date)
		if err != nil {
			logging.Warn("skipping transaction with unparseable date",
				"file", in.FileName, "date", tx.Date)
			continue
		}
		ledger = append(ledger, recon.Transaction{
			Date:            date,
			Amount:          tx.Amount,
			CounterpartyRaw: tx.Counterparty,
			SourceDocument:  in.FileName,
		})
	}

	logging.Debug("statement parsed", "file", in.FileName, "transactions", len(ledger))
	return ledger, nil
}
