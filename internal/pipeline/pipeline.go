// Package pipeline orchestrates one case run: fetch the case record, run
// the three extraction phases concurrently, feed each analysis, and join
// everything into the report input.
//
// Phase boundaries follow the failure policy of the analyses: a unit
// failure (one document, one query, one counterparty) degrades to an
// explicit marker inside its section, while a record-store failure aborts
// the run because nothing downstream is meaningful without it.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ktsujino/shinsa/internal/adverse"
	"github.com/ktsujino/shinsa/internal/company"
	"github.com/ktsujino/shinsa/internal/config"
	"github.com/ktsujino/shinsa/internal/debtcycle"
	"github.com/ktsujino/shinsa/internal/evidence"
	"github.com/ktsujino/shinsa/internal/kintone"
	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/nameutil"
	"github.com/ktsujino/shinsa/internal/ocr"
	"github.com/ktsujino/shinsa/internal/recon"
	"github.com/ktsujino/shinsa/internal/report"
	"github.com/ktsujino/shinsa/internal/store"
)

// maxConcurrentOCR limits parallel OCR calls within a phase.
const maxConcurrentOCR = 3

// articleCacheMaxAge bounds how stale a cached article may be.
const articleCacheMaxAge = 24 * time.Hour

// CaseStore is the slice of the record store the runner needs.
type CaseStore interface {
	GetCase(ctx context.Context, caseID string) (*kintone.Case, error)
	DownloadAttachment(ctx context.Context, fileKey string) ([]byte, error)
}

// Recognizer is the slice of the OCR client the runner needs.
type Recognizer interface {
	Available() bool
	ExtractDocument(ctx context.Context, data []byte, mimeType string) (ocr.Result, error)
}

// AdverseChecker runs the staged adverse-media filter for one subject.
type AdverseChecker interface {
	Run(ctx context.Context, subject adverse.Subject) adverse.Result
}

// CompanyChecker verifies company existence.
type CompanyChecker interface {
	VerifyAll(ctx context.Context, companies map[string]company.CompanyType, order []string) []company.Result
}

// Runner executes case runs.
type Runner struct {
	rules     *config.Rules
	cases     CaseStore
	recognize Recognizer
	extractor *evidence.Extractor
	adverse   AdverseChecker
	companies CompanyChecker
	renderer  report.Renderer
	db        *store.Store // optional; nil disables caching and audit
}

// NewRunner wires a runner. renderer and db may be nil; a nil renderer
// skips HTML generation, a nil db disables caching and the run audit.
func NewRunner(rules *config.Rules, cases CaseStore, rec Recognizer, ex *evidence.Extractor,
	adv AdverseChecker, comp CompanyChecker, renderer report.Renderer, db *store.Store) *Runner {
	return &Runner{
		rules:     rules,
		cases:     cases,
		recognize: rec,
		extractor: ex,
		adverse:   adv,
		companies: comp,
		renderer:  renderer,
		db:        db,
	}
}

// Outcome is one completed case run.
type Outcome struct {
	RunID string
	Input *report.Input
	HTML  string
}

// Run executes one case end to end.
func (r *Runner) Run(ctx context.Context, caseID string) (*Outcome, error) {
	runID := uuid.NewString()
	logging.Info("case run started", "run", runID, "case", caseID)

	if r.db != nil {
		if err := r.db.StartRun(runID, caseID); err != nil {
			logging.Warn("failed to record run start", "run", runID, "error", err)
		}
	}

	outcome, phases, err := r.run(ctx, runID, caseID)

	if r.db != nil {
		status, errMsg := "completed", ""
		if err != nil {
			status, errMsg = "failed", err.Error()
		}
		if ferr := r.db.FinishRun(runID, status, phases, errMsg); ferr != nil {
			logging.Warn("failed to record run outcome", "run", runID, "error", ferr)
		}
	}
	return outcome, err
}

func (r *Runner) run(ctx context.Context, runID, caseID string) (*Outcome, map[string]string, error) {
	phases := map[string]string{}

	cs, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		// All downstream analysis is meaningless without the record.
		return nil, phases, fmt.Errorf("failed to fetch case %s: %w", caseID, err)
	}

	in := report.NewInput(runID, cs)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	// Phase 1: purchase/collateral documents.
	g.Go(func() error {
		docs, status := r.documentPhase(ctx, cs, kintone.CategoryPurchase)
		mu.Lock()
		defer mu.Unlock()
		phases["purchase"] = status
		if docs == nil {
			in.SkipDocuments(status)
		} else {
			in.SetDocuments(docs)
		}
		return nil
	})

	// Phase 2: bank statements feed reconciliation and the debt-cycle
	// analysis.
	g.Go(func() error {
		status := r.statementPhase(ctx, cs, in, &mu)
		mu.Lock()
		phases["statement"] = status
		mu.Unlock()
		return nil
	})

	// Phase 3: identity/company documents feed the adverse-media filter
	// and company verification.
	g.Go(func() error {
		status := r.identityPhase(ctx, cs, in, &mu)
		mu.Lock()
		phases["identity"] = status
		mu.Unlock()
		return nil
	})

	g.Wait()

	outcome := &Outcome{RunID: runID, Input: in}
	if r.renderer != nil {
		html, err := r.renderer.Render(ctx, in)
		if err != nil {
			// The analyses are already complete; surface them even when the
			// renderer is down.
			logging.Error("report rendering failed", "run", runID, "error", err)
		} else {
			outcome.HTML = html
		}
	}

	logging.Info("case run finished", "run", runID, "case", caseID)
	return outcome, phases, nil
}

// documentPhase OCRs and extracts one attachment category. Returns nil docs
// with a status when the phase could not run at all.
func (r *Runner) documentPhase(ctx context.Context, cs *kintone.Case, category string) ([]evidence.Document, string) {
	atts := cs.ListAttachments(category)
	if len(atts) == 0 {
		return nil, "skipped: no documents attached"
	}

	inputs := r.ocrAll(ctx, atts)
	if len(inputs) == 0 {
		return nil, "skipped: no document could be read"
	}

	docs := r.extractor.ExtractBatch(ctx, inputs)
	return docs, "ok"
}

// statementPhase extracts the transaction ledger and runs both ledger
// analyses.
func (r *Runner) statementPhase(ctx context.Context, cs *kintone.Case, in *report.Input, mu *sync.Mutex) string {
	engine := recon.NewEngine(reconParams(r.rules))
	counterparties := counterpartiesOf(cs, r.rules.Matching.ReviewMonths)

	atts := cs.ListAttachments(kintone.CategoryBankStatement)
	if len(atts) == 0 {
		mu.Lock()
		in.SkipReconciliation("no bank statement attached")
		in.SkipDebtCycle("no bank statement attached")
		mu.Unlock()
		return "skipped: no bank statement attached"
	}

	var ledger []recon.Transaction
	extractionFailed := false
	for _, inp := range r.ocrAll(ctx, atts) {
		txs, err := r.extractor.ExtractTransactions(ctx, inp)
		if err != nil {
			logging.Warn("statement extraction failed", "file", inp.FileName, "error", err)
			extractionFailed = true
			continue
		}
		ledger = append(ledger, txs...)
	}

	if len(ledger) == 0 && extractionFailed {
		// Checked, but nothing usable: every counterparty gets the explicit
		// analysis-unavailable marker, distinguishable from a real mismatch.
		var verdicts []recon.MonthlyVerdict
		for _, cp := range counterparties {
			verdicts = append(verdicts, engine.Unavailable(cp, "statement extraction failed")...)
		}
		mu.Lock()
		in.SetReconciliation(verdicts)
		in.SkipDebtCycle("statement extraction failed")
		mu.Unlock()
		return "failed: statement extraction"
	}

	// Joint reconciliation: one transfer can never satisfy two
	// counterparties, even when their statement names overlap.
	verdicts := engine.ReconcileAll(counterparties, ledger)

	analyzer := debtcycle.NewAnalyzer(debtcycleParams(r.rules), r.rules.Lenders)
	records, alerts := analyzer.Analyze(ledger, time.Now())

	mu.Lock()
	in.SetReconciliation(verdicts)
	in.SetDebtCycle(records, alerts)
	mu.Unlock()
	return "ok"
}

// identityPhase builds the subject from the CRM record plus any identity
// documents, then runs the adverse-media filter and company verification.
func (r *Runner) identityPhase(ctx context.Context, cs *kintone.Case, in *report.Input, mu *sync.Mutex) string {
	subject := adverse.Subject{
		Name:    cs.Applicant.Name,
		Kana:    cs.Applicant.Kana,
		Company: cs.Applicant.Company,
		Title:   cs.Applicant.Title,
	}
	if !cs.Applicant.BirthDate.IsZero() {
		subject.Age = ageAt(cs.Applicant.BirthDate, time.Now())
	}

	// Identity documents refine the subject when the CRM record is thin.
	if atts := cs.ListAttachments(kintone.CategoryIdentity); len(atts) > 0 {
		docs := r.extractor.ExtractBatch(ctx, r.ocrAll(ctx, atts))
		for _, d := range docs {
			id := d.Identity()
			if subject.Name == "" {
				subject.Name = id.Name
			}
			if subject.Kana == "" {
				subject.Kana = id.Kana
			}
			if subject.Age == 0 && !id.BirthDate.IsZero() {
				subject.Age = ageAt(id.BirthDate, time.Now())
			}
		}
	}

	status := "ok"
	if subject.Name == "" {
		mu.Lock()
		in.SetAdverseMedia(adverse.Result{SkipReason: "no applicant name on record"})
		mu.Unlock()
		status = "skipped: no applicant name"
	} else {
		res := r.adverse.Run(ctx, subject)
		mu.Lock()
		in.SetAdverseMedia(res)
		mu.Unlock()
		if !res.Performed {
			status = "skipped: " + res.SkipReason
		}
	}

	companies := map[string]company.CompanyType{}
	var order []string
	add := func(name string, t company.CompanyType) {
		if name == "" {
			return
		}
		if _, ok := companies[name]; !ok {
			companies[name] = t
			order = append(order, name)
		}
	}
	add(cs.Applicant.Company, company.TypeApplicant)
	for _, p := range cs.Purchasers {
		add(p, company.TypePurchaser)
	}
	add(cs.CollateralProvider, company.TypeCollateralProvider)

	if len(order) > 0 {
		results := r.companies.VerifyAll(ctx, companies, order)
		mu.Lock()
		in.SetCompanies(results)
		mu.Unlock()
	}

	return status
}

// ocrAll downloads and OCRs attachments concurrently, consulting the cache
// by content hash. Unreadable files are logged and dropped; their siblings
// proceed.
func (r *Runner) ocrAll(ctx context.Context, atts []kintone.Attachment) []evidence.OCRInput {
	inputs := make([]evidence.OCRInput, len(atts))
	ok := make([]bool, len(atts))

	var g errgroup.Group
	g.SetLimit(maxConcurrentOCR)
	for i, att := range atts {
		i, att := i, att
		g.Go(func() error {
			in, err := r.ocrOne(ctx, att)
			if err != nil {
				logging.Warn("attachment unreadable", "file", att.Name, "error", err)
				return nil
			}
			inputs[i] = in
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	out := make([]evidence.OCRInput, 0, len(atts))
	for i := range inputs {
		if ok[i] {
			out = append(out, inputs[i])
		}
	}
	return out
}

func (r *Runner) ocrOne(ctx context.Context, att kintone.Attachment) (evidence.OCRInput, error) {
	data, err := r.cases.DownloadAttachment(ctx, att.FileKey)
	if err != nil {
		return evidence.OCRInput{}, err
	}

	hash := store.HashContent(data)
	if r.db != nil {
		if cached, err := r.db.GetOCR(hash); err == nil && cached != nil {
			logging.Debug("OCR cache hit", "file", att.Name)
			return evidence.OCRInput{
				FileName:   att.Name,
				Text:       cached.Text,
				PageCount:  cached.PageCount,
				Confidence: cached.Confidence,
			}, nil
		}
	}

	res, err := r.recognize.ExtractDocument(ctx, data, att.MimeType)
	if err != nil {
		return evidence.OCRInput{}, err
	}
	if r.db != nil {
		r.db.SaveOCR(hash, att.Name, store.OCRResult{
			Text:       res.Text,
			Confidence: res.Confidence,
			PageCount:  res.PageCount,
		})
	}
	return evidence.OCRInput{
		FileName:   att.Name,
		Text:       res.Text,
		PageCount:  res.PageCount,
		Confidence: res.Confidence,
	}, nil
}

// counterpartiesOf groups the expected-collateral rows into one counterparty
// per distinct name, preserving record order. Rows older than the trailing
// review window, measured from the latest period on the record, are out of
// scope for this run.
func counterpartiesOf(cs *kintone.Case, reviewMonths int) []recon.Counterparty {
	rows := cs.ExpectedCollateral
	if reviewMonths > 0 && len(rows) > 0 {
		latest := rows[0].Period
		for _, row := range rows[1:] {
			if latest.Before(row.Period) {
				latest = row.Period
			}
		}
		earliest := latest
		for i := 1; i < reviewMonths; i++ {
			earliest = earliest.Prev()
		}
		kept := make([]kintone.ExpectedRow, 0, len(rows))
		for _, row := range rows {
			if !row.Period.Before(earliest) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	var out []recon.Counterparty
	index := map[string]int{}
	for _, row := range rows {
		key := nameutil.NormalizeCompany(row.Counterparty)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			cp := recon.Counterparty{Key: key, Name: row.Counterparty}
			if row.Kana != "" {
				cp.Aliases = []string{row.Kana}
			}
			out = append(out, cp)
		}
		out[i].Expected = append(out[i].Expected, recon.ExpectedAmount{
			CounterpartyKey: key,
			Period:          row.Period,
			Amount:          row.Amount,
		})
		if row.Kana != "" && !contains(out[i].Aliases, row.Kana) {
			out[i].Aliases = append(out[i].Aliases, row.Kana)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func reconParams(rules *config.Rules) recon.Params {
	p := recon.DefaultParams()
	if rules.Matching.AmountTolerance > 0 {
		p.AmountTolerance = rules.Matching.AmountTolerance
	}
	if rules.Matching.BoundaryDays > 0 {
		p.BoundaryDays = rules.Matching.BoundaryDays
	}
	if rules.Matching.MaxSplit > 0 {
		p.MaxSplit = rules.Matching.MaxSplit
	}
	return p
}

func debtcycleParams(rules *config.Rules) debtcycle.Params {
	p := debtcycle.DefaultParams()
	m := rules.Matching
	if m.PairMinRatio > 0 {
		p.PairMinRatio = m.PairMinRatio
	}
	if m.PairMaxRatio > 0 {
		p.PairMaxRatio = m.PairMaxRatio
	}
	if m.OpenDebtAgeDays > 0 {
		p.OpenDebtAgeDays = m.OpenDebtAgeDays
	}
	if m.SimultaneousWindowDays > 0 {
		p.SimultaneousWindowDays = m.SimultaneousWindowDays
	}
	return p
}

// ageAt computes full years elapsed between birth and now.
func ageAt(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() ||
		(now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// CachingFetcher wraps an article fetcher with the article-text cache so
// reruns of a case do not refetch the same articles.
type CachingFetcher struct {
	Inner interface {
		Fetch(ctx context.Context, url string) (string, error)
	}
	DB *store.Store
}

// Fetch returns cached article text when fresh, otherwise fetches and
// caches.
func (c *CachingFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if c.DB != nil {
		if text, ok, err := c.DB.GetArticle(url, articleCacheMaxAge); err == nil && ok {
			return text, nil
		}
	}
	text, err := c.Inner.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if c.DB != nil && strings.TrimSpace(text) != "" {
		if err := c.DB.SaveArticle(url, text); err != nil {
			logging.Warn("failed to cache article", "url", url, "error", err)
		}
	}
	return text, nil
}
