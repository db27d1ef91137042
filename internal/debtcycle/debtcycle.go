// Package debtcycle pairs inflows from known third-party financiers with
// later repayment outflows to tell settled short-term debt from debt that is
// still open at review time.
//
// Attribution is deliberately narrow: only the payer/payee name field of a
// transaction is matched against the lender registry. Free-text memo fields
// mention lenders incidentally and would produce false positives.
package debtcycle

import (
	"time"

	"github.com/ktsujino/shinsa/internal/config"
	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/nameutil"
	"github.com/ktsujino/shinsa/internal/recon"
)

// Status summarizes one counterparty's debt position.
type Status string

const (
	// StatusSettled: every inflow has a matching later outflow, or only
	// repayment outflows exist in the window.
	StatusSettled Status = "settled"
	// StatusPossiblyOpen: an unpaired inflow is old enough that repayment
	// should have happened. Confirm with the applicant.
	StatusPossiblyOpen Status = "possiblyOpen"
	// StatusNeedsReview: an unpaired inflow may simply not have matured.
	StatusNeedsReview Status = "needsReview"
)

// CycleStatus classifies one paired inflow/outflow.
type CycleStatus string

const (
	// CycleSettled: the repayment covered the advance plus fees.
	CycleSettled CycleStatus = "settled"
	// CyclePartialRepayment: the repayment fell short of the advance.
	CyclePartialRepayment CycleStatus = "partialRepayment"
)

// Cycle is one paired advance and repayment.
type Cycle struct {
	Inbound  recon.Transaction
	Outbound recon.Transaction
	Status   CycleStatus
}

// Record is the derived debt picture for one lender counterparty. Recomputed
// fully each run; nothing persists across runs.
type Record struct {
	CounterpartyName string
	Inbound          []recon.Transaction
	Outbound         []recon.Transaction
	PairedCycles     []Cycle
	UnpairedInbound  []recon.Transaction
	Status           Status
}

// AlertKind names a portfolio-level warning.
type AlertKind string

const (
	// AlertSimultaneousUsage: two or more lenders advanced money within the
	// simultaneity window. A sign of stacking short-term debt.
	AlertSimultaneousUsage AlertKind = "simultaneousUsage"
	// AlertMultipleOpenContracts: two or more lenders resolve to an open
	// or unreviewed position at the same time.
	AlertMultipleOpenContracts AlertKind = "multipleOpenContracts"
)

// Alert is an advisory annotation. The pipeline always completes and reports
// alerts; they never fail a run.
type Alert struct {
	Kind           AlertKind
	Counterparties []string
	Detail         string
}

// Params are the pairing constants.
type Params struct {
	// PairMinRatio/PairMaxRatio bound outflow/inflow for a valid pairing.
	// The band above 1.0 covers financing fees.
	PairMinRatio float64
	PairMaxRatio float64
	// OpenDebtAgeDays: unpaired inflows at least this old are possibly
	// open; younger ones may be pre-maturity.
	OpenDebtAgeDays int
	// SimultaneousWindowDays is the cross-lender inflow window for the
	// stacking alert.
	SimultaneousWindowDays int
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		PairMinRatio:           0.90,
		PairMaxRatio:           1.15,
		OpenDebtAgeDays:        60,
		SimultaneousWindowDays: 15,
	}
}

// Analyzer classifies lender activity in a statement ledger.
type Analyzer struct {
	params  Params
	lenders []config.LenderEntry
}

// NewAnalyzer creates an Analyzer for the given lender registry.
func NewAnalyzer(params Params, lenders []config.LenderEntry) *Analyzer {
	return &Analyzer{params: params, lenders: lenders}
}

// Analyze partitions lender-attributed transactions per counterparty, pairs
// advances with repayments, and raises portfolio alerts. The ledger must be
// in statement (chronological) order; pairing depends on it.
func (a *Analyzer) Analyze(ledger []recon.Transaction, asOf time.Time) ([]Record, []Alert) {
	byLender := make(map[string][]recon.Transaction)
	var order []string

	for _, tx := range ledger {
		for _, lender := range a.lenders {
			if nameutil.MatchesAny(tx.CounterpartyRaw, lender.Name, lender.Aliases) {
				if _, seen := byLender[lender.Name]; !seen {
					order = append(order, lender.Name)
				}
				byLender[lender.Name] = append(byLender[lender.Name], tx)
				break
			}
		}
	}

	records := make([]Record, 0, len(order))
	for _, name := range order {
		records = append(records, a.analyzeOne(name, byLender[name], asOf))
	}

	alerts := a.portfolioAlerts(records)

	logging.Debug("debt-cycle analysis complete",
		"lenders", len(records),
		"alerts", len(alerts))

	return records, alerts
}

// analyzeOne pairs one lender's inflows and outflows. Greedy in
// chronological order: the earliest unpaired inflow pairs with the earliest
// eligible later outflow. Deterministic given statement order.
func (a *Analyzer) analyzeOne(name string, txs []recon.Transaction, asOf time.Time) Record {
	rec := Record{CounterpartyName: name}

	for _, tx := range txs {
		if tx.Amount > 0 {
			rec.Inbound = append(rec.Inbound, tx)
		} else if tx.Amount < 0 {
			rec.Outbound = append(rec.Outbound, tx)
		}
	}

	usedOut := make([]bool, len(rec.Outbound))
	for _, in := range rec.Inbound {
		paired := false
		for j, out := range rec.Outbound {
			if usedOut[j] {
				continue
			}
			if !out.Date.After(in.Date) {
				continue
			}
			ratio := float64(-out.Amount) / float64(in.Amount)
			if ratio < a.params.PairMinRatio || ratio > a.params.PairMaxRatio {
				continue
			}
			status := CycleSettled
			if ratio < 1.0 {
				status = CyclePartialRepayment
			}
			rec.PairedCycles = append(rec.PairedCycles, Cycle{
				Inbound:  in,
				Outbound: out,
				Status:   status,
			})
			usedOut[j] = true
			paired = true
			break
		}
		if !paired {
			rec.UnpairedInbound = append(rec.UnpairedInbound, in)
		}
	}

	// Repayments with no visible advance mean the advance predates the
	// statement window. Settled evidence, not a new liability.
	rec.Status = StatusSettled
	maturity := time.Duration(a.params.OpenDebtAgeDays) * 24 * time.Hour
	for _, in := range rec.UnpairedInbound {
		if asOf.Sub(in.Date) >= maturity {
			rec.Status = StatusPossiblyOpen
			break
		}
		rec.Status = StatusNeedsReview
	}

	return rec
}

// portfolioAlerts raises the cross-counterparty advisories.
func (a *Analyzer) portfolioAlerts(records []Record) []Alert {
	var alerts []Alert

	// Stacking: inflows from distinct lenders within the window.
	window := time.Duration(a.params.SimultaneousWindowDays) * 24 * time.Hour
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			if pairWithinWindow(records[i].Inbound, records[j].Inbound, window) {
				alerts = append(alerts, Alert{
					Kind:           AlertSimultaneousUsage,
					Counterparties: []string{records[i].CounterpartyName, records[j].CounterpartyName},
					Detail:         "advances from distinct lenders within the simultaneity window",
				})
			}
		}
	}

	var open []string
	for _, rec := range records {
		if rec.Status == StatusPossiblyOpen || rec.Status == StatusNeedsReview {
			open = append(open, rec.CounterpartyName)
		}
	}
	if len(open) >= 2 {
		alerts = append(alerts, Alert{
			Kind:           AlertMultipleOpenContracts,
			Counterparties: open,
			Detail:         "multiple lender contracts unresolved at review time",
		})
	}

	return alerts
}

func pairWithinWindow(a, b []recon.Transaction, window time.Duration) bool {
	for _, x := range a {
		for _, y := range b {
			d := x.Date.Sub(y.Date)
			if d < 0 {
				d = -d
			}
			if d <= window {
				return true
			}
		}
	}
	return false
}
