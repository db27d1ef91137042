// Package recon decides whether a counterparty's bank-statement activity
// satisfies the monthly collateral amounts recorded in the case record.
//
// The expected amounts are ground truth from the CRM; the transactions come
// out of OCR'd bank statements and carry all the noise that implies: katakana
// payer names, truncated fields, payments split across transfers, and money
// that lands a few days before or after a month boundary. The engine searches
// for a global assignment of transactions to periods rather than matching
// month by month, so a transfer near a boundary is never double-counted.
package recon

import (
	"fmt"
	"time"
)

// Transaction is one dated money movement extracted from a bank statement.
// Immutable once extracted; both this package and debtcycle consume it
// read-only. Amount is signed in whole currency units, inflow positive.
type Transaction struct {
	Date            time.Time
	Amount          int64
	CounterpartyRaw string
	SourceDocument  string
}

// Month identifies a calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the Month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// Next returns the following calendar month.
func (m Month) Next() Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return MonthOf(t)
}

// Prev returns the preceding calendar month.
func (m Month) Prev() Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return MonthOf(t)
}

// Start returns midnight UTC on the first day of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following month.
func (m Month) End() time.Time {
	return m.Next().Start()
}

// Contains reports whether t falls inside the month.
func (m Month) Contains(t time.Time) bool {
	return !t.Before(m.Start()) && t.Before(m.End())
}

// Before reports whether m precedes other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// ExpectedAmount is one row of the CRM's expected-collateral table: the
// amount a counterparty is supposed to pay for a given period. Zero is a
// valid "no payment expected" state, not a missing value.
type ExpectedAmount struct {
	CounterpartyKey string
	Period          Month
	Amount          int64
}

// MatchKind records how a period's expectation was satisfied.
type MatchKind string

const (
	// MatchSingle: one transaction covered the period.
	MatchSingle MatchKind = "single"
	// MatchIntraMonthSplit: several transactions, all inside the normal
	// payment month.
	MatchIntraMonthSplit MatchKind = "intraMonthSplit"
	// MatchCrossMonthSplit: several transactions spanning two adjacent
	// months around a boundary.
	MatchCrossMonthSplit MatchKind = "crossMonthSplit"
	// MatchMultiMonthSplit: several transactions spread over three or more
	// months.
	MatchMultiMonthSplit MatchKind = "multiMonthSplit"
	// MatchPrepaid: payment arrived a full month before the normal window.
	MatchPrepaid MatchKind = "prepaid"
	// MatchPostpaid: payment arrived a full month after the normal window.
	MatchPostpaid MatchKind = "postpaid"
	// MatchEmpty: zero expected amount satisfied by the empty assignment.
	MatchEmpty MatchKind = "empty"
	// MatchUnmatched: no assignment satisfies the period.
	MatchUnmatched MatchKind = "unmatched"
)

// MonthlyVerdict is the engine's decision for one (counterparty, period)
// pair. Exactly one verdict exists per pair in the review window, and a
// transaction appears in at most one verdict's MatchedTransactions across
// the whole run.
type MonthlyVerdict struct {
	CounterpartyKey string
	Period          Month
	ExpectedAmount  int64
	MatchedAmount   int64
	Matched         bool
	Kind            MatchKind

	MatchedTransactions []Transaction
	// UnmatchedTransactions are near misses: transactions attributable to
	// the counterparty and date-eligible for this period that no period
	// claimed. The same transaction may appear in several verdicts' near
	// misses but contributes to the matched total of only one.
	UnmatchedTransactions []Transaction

	// HasPriorHistory is true iff at least one trailing-window period of
	// this counterparty has a nonzero matched amount. A period satisfied
	// with zero expected and zero matched keeps this false: "no payment
	// due" and "has paid before" are distinct signals.
	HasPriorHistory bool

	// Unavailable marks that the analysis could not run at all (upstream
	// extraction failed). Distinguishable from a real mismatch.
	Unavailable bool
	Note        string
}

// Counterparty bundles the CRM-side identity of one collateral debtor: the
// canonical name, the spelling variants seen on statements, and its expected
// monthly amounts.
type Counterparty struct {
	Key      string
	Name     string
	Aliases  []string
	Expected []ExpectedAmount
}

// Params are the engine's tuning constants. Defaults mirror the values the
// underwriting team uses; the rules file can override them.
type Params struct {
	// AmountTolerance is the absolute tolerance, in currency units, between
	// a period's expected amount and the sum assigned to it.
	AmountTolerance int64
	// BoundaryDays is how close to a month boundary a transaction must be
	// for the adjacent month to claim it as part of a cross-month split.
	BoundaryDays int
	// MaxSplit caps how many transactions one period may be assembled from.
	MaxSplit int
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		AmountTolerance: 1000,
		BoundaryDays:    7,
		MaxSplit:        4,
	}
}
