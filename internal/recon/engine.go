package recon

import (
	"sort"
	"time"

	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/nameutil"
)

// Engine reconciles a counterparty's transactions against its expected
// monthly amounts.
type Engine struct {
	params Params
}

// NewEngine creates an Engine with the given tuning constants.
func NewEngine(params Params) *Engine {
	if params.MaxSplit <= 0 {
		params.MaxSplit = DefaultParams().MaxSplit
	}
	return &Engine{params: params}
}

// Collateral payments for period M normally land in the month before M:
// the debtor pays the invoice at the end of M-1, and that transfer is the
// collateral for M. All date eligibility below is relative to that base
// month.

// Reconcile produces one verdict per expected period for the counterparty.
// The ledger is the full statement ledger; attribution by payer name happens
// here. Input order is preserved for attributed transactions.
//
// Attribution is local to the one counterparty; when several counterparties
// share a statement and their names could overlap, use ReconcileAll so each
// inflow is claimed by at most one of them.
func (e *Engine) Reconcile(cp Counterparty, ledger []Transaction) []MonthlyVerdict {
	return e.reconcileAttributed(cp, e.attribute(cp, ledger))
}

// ReconcileAll reconciles every counterparty against one statement ledger
// with exclusive attribution: each inflow belongs to at most one
// counterparty. An exact normalized-name match outranks a truncation-tolerant
// prefix match, and a tie goes to the counterparty listed first, so two
// counterparties whose names share a prefix can never both claim the same
// transfer.
func (e *Engine) ReconcileAll(cps []Counterparty, ledger []Transaction) []MonthlyVerdict {
	attributed := make([][]Transaction, len(cps))
	for _, tx := range ledger {
		if tx.Amount <= 0 {
			continue
		}
		owner, ownerRank := -1, 0
		for i, cp := range cps {
			if r := matchRank(tx.CounterpartyRaw, cp); r > ownerRank {
				owner, ownerRank = i, r
			}
		}
		if owner >= 0 {
			attributed[owner] = append(attributed[owner], tx)
		}
	}

	var verdicts []MonthlyVerdict
	for i, cp := range cps {
		verdicts = append(verdicts, e.reconcileAttributed(cp, attributed[i])...)
	}
	return verdicts
}

// matchRank grades how well a raw payer name matches the counterparty:
// 2 for an exact normalized match of the name or an alias, 1 for a
// truncation-tolerant match, 0 for none.
func matchRank(raw string, cp Counterparty) int {
	norm := nameutil.NormalizeCompany(raw)
	if norm != "" {
		if norm == nameutil.NormalizeCompany(cp.Name) {
			return 2
		}
		for _, alias := range cp.Aliases {
			if norm == nameutil.NormalizeCompany(alias) {
				return 2
			}
		}
	}
	if nameutil.MatchesAny(raw, cp.Name, cp.Aliases) {
		return 1
	}
	return 0
}

// reconcileAttributed runs the assignment search for one counterparty over
// the transactions already attributed to it, statement order preserved.
func (e *Engine) reconcileAttributed(cp Counterparty, attributed []Transaction) []MonthlyVerdict {
	periods := make([]ExpectedAmount, len(cp.Expected))
	copy(periods, cp.Expected)
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].Period.Before(periods[j].Period)
	})

	// Candidate transactions per period, by index into attributed.
	candidates := make([][]int, len(periods))
	for i, p := range periods {
		candidates[i] = e.eligible(p.Period, attributed)
	}

	assignments := e.search(periods, attributed, candidates)

	// A transaction is claimed by at most one period.
	used := make(map[int]bool)
	for _, a := range assignments {
		for _, idx := range a.txs {
			used[idx] = true
		}
	}

	hasHistory := false
	for _, a := range assignments {
		if a.matched && sumOf(attributed, a.txs) != 0 {
			hasHistory = true
		}
	}

	verdicts := make([]MonthlyVerdict, len(periods))
	for i, p := range periods {
		a := assignments[i]
		v := MonthlyVerdict{
			CounterpartyKey: cp.Key,
			Period:          p.Period,
			ExpectedAmount:  p.Amount,
			HasPriorHistory: hasHistory,
		}
		if a.matched {
			v.Matched = true
			v.Kind = a.kind
			v.MatchedAmount = sumOf(attributed, a.txs)
			for _, idx := range a.txs {
				v.MatchedTransactions = append(v.MatchedTransactions, attributed[idx])
			}
		} else {
			v.Kind = MatchUnmatched
		}
		// Near misses: date-eligible transactions nothing claimed.
		for _, idx := range candidates[i] {
			if !used[idx] {
				v.UnmatchedTransactions = append(v.UnmatchedTransactions, attributed[idx])
			}
		}
		verdicts[i] = v
	}

	logging.Debug("reconciled counterparty",
		"counterparty", cp.Key,
		"periods", len(periods),
		"transactions", len(attributed),
		"history", hasHistory)

	return verdicts
}

// Unavailable builds the all-unmatched verdict set used when upstream
// extraction failed. Every period carries the explicit marker so downstream
// reporting can tell "analysis did not run" from a real mismatch.
func (e *Engine) Unavailable(cp Counterparty, note string) []MonthlyVerdict {
	periods := make([]ExpectedAmount, len(cp.Expected))
	copy(periods, cp.Expected)
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].Period.Before(periods[j].Period)
	})

	verdicts := make([]MonthlyVerdict, len(periods))
	for i, p := range periods {
		verdicts[i] = MonthlyVerdict{
			CounterpartyKey: cp.Key,
			Period:          p.Period,
			ExpectedAmount:  p.Amount,
			Kind:            MatchUnmatched,
			Unavailable:     true,
			Note:            note,
		}
	}
	return verdicts
}

// attribute keeps the inflows whose payer name matches the counterparty,
// preserving statement order. Order is load-bearing downstream.
func (e *Engine) attribute(cp Counterparty, ledger []Transaction) []Transaction {
	var out []Transaction
	for _, tx := range ledger {
		if tx.Amount <= 0 {
			continue
		}
		if nameutil.MatchesAny(tx.CounterpartyRaw, cp.Name, cp.Aliases) {
			out = append(out, tx)
		}
	}
	return out
}

// eligible returns the indices of transactions whose dates allow assignment
// to the period: the base month, or one month either side of it
// (boundary pull, prepaid, postpaid).
func (e *Engine) eligible(period Month, txs []Transaction) []int {
	base := period.Prev()
	var out []int
	for i, tx := range txs {
		m := MonthOf(tx.Date)
		if m == base || m == base.Prev() || m == base.Next() {
			out = append(out, i)
		}
	}
	return out
}

// assignment is the search result for one period.
type assignment struct {
	matched bool
	kind    MatchKind
	txs     []int // indices into the attributed slice, statement order
}

// option is one candidate subset for a period, pre-classified and ranked.
type option struct {
	txs     []int
	kind    MatchKind
	badness int
}

// kindBadness orders match kinds from most to least ordinary. The search
// prefers low badness so a boundary transfer is explained as a plain payment
// before it is explained as a prepayment.
func kindBadness(k MatchKind) int {
	switch k {
	case MatchSingle, MatchEmpty:
		return 0
	case MatchIntraMonthSplit:
		return 1
	case MatchCrossMonthSplit:
		return 2
	case MatchPrepaid, MatchPostpaid:
		return 3
	case MatchMultiMonthSplit:
		return 4
	default:
		return 5
	}
}

// search assigns transactions to periods globally. Each transaction is
// claimed by at most one period; each period is either satisfied within
// tolerance or left unmatched. The solver maximizes the number of matched
// periods, then minimizes total badness, and is deterministic: options are
// tried in (badness, fewest transactions, earliest transactions) order.
func (e *Engine) search(periods []ExpectedAmount, txs []Transaction, candidates [][]int) []assignment {
	options := make([][]option, len(periods))
	for i, p := range periods {
		options[i] = e.optionsFor(p, txs, candidates[i])
	}

	best := make([]assignment, len(periods))
	for i := range best {
		best[i] = assignment{matched: false}
	}
	bestMatched, bestBadness := -1, 0

	current := make([]assignment, len(periods))
	used := make(map[int]bool)

	var solve func(i, matched, badness int) bool
	solve = func(i, matched, badness int) bool {
		if i == len(periods) {
			if matched > bestMatched || (matched == bestMatched && badness < bestBadness) {
				bestMatched, bestBadness = matched, badness
				copy(best, current)
				for j := range best {
					best[j].txs = append([]int(nil), current[j].txs...)
				}
			}
			return matched == len(periods)
		}
		for _, opt := range options[i] {
			conflict := false
			for _, idx := range opt.txs {
				if used[idx] {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			for _, idx := range opt.txs {
				used[idx] = true
			}
			current[i] = assignment{matched: true, kind: opt.kind, txs: opt.txs}
			done := solve(i+1, matched+1, badness+opt.badness)
			for _, idx := range opt.txs {
				delete(used, idx)
			}
			if done {
				return true
			}
		}
		// Leave the period unmatched and move on.
		current[i] = assignment{matched: false}
		return solve(i+1, matched, badness)
	}
	solve(0, 0, 0)

	return best
}

// optionsFor enumerates the subsets of candidate transactions that satisfy
// the period within tolerance, classified and sorted by preference.
func (e *Engine) optionsFor(p ExpectedAmount, txs []Transaction, candidates []int) []option {
	// Zero expected is satisfied by the empty assignment, full stop. The
	// engine never drafts real transactions into a no-payment month.
	if p.Amount == 0 {
		return []option{{kind: MatchEmpty}}
	}

	var opts []option
	maxSize := e.params.MaxSplit
	if maxSize > len(candidates) {
		maxSize = len(candidates)
	}

	var pick func(start int, chosen []int, sum int64)
	pick = func(start int, chosen []int, sum int64) {
		if len(chosen) > 0 && within(sum, p.Amount, e.params.AmountTolerance) {
			sel := append([]int(nil), chosen...)
			opts = append(opts, option{
				txs:  sel,
				kind: e.classify(p.Period, txs, sel),
			})
		}
		if len(chosen) == maxSize {
			return
		}
		for c := start; c < len(candidates); c++ {
			idx := candidates[c]
			amt := txs[idx].Amount
			if sum+amt > p.Amount+e.params.AmountTolerance {
				// Candidates are statement-ordered, not amount-ordered,
				// so keep scanning the rest.
				continue
			}
			pick(c+1, append(chosen, idx), sum+amt)
		}
	}
	pick(0, nil, 0)

	for i := range opts {
		opts[i].badness = kindBadness(opts[i].kind)
	}
	sort.SliceStable(opts, func(a, b int) bool {
		if opts[a].badness != opts[b].badness {
			return opts[a].badness < opts[b].badness
		}
		if len(opts[a].txs) != len(opts[b].txs) {
			return len(opts[a].txs) < len(opts[b].txs)
		}
		return lessIndexSeq(opts[a].txs, opts[b].txs)
	})

	return opts
}

// classify names how a subset satisfied its period. Base month is the month
// before the period; a transaction inside the boundary window of an adjacent
// month counts as boundary noise, not as pre/postpayment.
func (e *Engine) classify(period Month, txs []Transaction, sel []int) MatchKind {
	if len(sel) == 0 {
		return MatchEmpty
	}
	base := period.Prev()

	months := make(map[Month]bool)
	inBase := 0
	for _, idx := range sel {
		m := MonthOf(txs[idx].Date)
		months[m] = true
		if m == base {
			inBase++
		}
	}

	if len(sel) == 1 {
		idx := sel[0]
		m := MonthOf(txs[idx].Date)
		switch {
		case m == base:
			return MatchSingle
		case m == base.Prev():
			if withinDays(txs[idx].Date, base.Start(), e.params.BoundaryDays) {
				return MatchSingle
			}
			return MatchPrepaid
		default: // base.Next()
			if withinDays(txs[idx].Date, base.End(), e.params.BoundaryDays) {
				return MatchSingle
			}
			return MatchPostpaid
		}
	}

	switch len(months) {
	case 1:
		for m := range months {
			switch m {
			case base:
				return MatchIntraMonthSplit
			case base.Prev():
				return MatchPrepaid
			default:
				return MatchPostpaid
			}
		}
		return MatchIntraMonthSplit
	case 2:
		return MatchCrossMonthSplit
	default:
		return MatchMultiMonthSplit
	}
}

func within(sum, expected, tolerance int64) bool {
	d := sum - expected
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// withinDays reports whether t is within n days of the boundary instant.
func withinDays(t, boundary time.Time, n int) bool {
	d := t.Sub(boundary)
	if d < 0 {
		d = -d
	}
	return d <= time.Duration(n)*24*time.Hour
}

func sumOf(txs []Transaction, sel []int) int64 {
	var s int64
	for _, idx := range sel {
		s += txs[idx].Amount
	}
	return s
}

func lessIndexSeq(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
