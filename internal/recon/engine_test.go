package recon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func tx(y int, m time.Month, d int, amount int64, payer string) Transaction {
	return Transaction{
		Date:            day(y, m, d),
		Amount:          amount,
		CounterpartyRaw: payer,
		SourceDocument:  "statement-1.pdf",
	}
}

func expectAmounts(key string, rows ...ExpectedAmount) Counterparty {
	return Counterparty{
		Key:      key,
		Name:     key,
		Expected: rows,
	}
}

func TestReconcileBoundarySplitScenario(t *testing.T) {
	// Expected Aug=1,000,000 / Sep=6,500,000 / Oct=1,600,000. The ledger
	// pays Aug with a single July transfer, Sep with a split straddling the
	// July/August boundary, and Oct with a single September transfer.
	cp := expectAmounts("ヤマダ商事",
		ExpectedAmount{CounterpartyKey: "ヤマダ商事", Period: Month{2025, time.August}, Amount: 1_000_000},
		ExpectedAmount{CounterpartyKey: "ヤマダ商事", Period: Month{2025, time.September}, Amount: 6_500_000},
		ExpectedAmount{CounterpartyKey: "ヤマダ商事", Period: Month{2025, time.October}, Amount: 1_600_000},
	)
	ledger := []Transaction{
		tx(2025, time.July, 4, 1_000_000, "ヤマダ商事"),
		tx(2025, time.July, 31, 5_000_000, "ヤマダ商事"),
		tx(2025, time.August, 20, 1_500_000, "ヤマダ商事"),
		tx(2025, time.September, 4, 1_600_000, "ヤマダ商事"),
	}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 3)

	aug, sep, oct := verdicts[0], verdicts[1], verdicts[2]

	assert.True(t, aug.Matched)
	assert.Equal(t, MatchSingle, aug.Kind)
	require.Len(t, aug.MatchedTransactions, 1)
	assert.Equal(t, day(2025, time.July, 4), aug.MatchedTransactions[0].Date)

	assert.True(t, sep.Matched)
	assert.Equal(t, MatchCrossMonthSplit, sep.Kind)
	assert.Equal(t, int64(6_500_000), sep.MatchedAmount)
	require.Len(t, sep.MatchedTransactions, 2)

	assert.True(t, oct.Matched)
	assert.Equal(t, MatchSingle, oct.Kind)
	require.Len(t, oct.MatchedTransactions, 1)
	assert.Equal(t, day(2025, time.September, 4), oct.MatchedTransactions[0].Date)

	for _, v := range verdicts {
		assert.True(t, v.HasPriorHistory)
	}
}

func TestReconcileZeroExpectedIsMatchNotHistory(t *testing.T) {
	cp := expectAmounts("スズキ建設",
		ExpectedAmount{CounterpartyKey: "スズキ建設", Period: Month{2025, time.September}, Amount: 0},
	)

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, nil)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.True(t, v.Matched, "zero expected with no transactions is a match")
	assert.Equal(t, MatchEmpty, v.Kind)
	assert.Empty(t, v.MatchedTransactions)
	assert.False(t, v.HasPriorHistory, "an empty match must not count as payment history")
}

func TestReconcileZeroExpectedNeverClaimsTransactions(t *testing.T) {
	cp := expectAmounts("タナカ物流",
		ExpectedAmount{CounterpartyKey: "タナカ物流", Period: Month{2025, time.August}, Amount: 0},
		ExpectedAmount{CounterpartyKey: "タナカ物流", Period: Month{2025, time.September}, Amount: 500},
	)
	// 500 is within tolerance of both periods' expected amounts, but the
	// zero period must stay empty and leave the transfer to September.
	ledger := []Transaction{tx(2025, time.August, 10, 500, "タナカ物流")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 2)

	assert.Empty(t, verdicts[0].MatchedTransactions)
	assert.True(t, verdicts[0].Matched)
	assert.True(t, verdicts[1].Matched)
	require.Len(t, verdicts[1].MatchedTransactions, 1)
}

func TestReconcileWithinToleranceOrUnmatched(t *testing.T) {
	cp := expectAmounts("サトウ工業",
		ExpectedAmount{CounterpartyKey: "サトウ工業", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	ledger := []Transaction{tx(2025, time.August, 25, 998_000, "サトウ工業")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.False(t, v.Matched, "2,000 off is outside the 1,000 tolerance")
	assert.Equal(t, MatchUnmatched, v.Kind)
	assert.Zero(t, v.MatchedAmount)
	require.Len(t, v.UnmatchedTransactions, 1, "the near miss is listed")
}

func TestReconcileToleranceBoundary(t *testing.T) {
	cp := expectAmounts("サトウ工業",
		ExpectedAmount{CounterpartyKey: "サトウ工業", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	ledger := []Transaction{tx(2025, time.August, 25, 999_000, "サトウ工業")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Matched, "exactly at tolerance still matches")
	assert.Equal(t, int64(999_000), verdicts[0].MatchedAmount)
}

func TestReconcileNoDoubleCounting(t *testing.T) {
	cp := expectAmounts("ナカムラ運輸",
		ExpectedAmount{CounterpartyKey: "ナカムラ運輸", Period: Month{2025, time.September}, Amount: 1_000_000},
		ExpectedAmount{CounterpartyKey: "ナカムラ運輸", Period: Month{2025, time.October}, Amount: 1_000_000},
	)
	// One transfer, eligible for both periods. Only one period may claim it.
	ledger := []Transaction{tx(2025, time.September, 1, 1_000_000, "ナカムラ運輸")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 2)

	matched := 0
	for _, v := range verdicts {
		matched += len(v.MatchedTransactions)
	}
	assert.Equal(t, 1, matched, "one transaction appears in exactly one matched set")
}

func TestReconcileAllPrefixOverlapClaimsOnce(t *testing.T) {
	// Two counterparties whose normalized names share a prefix: the
	// truncation tolerance would let either claim the transfer in isolation.
	// Joint attribution gives it to the exact-name owner, and only to it.
	shorter := expectAmounts("アオキ",
		ExpectedAmount{CounterpartyKey: "アオキ", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	longer := expectAmounts("アオキ物産",
		ExpectedAmount{CounterpartyKey: "アオキ物産", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	ledger := []Transaction{tx(2025, time.August, 25, 1_000_000, "アオキ物産")}

	verdicts := NewEngine(DefaultParams()).ReconcileAll([]Counterparty{shorter, longer}, ledger)
	require.Len(t, verdicts, 2)

	total := 0
	for _, v := range verdicts {
		total += len(v.MatchedTransactions)
	}
	assert.Equal(t, 1, total, "one transfer satisfies exactly one counterparty")

	for _, v := range verdicts {
		if v.CounterpartyKey == "アオキ物産" {
			assert.True(t, v.Matched, "the exact-name owner claims the transfer")
		} else {
			assert.False(t, v.Matched)
			assert.Empty(t, v.UnmatchedTransactions, "the transfer is not even a near miss for the other")
		}
	}
}

func TestReconcileAllAmbiguousPayerGoesToFirstListed(t *testing.T) {
	// A truncated payer name that matches both counterparties only via the
	// prefix tolerance. No exact owner exists, so the tie breaks to the
	// counterparty listed first, deterministically.
	first := expectAmounts("アオキ建設",
		ExpectedAmount{CounterpartyKey: "アオキ建設", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	second := expectAmounts("アオキ建材",
		ExpectedAmount{CounterpartyKey: "アオキ建材", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	ledger := []Transaction{tx(2025, time.August, 25, 1_000_000, "アオキ")}

	verdicts := NewEngine(DefaultParams()).ReconcileAll([]Counterparty{first, second}, ledger)
	require.Len(t, verdicts, 2)

	assert.True(t, verdicts[0].Matched)
	assert.Equal(t, "アオキ建設", verdicts[0].CounterpartyKey)
	assert.False(t, verdicts[1].Matched)
}

func TestReconcileIntraMonthSplit(t *testing.T) {
	cp := expectAmounts("コバヤシ電機",
		ExpectedAmount{CounterpartyKey: "コバヤシ電機", Period: Month{2025, time.September}, Amount: 3_000_000},
	)
	ledger := []Transaction{
		tx(2025, time.August, 10, 1_800_000, "コバヤシ電機"),
		tx(2025, time.August, 25, 1_200_000, "コバヤシ電機"),
	}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Matched)
	assert.Equal(t, MatchIntraMonthSplit, verdicts[0].Kind)
}

func TestReconcilePostpaid(t *testing.T) {
	cp := expectAmounts("イトウ製作所",
		ExpectedAmount{CounterpartyKey: "イトウ製作所", Period: Month{2025, time.September}, Amount: 2_000_000},
	)
	// Base month is August; a transfer deep into September is a postpayment.
	ledger := []Transaction{tx(2025, time.September, 25, 2_000_000, "イトウ製作所")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Matched)
	assert.Equal(t, MatchPostpaid, verdicts[0].Kind)
}

func TestReconcileAttributionTolerantOfPayerNoise(t *testing.T) {
	cp := Counterparty{
		Key:     "yamada",
		Name:    "株式会社山田商事",
		Aliases: []string{"ヤマダショウジ"},
		Expected: []ExpectedAmount{
			{CounterpartyKey: "yamada", Period: Month{2025, time.September}, Amount: 1_000_000},
		},
	}
	// Bank statements carry the payer as half-width katakana with the
	// legal-entity marker abbreviated.
	ledger := []Transaction{tx(2025, time.August, 28, 1_000_000, "ｶ)ﾔﾏﾀﾞｼｮｳｼﾞ")}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Matched)
}

func TestReconcileIgnoresOutflowsAndStrangers(t *testing.T) {
	cp := expectAmounts("ワタナベ商店",
		ExpectedAmount{CounterpartyKey: "ワタナベ商店", Period: Month{2025, time.September}, Amount: 1_000_000},
	)
	ledger := []Transaction{
		tx(2025, time.August, 20, -1_000_000, "ワタナベ商店"), // outflow
		tx(2025, time.August, 21, 1_000_000, "別会社"),      // unrelated payer
	}

	verdicts := NewEngine(DefaultParams()).Reconcile(cp, ledger)
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Matched)
	assert.Empty(t, verdicts[0].UnmatchedTransactions)
}

func TestUnavailableIsDistinguishable(t *testing.T) {
	cp := expectAmounts("ヤマダ商事",
		ExpectedAmount{CounterpartyKey: "ヤマダ商事", Period: Month{2025, time.September}, Amount: 1_000_000},
	)

	verdicts := NewEngine(DefaultParams()).Unavailable(cp, "bank statement extraction failed")
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Matched)
	assert.True(t, verdicts[0].Unavailable)
	assert.NotEmpty(t, verdicts[0].Note)
}

func TestMonthHelpers(t *testing.T) {
	m := Month{2025, time.January}
	assert.Equal(t, Month{2024, time.December}, m.Prev())
	assert.Equal(t, Month{2025, time.February}, m.Next())
	assert.True(t, m.Contains(day(2025, time.January, 31)))
	assert.False(t, m.Contains(day(2025, time.February, 1)))
	assert.Equal(t, "2025-01", m.String())
}
