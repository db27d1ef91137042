package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the per-run lookup tables and matching constants. Loaded once
// at startup and passed into each component as an immutable value; nothing
// reads this from a package-level singleton.
type Rules struct {
	// Lenders is the registry of known third-party short-term financiers.
	// Transactions are matched against it on the payer/payee name field.
	Lenders []LenderEntry `yaml:"lenders"`

	// SocialDomains are excluded from adverse-media review regardless of
	// content. Reliability policy, not relevance policy.
	SocialDomains []string `yaml:"social_domains"`

	// Matching holds the tuning constants for reconciliation, debt-cycle
	// pairing and adverse-media filtering.
	Matching MatchingRules `yaml:"matching"`
}

// LenderEntry names one known financier and its spelling variants as they
// appear on bank statements (kana payer names, truncated forms).
type LenderEntry struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// MatchingRules are the empirically tuned constants. They default to the
// values the underwriting team settled on; the rules file can override any
// of them without a rebuild.
type MatchingRules struct {
	AmountTolerance        int64   `yaml:"amount_tolerance"`         // +/- currency units per period
	BoundaryDays           int     `yaml:"boundary_days"`            // month-boundary pull window
	MaxSplit               int     `yaml:"max_split"`                // transactions per split payment
	ReviewMonths           int     `yaml:"review_months"`            // trailing review window
	PairMinRatio           float64 `yaml:"pair_min_ratio"`           // outflow/inflow lower bound
	PairMaxRatio           float64 `yaml:"pair_max_ratio"`           // outflow/inflow upper bound
	OpenDebtAgeDays        int     `yaml:"open_debt_age_days"`       // unpaired inflow maturity age
	SimultaneousWindowDays int     `yaml:"simultaneous_window_days"` // cross-lender inflow window
	Stage1AgeMarginYears   int     `yaml:"stage1_age_margin_years"`  // triage contradiction margin
	Stage2AgeBandYears     int     `yaml:"stage2_age_band_years"`    // full-text age band
}

// DefaultRules returns the rule set used when no rules file exists.
func DefaultRules() *Rules {
	return &Rules{
		SocialDomains: []string{
			"twitter.com",
			"x.com",
			"facebook.com",
			"instagram.com",
			"tiktok.com",
			"youtube.com",
			"linkedin.com",
			"ameblo.jp",
			"note.com",
		},
		Matching: MatchingRules{
			AmountTolerance:        1000,
			BoundaryDays:           7,
			MaxSplit:               4,
			ReviewMonths:           3,
			PairMinRatio:           0.90,
			PairMaxRatio:           1.15,
			OpenDebtAgeDays:        60,
			SimultaneousWindowDays: 15,
			Stage1AgeMarginYears:   10,
			Stage2AgeBandYears:     5,
		},
	}
}

// LoadRules reads the rules file, layering it over the defaults so a partial
// file only overrides what it names.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	return rules, nil
}
