package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ktsujino/shinsa/internal/adverse"
	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/company"
	"github.com/ktsujino/shinsa/internal/config"
	"github.com/ktsujino/shinsa/internal/evidence"
	"github.com/ktsujino/shinsa/internal/fetch"
	"github.com/ktsujino/shinsa/internal/kintone"
	"github.com/ktsujino/shinsa/internal/ocr"
	"github.com/ktsujino/shinsa/internal/pipeline"
	"github.com/ktsujino/shinsa/internal/report"
	"github.com/ktsujino/shinsa/internal/store"
	"github.com/ktsujino/shinsa/internal/websearch"
)

// loadConfig loads config and rules, exiting on error.
func loadConfig() (*config.Config, *config.Rules) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shinsa: failed to load config: %v\n", err)
		os.Exit(1)
	}
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shinsa: failed to load rules: %v\n", err)
		os.Exit(1)
	}
	return cfg, rules
}

// openDB opens the cache database, exiting on error.
func openDB(cfg *config.Config) *store.Store {
	st, err := store.New(cfg.CachePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shinsa: failed to open cache db: %v\n", err)
		os.Exit(1)
	}
	return st
}

// buildProviders assembles the structured-completion provider chain from
// config, preferring the lower-priority-number model.
func buildProviders(cfg *config.Config) *brain.ProviderManager {
	pm := brain.NewProviderManager()
	if cfg.Models.Claude.Enabled && cfg.Models.Claude.APIKey != "" {
		pm.AddProvider(brain.NewClaudeProvider(cfg.Models.Claude.APIKey, cfg.Models.Claude.Model))
	}
	if cfg.Models.OpenAI.Enabled && cfg.Models.OpenAI.APIKey != "" {
		pm.AddProvider(brain.NewOpenAIProvider(cfg.Models.OpenAI.APIKey, cfg.Models.OpenAI.Model))
	}
	if cfg.Models.OpenAI.Enabled && cfg.Models.Claude.Enabled &&
		cfg.Models.OpenAI.Priority < cfg.Models.Claude.Priority {
		pm.SetPreferred("openai")
	} else {
		pm.SetPreferred("claude")
	}
	return pm
}

// buildRunner wires the full pipeline from config.
func buildRunner(cfg *config.Config, rules *config.Rules, db *store.Store) *pipeline.Runner {
	pm := buildProviders(cfg)

	search := websearch.NewClient(cfg.Search.Endpoint, cfg.Search.APIKey, cfg.Search.MaxResults)
	articles := &pipeline.CachingFetcher{
		Inner: fetch.NewFetcher(30 * time.Second),
		DB:    db,
	}

	filter := adverse.NewFilter(pm, search, articles, adverse.Params{
		Stage1AgeMarginYears: rules.Matching.Stage1AgeMarginYears,
		Stage2AgeBandYears:   rules.Matching.Stage2AgeBandYears,
	}, rules.SocialDomains)

	return pipeline.NewRunner(
		rules,
		kintone.NewClient(cfg.Kintone.BaseURL, cfg.Kintone.APIToken, cfg.Kintone.AppID),
		ocr.NewClient(cfg.OCR.Endpoint, cfg.OCR.APIKey, cfg.OCR.PageWindow),
		evidence.NewExtractor(pm),
		filter,
		company.NewVerifier(pm, search),
		report.NewLLMRenderer(pm),
		db,
	)
}
