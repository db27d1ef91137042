package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ktsujino/shinsa/internal/config"
)

func runConfig() {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	initFile := fs.Bool("init", false, "Write the current resolved config to the config file")
	fs.Parse(os.Args[1:])

	cfg, rules := loadConfig()

	if *initFile {
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "shinsa config: failed to save: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("config written to %s\n", config.ConfigPath())
		return
	}

	payload, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "shinsa config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(payload))

	fmt.Printf("\nrules file: %s\n", cfg.RulesFile)
	fmt.Printf("known lenders: %d\n", len(rules.Lenders))
	fmt.Printf("excluded social domains: %d\n", len(rules.SocialDomains))
}
