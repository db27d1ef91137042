package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ktsujino/shinsa/internal/logging"
)

func runCase() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	caseID := fs.String("case", "", "Case record ID to process (required)")
	outPath := fs.String("o", "", "Write the report HTML to this file instead of stdout")
	jsonOut := fs.Bool("json", false, "Print the report input JSON instead of HTML")
	fs.Parse(os.Args[1:])

	if *caseID == "" {
		fmt.Fprintln(os.Stderr, "shinsa run: -case is required")
		fs.Usage()
		os.Exit(1)
	}

	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "shinsa: failed to init logging: %v\n", err)
	}
	defer logging.Close()

	cfg, rules := loadConfig()
	db := openDB(cfg)
	defer db.Close()

	runner := buildRunner(cfg, rules, db)

	out, err := runner.Run(context.Background(), *caseID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shinsa run: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		payload, err := json.MarshalIndent(out.Input, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "shinsa run: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	if out.HTML == "" {
		fmt.Fprintln(os.Stderr, "shinsa run: analyses completed but no report HTML was produced; use -json for the raw result")
		payload, _ := json.MarshalIndent(out.Input, "", "  ")
		fmt.Println(string(payload))
		os.Exit(1)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(out.HTML), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "shinsa run: failed to write %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		fmt.Printf("report written to %s (run %s)\n", *outPath, out.RunID)
		return
	}
	fmt.Print(out.HTML)
}
