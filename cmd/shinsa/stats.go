package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	limit := fs.Int("n", 10, "Number of recent runs to show")
	fs.Parse(os.Args[1:])

	cfg, _ := loadConfig()
	st := openDB(cfg)
	defer st.Close()

	runs, _ := st.RunCount()
	fmt.Printf("Total runs:            %d\n", runs)

	ocrCached, _ := st.OCRCacheCount()
	fmt.Printf("Cached OCR results:    %d\n", ocrCached)

	articles, _ := st.ArticleCacheCount()
	fmt.Printf("Cached articles:       %d\n", articles)

	recent, err := st.RecentRuns(*limit)
	if err != nil || len(recent) == 0 {
		return
	}

	fmt.Printf("\nRecent runs (%d):\n", len(recent))
	for _, r := range recent {
		dur := ""
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("  %s  case=%s  %s  %s\n", r.StartedAt.Format("2006-01-02 15:04"), r.CaseID, r.Status, dur)
		if r.StatementPhase != "" {
			fmt.Printf("      purchase=%s statement=%s identity=%s\n",
				r.PurchasePhase, r.StatementPhase, r.IdentityPhase)
		}
		if r.Error != "" {
			fmt.Printf("      error: %s\n", r.Error)
		}
	}
}
