// Command shinsa runs the factoring-application underwriting pipeline.
//
// Usage:
//
//	shinsa                  Show help
//	shinsa run -case <id>   Run one case end-to-end and print the report
//	shinsa stats            Cache and run-audit statistics
//	shinsa config           Print the resolved configuration (redacted)
package main

import (
	"fmt"
	"os"
)

const usage = `shinsa — factoring underwriting pipeline

Usage:
  shinsa <command> [flags]

Commands:
  run         Run one case end-to-end (requires -case)
  stats       Cache and run-audit statistics
  config      Print the resolved configuration with secrets redacted

Environment:
  KINTONE_BASE_URL     Record store base URL
  KINTONE_API_TOKEN    Record store API token
  KINTONE_APP_ID       Record store app ID
  ANTHROPIC_API_KEY    Claude API key
  OPENAI_API_KEY       OpenAI API key
  SHINSA_OCR_ENDPOINT  OCR backend endpoint
  SHINSA_SEARCH_ENDPOINT  Web search backend endpoint

Run 'shinsa <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "run":
		runCase()
	case "stats":
		runStats()
	case "config":
		runConfig()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "shinsa: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
