package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/concurrent/internal/tui/monitor"
)

const envAPIKey = "CONCURRENT_API_KEY"

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Base URL of a running concurrent API")
	apiKey := fs.String("api-key", os.Getenv(envAPIKey), "API key (defaults to $"+envAPIKey+")")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := monitor.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
		return 1
	}
	return 0
}
