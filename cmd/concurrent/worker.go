package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/concurrent/internal/builtin"
	"github.com/mattjoyce/concurrent/internal/host"
	"github.com/mattjoyce/concurrent/internal/log"
)

// runWorker serves one builtin module over stdin/stdout. Pools start it for
// modules configured with process isolation.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	name := fs.String("module", "", "Builtin module to serve")
	level := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: concurrent worker --module <name>")
		return 1
	}

	log.SetupWriter(*level, os.Stderr)

	mod, ok := builtin.Lookup(*name)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown builtin module: %s\n", *name)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := host.Serve(ctx, os.Stdin, os.Stdout, mod); err != nil && !errors.Is(err, context.Canceled) {
		log.WithModule(*name).Error("worker stopped", "error", err)
		return 1
	}
	return 0
}
