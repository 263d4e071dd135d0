package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/engine"
	"github.com/mattjoyce/concurrent/internal/journal"
	"github.com/mattjoyce/concurrent/internal/storage"
)

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the result")
	jsonOut := fs.Bool("json", false, "Print the raw JSON result")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: concurrent call [flags] <module> <fn> [args...]")
		return 1
	}
	modName, fn := fs.Arg(0), fs.Arg(1)

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	eng := engine.New(cfg, reg)
	defer func() { _ = eng.Terminate(context.Background(), true) }()

	px, err := eng.Load(ctx, modName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load module: %v\n", err)
		return 1
	}

	callArgs := make([]any, 0, fs.NArg()-2)
	for _, a := range fs.Args()[2:] {
		callArgs = append(callArgs, parseArg(a))
	}

	fut, err := px.Call(ctx, fn, callArgs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
		return 1
	}
	value, err := fut.Await(ctx)
	if err != nil {
		var remote *dispatch.RemoteError
		if errors.As(err, &remote) && remote.Stack != "" {
			fmt.Fprintf(os.Stderr, "Call failed: %v\n%s\n", err, remote.Stack)
		} else {
			fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
		}
		return 1
	}

	if *jsonOut {
		fmt.Println(string(value))
		return 0
	}
	var s string
	if json.Unmarshal(value, &s) == nil {
		fmt.Println(s)
		return 0
	}
	fmt.Println(string(value))
	return 0
}

// parseArg treats a command-line argument as JSON, falling back to a plain string.
func parseArg(a string) any {
	if json.Valid([]byte(a)) {
		return json.RawMessage(a)
	}
	return a
}

func runCalls(args []string) int {
	fs := flag.NewFlagSet("calls", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dbPath := fs.String("db", "", "Journal database (defaults to journal.path)")
	modName := fs.String("module", "", "Only show calls to this module")
	limit := fs.Int("limit", 20, "Maximum number of calls")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Journal.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Journal not found at %s: %v\n", path, err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	entries, err := journal.Recent(ctx, db, *modName, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(entries)
		return 0
	}
	if len(entries) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODULE\tFN\tSTATUS\tDURATION\tSETTLED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Module, e.Fn, e.Status,
			time.Duration(e.DurationMicros)*time.Microsecond,
			e.SettledAt.Local().Format(time.DateTime),
			e.Error)
	}
	_ = w.Flush()
	return 0
}

func runModuleList(args []string) int {
	fs := flag.NewFlagSet("module list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	mods := engine.New(cfg, reg).Modules()

	if *jsonOut {
		printJSON(mods)
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tVERSION\tEXPORTS")
	for _, m := range mods {
		exports := make([]string, 0, len(m.Exports))
		for _, sig := range m.Exports {
			exports = append(exports, fmt.Sprintf("%s/%d", sig.Name, sig.Arity))
		}
		version := m.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Kind, version, strings.Join(exports, ", "))
	}
	_ = w.Flush()
	return 0
}
