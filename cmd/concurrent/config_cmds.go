package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/doctor"
	"github.com/mattjoyce/concurrent/internal/log"
)

// readFlags are shared by the read-only config actions.
type readFlags struct {
	fs     *flag.FlagSet
	config *string
	json   *bool
}

func parseReadFlags(action string, args []string) (readFlags, bool) {
	f := readFlags{fs: flag.NewFlagSet(action, flag.ContinueOnError)}
	f.config = f.fs.String("config", "", "Path to configuration file or directory")
	f.json = f.fs.Bool("json", false, "Output in structured JSON format")
	if err := f.fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return f, false
	}
	return f, true
}

func runConfigCheck(args []string) int {
	f, ok := parseReadFlags("check", args)
	if !ok {
		return 1
	}

	cfg, res := checkConfig(*f.config)
	if *f.json {
		out, err := doctor.FormatJSON(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		if cfg != nil && cfg.SourceFile != "" {
			fmt.Printf("Config: %s\n", cfg.SourceFile)
		}
		fmt.Print(doctor.FormatHuman(res))
	}
	if !res.Valid {
		return 1
	}
	return 0
}

// checkConfig loads the config and runs the doctor against the modules it
// resolves. Load and discovery failures become single-error results.
func checkConfig(path string) (*config.Config, *doctor.Result) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, doctor.Failed("config", err)
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)
	reg, err := buildRegistry(cfg)
	if err != nil {
		return cfg, doctor.Failed("modules", err)
	}
	return cfg, doctor.New(cfg, reg).Validate()
}

func runConfigShow(args []string) int {
	f, ok := parseReadFlags("show", args)
	if !ok {
		return 1
	}
	var path string
	if f.fs.NArg() > 0 {
		path = f.fs.Arg(0)
	}
	val, err := lookupConfig(*f.config, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *f.json {
		printJSON(val)
		return 0
	}
	data, err := yaml.Marshal(val)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	f, ok := parseReadFlags("get", args)
	if !ok {
		return 1
	}
	if f.fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: concurrent config get [--json] <path>")
		return 1
	}
	val, err := lookupConfig(*f.config, f.fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *f.json {
		printJSON(val)
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

// lookupConfig returns the whole config for an empty path, otherwise the value
// at a dot path or module:<name> address.
func lookupConfig(configPath, path string) (any, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	return cfg.GetPath(path)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")

	// The assignment may sit before or after flags.
	var assignment string
	flags := make([]string, 0, len(args))
	for _, arg := range args {
		if assignment == "" && !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			assignment = arg
			continue
		}
		flags = append(flags, arg)
	}
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path, value, found := strings.Cut(assignment, "=")
	if !found || path == "" {
		fmt.Fprintln(os.Stderr, "Usage: concurrent config set [--config <file>] <path>=<value>")
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if err := cfg.SetPath(path, value); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully set %q to %q in %s\n", path, value, cfg.SourceFile)
	return 0
}
