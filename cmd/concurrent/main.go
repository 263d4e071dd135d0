package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "module":
		return runModuleNoun(args)

	// --- ROOT ALIASES ---
	case "serve":
		return runServe(args)
	case "call":
		return runCall(args)
	case "calls":
		return runCalls(args)
	case "monitor":
		return runMonitor(args)

	// Started by pools for builtin modules with process isolation.
	case "worker":
		return runWorker(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: concurrent version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("concurrent %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = commit[:min(len(commit), 12)]
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`concurrent - run module exports in parallel on elastic worker pools

Usage:
  concurrent <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and monitoring
  config    Configuration inspection and edits
  module    Module discovery and invocation

System Commands:
  system serve      Start the service in foreground (API, journal, pools)
  system monitor    Real-time pool monitor TUI

Config Commands:
  config check      Validate configuration
  config show       Print the effective configuration
  config get <path> Read one value (e.g. pool.max_threads, module:math)
  config set <path>=<value>  Change one value in the config file

Module Commands:
  module list       Show registered modules and their exports
  module call <module> <fn> [args...]  Call an export and print the result

Shortcuts:
  serve, monitor, call    Same as the commands above
  calls                   Show recent calls from the journal

General:
  version           Show version information
  help              Show this help message

Use 'concurrent <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]
	switch {
	case isHelpToken(action):
		printSystemNounHelp(os.Stdout)
		return 0
	case action == "serve" || action == "start":
		return runServe(actionArgs)
	case action == "monitor":
		return runMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]
	switch {
	case isHelpToken(action):
		printConfigNounHelp(os.Stdout)
		return 0
	case action == "check":
		return runConfigCheck(actionArgs)
	case action == "show":
		return runConfigShow(actionArgs)
	case action == "get":
		return runConfigGet(actionArgs)
	case action == "set":
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runModuleNoun(args []string) int {
	if len(args) < 1 {
		printModuleNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]
	switch {
	case isHelpToken(action):
		printModuleNounHelp(os.Stdout)
		return 0
	case action == "list":
		return runModuleList(actionArgs)
	case action == "call":
		return runCall(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown module action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: concurrent system <action>")
	fmt.Fprintln(w, "Actions: serve, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: concurrent config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get, set")
}

func printModuleNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: concurrent module <action>")
	fmt.Fprintln(w, "Actions: list, call")
}
