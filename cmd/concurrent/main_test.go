package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/doctor"
	"github.com/mattjoyce/concurrent/internal/journal"
	"github.com/mattjoyce/concurrent/internal/log"
)

func TestMain(m *testing.M) {
	// Commands set up logging once per process; pin it away from the
	// captured stdout and stderr.
	log.SetupWriter("error", io.Discard)
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a minimal config into a temp dir and returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := "service:\n" +
		"  log_level: error\n" +
		"  pid_file: " + filepath.Join(dir, "concurrent.pid") + "\n" +
		"pool:\n" +
		"  min_threads: 1\n" +
		"  max_threads: 2\n" +
		"modules_dir: " + filepath.Join(dir, "modules") + "\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.0", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out versionInfo
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Version != "1.2.0" {
		t.Fatalf("version = %q, want %q", out.Version, "1.2.0")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunVersionRejectsPositionalArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"extra"})
	})
	if code != 1 {
		t.Fatalf("runVersion() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: concurrent version") {
		t.Fatalf("stderr = %q, want usage", stderr)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("stdout should contain usage, got %q", stdout)
	}
}

func TestRunCLINounHelp(t *testing.T) {
	for _, noun := range []string{"system", "config", "module"} {
		t.Run(noun, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int {
				return runCLI([]string{noun, "help"})
			})
			if code != 0 {
				t.Fatalf("runCLI(%s help) code = %d", noun, code)
			}
			if !strings.Contains(stdout, "Usage: concurrent "+noun) {
				t.Fatalf("stdout = %q", stdout)
			}
		})
	}
}

func TestRunConfigCheck(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeTestConfig(t, "")
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{"config", "check", "--config", path})
		})
		if code != 0 {
			t.Fatalf("config check code = %d, stderr: %s", code, stderr)
		}
		if !strings.Contains(stdout, "Configuration valid") || !strings.Contains(stdout, path) {
			t.Fatalf("stdout = %q", stdout)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		path := writeTestConfig(t, "modules:\n  math:\n    min_threads: 5\n")
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{"config", "check", "--json", "--config", path})
		})
		if code != 1 {
			t.Fatalf("config check code = %d, want 1", code)
		}
		var res doctor.Result
		if err := json.Unmarshal([]byte(stdout), &res); err != nil {
			t.Fatalf("parse JSON: %v\n%s", err, stdout)
		}
		if res.Valid || len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "modules.math") {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("unknown module override", func(t *testing.T) {
		path := writeTestConfig(t, "modules:\n  ghost:\n    max_threads: 1\n")
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runConfigCheck([]string{"--config", path})
		})
		if code != 1 || !strings.Contains(stdout, "module_refs") {
			t.Fatalf("code=%d stdout=%q", code, stdout)
		}
	})
}

func TestRunConfigGetAndSet(t *testing.T) {
	path := writeTestConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"--config", path, "pool.max_threads"})
	})
	if code != 0 {
		t.Fatalf("config get code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "2" {
		t.Fatalf("pool.max_threads = %q, want 2", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", path, "pool.max_threads=6"})
	})
	if code != 0 {
		t.Fatalf("config set code = %d, stderr: %s", code, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"--config", path, "pool.max_threads"})
	})
	if code != 0 || strings.TrimSpace(stdout) != "6" {
		t.Fatalf("after set: code=%d stdout=%q", code, stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", path, "pool.min_threads=9"})
	})
	if code != 1 || !strings.Contains(stderr, "validation failed") {
		t.Fatalf("invalid set: code=%d stderr=%q", code, stderr)
	}
}

func TestRunConfigShowEntity(t *testing.T) {
	path := writeTestConfig(t, "modules:\n  math:\n    max_threads: 4\n")
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", path, "--json", "module:math"})
	})
	if code != 0 {
		t.Fatalf("config show code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "4") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunCall(t *testing.T) {
	path := writeTestConfig(t, "")

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{name: "add", args: []string{"math", "add", "2", "3"}, wantOut: "5"},
		{name: "string result", args: []string{"math", "factorial", "5"}, wantOut: "120"},
		{name: "remote error", args: []string{"math", "fail", "boom"}, wantCode: 1, wantErr: "boom"},
		{name: "unknown function", args: []string{"math", "nope"}, wantCode: 1, wantErr: "unknown function"},
		{name: "wrong arity", args: []string{"math", "add", "1"}, wantCode: 1, wantErr: "wrong number of arguments"},
		{name: "unknown module", args: []string{"ghost", "fn"}, wantCode: 1, wantErr: "unknown module"},
		{name: "missing args", args: []string{"math"}, wantCode: 1, wantErr: "Usage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", path, "--timeout", "10s"}, tt.args...)
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCall(args)
			})
			if code != tt.wantCode {
				t.Fatalf("runCall() code = %d, want %d, stderr: %s", code, tt.wantCode, stderr)
			}
			if tt.wantOut != "" && strings.TrimSpace(stdout) != tt.wantOut {
				t.Fatalf("stdout = %q, want %q", stdout, tt.wantOut)
			}
			if tt.wantErr != "" && !strings.Contains(stderr, tt.wantErr) {
				t.Fatalf("stderr = %q, want it to contain %q", stderr, tt.wantErr)
			}
		})
	}
}

func TestParseArg(t *testing.T) {
	if got, ok := parseArg("42").(json.RawMessage); !ok || string(got) != "42" {
		t.Fatalf("parseArg(42) = %#v", parseArg("42"))
	}
	if got, ok := parseArg(`{"a":1}`).(json.RawMessage); !ok || string(got) != `{"a":1}` {
		t.Fatalf("parseArg(object) = %#v", parseArg(`{"a":1}`))
	}
	if got, ok := parseArg("hello").(string); !ok || got != "hello" {
		t.Fatalf("parseArg(hello) = %#v", parseArg("hello"))
	}
}

func TestRunModuleList(t *testing.T) {
	path := writeTestConfig(t, "")
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"module", "list", "--config", path})
	})
	if code != 0 {
		t.Fatalf("module list code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"math", "builtin", "add/2", "factorial/1"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunCalls(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	jr, err := journal.Open(context.Background(), dbPath, 8)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	now := time.Now()
	jr.Observe(dispatch.Record{
		ID: 1, Module: "math", Fn: "add", WorkerID: "w-1",
		Status: dispatch.StatusOK, IssuedAt: now.Add(-time.Millisecond), SettledAt: now,
	})
	jr.Observe(dispatch.Record{
		ID: 2, Module: "other", Fn: "fail", WorkerID: "w-2",
		Status: dispatch.StatusError, Error: "boom", IssuedAt: now, SettledAt: now,
	})
	if err := jr.Close(); err != nil {
		t.Fatalf("journal.Close: %v", err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCalls([]string{"--db", dbPath, "--module", "math", "--json"})
	})
	if code != 0 {
		t.Fatalf("calls code = %d, stderr: %s", code, stderr)
	}
	var entries []journal.Entry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("parse JSON: %v\n%s", err, stdout)
	}
	if len(entries) != 1 || entries[0].Fn != "add" {
		t.Fatalf("entries = %+v", entries)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCalls([]string{"--db", dbPath})
	})
	if code != 0 || !strings.Contains(stdout, "boom") || !strings.Contains(stdout, "STATUS") {
		t.Fatalf("table output: code=%d\n%s", code, stdout)
	}
}

func TestRunCallsMissingJournal(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCalls([]string{"--db", filepath.Join(t.TempDir(), "missing.db")})
	})
	if code != 1 || !strings.Contains(stderr, "Journal not found") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestRunWorkerRequiresModule(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWorker(nil)
	})
	if code != 1 || !strings.Contains(stderr, "--module") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestAPIConfigCarriesCallTimeout(t *testing.T) {
	path := writeTestConfig(t, "api:\n  enabled: true\n  listen: 127.0.0.1:0\n  call_timeout: 3s\n  auth:\n    api_key: k\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := apiConfig(cfg)
	if got.CallTimeout != 3*time.Second || got.APIKey != "k" || got.Listen != "127.0.0.1:0" {
		t.Fatalf("apiConfig = %+v", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" math, ,other ")
	if len(got) != 2 || got[0] != "math" || got[1] != "other" {
		t.Fatalf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Fatal("splitList(\"\") should be nil")
	}
}
