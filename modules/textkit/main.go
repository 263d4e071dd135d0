// Command textkit is an exec module: it serves a few text functions over the
// worker protocol on stdin/stdout. Build it next to its manifest:
//
//	go build -o modules/textkit/textkit ./modules/textkit
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/concurrent/internal/host"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
)

// crashExitCode is the status crash exits with.
const crashExitCode = 3

var textkit = module.New("textkit",
	module.Func1("upper", func(_ context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	}).Describe("Upper-cases s."),
	module.Func1("words", func(_ context.Context, s string) ([]string, error) {
		return strings.FieldsFunc(s, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}), nil
	}).Describe("Splits s into words."),
	module.Func1("digest", func(_ context.Context, s string) (string, error) {
		sum := blake3.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	}).Describe("BLAKE3 hex digest of s."),
	module.Func2("repeat", repeat).Describe("Repeats s n times."),
	module.Func0("pid", func(context.Context) (int, error) {
		return os.Getpid(), nil
	}).Describe("Process id of the worker serving the call."),
	module.Func0("crash", func(context.Context) (any, error) {
		os.Exit(crashExitCode)
		return nil, nil
	}).Describe("Exits the worker without answering."),
)

func repeat(_ context.Context, s string, n int) (string, error) {
	if n < 0 {
		return "", errors.New("n must not be negative")
	}
	if len(s)*n > 1<<20 {
		return "", fmt.Errorf("result would exceed %d bytes", 1<<20)
	}
	return strings.Repeat(s, n), nil
}

func main() {
	level := os.Getenv("TEXTKIT_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	log.SetupWriter(level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := host.Serve(ctx, os.Stdin, os.Stdout, textkit); err != nil && !errors.Is(err, context.Canceled) {
		log.WithModule(textkit.Name).Error("textkit stopped", "error", err)
		os.Exit(1)
	}
}
