// Package builtin holds modules compiled into the binary. They can be hosted
// in-process or in a re-exec of the binary via "concurrent worker".
package builtin

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mattjoyce/concurrent/internal/module"
)

// maxFactorial keeps factorial results to a sane size.
const maxFactorial = 1000

// Math is a small arithmetic module, handy for trying out pools.
var Math = module.New("math",
	module.Func2("add", func(_ context.Context, a, b float64) (float64, error) {
		return a + b, nil
	}).Describe("Returns a+b."),
	module.Func1("double", func(_ context.Context, x float64) (float64, error) {
		return 2 * x, nil
	}).Describe("Returns 2*x."),
	module.Func1("factorial", factorial).Describe("Returns n! as a decimal string."),
	module.Func1("fail", func(_ context.Context, msg string) (any, error) {
		return nil, errors.New(msg)
	}).Describe("Always fails with the given message."),
	module.Func1("sleep", sleep).Describe("Sleeps for ms milliseconds and returns ms."),
)

func factorial(ctx context.Context, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("factorial of negative number %d", n)
	}
	if n > maxFactorial {
		return "", fmt.Errorf("factorial argument %d exceeds %d", n, maxFactorial)
	}
	out := big.NewInt(1)
	for i := 2; i <= n; i++ {
		if i%64 == 0 && ctx.Err() != nil {
			return "", ctx.Err()
		}
		out.Mul(out, big.NewInt(int64(i)))
	}
	return out.String(), nil
}

func sleep(ctx context.Context, ms int) (int, error) {
	if ms < 0 {
		return 0, fmt.Errorf("negative duration %d", ms)
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// All returns every builtin module.
func All() []*module.Module {
	return []*module.Module{Math}
}

// Lookup returns the builtin module with the given name.
func Lookup(name string) (*module.Module, bool) {
	for _, m := range All() {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
