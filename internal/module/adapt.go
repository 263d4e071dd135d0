package module

import (
	"context"
	"encoding/json"
	"fmt"
)

// Func0 adapts a typed zero-argument function into an Export.
func Func0[R any](name string, fn func(ctx context.Context) (R, error)) Export {
	return Export{
		Signature: Signature{Name: name, Arity: 0},
		Fn: func(ctx context.Context, args []json.RawMessage) (any, error) {
			return fn(ctx)
		},
	}
}

// Func1 adapts a typed one-argument function into an Export.
func Func1[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Export {
	return Export{
		Signature: Signature{Name: name, Arity: 1},
		Fn: func(ctx context.Context, args []json.RawMessage) (any, error) {
			a, err := decodeArg[A](args, 0)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

// Func2 adapts a typed two-argument function into an Export.
func Func2[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) Export {
	return Export{
		Signature: Signature{Name: name, Arity: 2},
		Fn: func(ctx context.Context, args []json.RawMessage) (any, error) {
			a, err := decodeArg[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := decodeArg[B](args, 1)
			if err != nil {
				return nil, err
			}
			return fn(ctx, a, b)
		},
	}
}

// Describe sets the export's description.
func (e Export) Describe(desc string) Export {
	e.Description = desc
	return e
}

func decodeArg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("%w: missing argument %d", ErrArity, i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}
