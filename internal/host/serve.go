// Package host runs a module on the worker side of the protocol: it decodes
// calls from a reader, executes them against a module.Module and writes
// responses back.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/protocol"
)

// Serve reads calls from r until EOF or ctx is cancelled, executing each
// concurrently against mod and writing the matching response to w.
//
// On EOF Serve waits for in-flight calls to finish before returning nil.
// When ctx is cancelled it returns ctx.Err() without waiting.
func Serve(ctx context.Context, r io.Reader, w io.Writer, mod *module.Module) error {
	logger := log.WithModule(mod.Name)
	dec := protocol.NewDecoder(r)
	out := &responder{enc: protocol.NewEncoder(w), logger: logger}

	var wg sync.WaitGroup
	calls := make(chan *protocol.Call)
	readErr := make(chan error, 1)

	go func() {
		defer close(calls)
		for {
			c, err := dec.DecodeCall()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case calls <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-calls:
			if !ok {
				wg.Wait()
				select {
				case err := <-readErr:
					return fmt.Errorf("read call: %w", err)
				default:
					return nil
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				out.send(execute(ctx, mod, c))
			}()
		}
	}
}

type responder struct {
	mu     sync.Mutex
	enc    *protocol.Encoder
	logger *slog.Logger
}

func (r *responder) send(resp *protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.EncodeResponse(resp); err != nil {
		// The pool side is gone after a forced terminate.
		r.logger.Debug("failed to write response", "call_id", resp.ID, "error", err)
	}
}

// execute runs one call. Panics in the export are reported as failures
// carrying the goroutine stack.
func execute(ctx context.Context, mod *module.Module, c *protocol.Call) (resp *protocol.Response) {
	defer func() {
		if p := recover(); p != nil {
			resp = protocol.Failure(c.ID, fmt.Sprintf("panic: %v", p), string(debug.Stack()))
		}
	}()

	exp, ok := mod.Lookup(c.Fn)
	if !ok {
		return protocol.Failure(c.ID, fmt.Sprintf("%s: %s.%s", module.ErrUnknownFunction, mod.Name, c.Fn), "")
	}
	if exp.Arity != len(c.Args) {
		return protocol.Failure(c.ID, fmt.Sprintf("%s: %s.%s takes %d, got %d",
			module.ErrArity, mod.Name, c.Fn, exp.Arity, len(c.Args)), "")
	}

	value, err := exp.Fn(ctx, c.Args)
	if err != nil {
		return protocol.Failure(c.ID, err.Error(), stackOf(err))
	}
	resp, err = protocol.Success(c.ID, value)
	if err != nil {
		return protocol.Failure(c.ID, fmt.Sprintf("encode result: %v", err), "")
	}
	return resp
}

// StackError lets an export attach its own stack trace to a failure.
type StackError interface {
	error
	Stack() string
}

func stackOf(err error) string {
	var se StackError
	if errors.As(err, &se) {
		return se.Stack()
	}
	return ""
}
