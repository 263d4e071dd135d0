// Package worker manages the host side of a single worker: the execution
// context it runs in (a goroutine or a child process), the message channel to
// it, and the Handle that tracks its in-flight calls and lifecycle.
package worker

import (
	"context"
	"errors"

	"github.com/mattjoyce/concurrent/internal/protocol"
)

var (
	// ErrWorkerTerminated is the settlement error for calls whose worker went
	// away before answering, either by forced termination or by crashing.
	ErrWorkerTerminated = errors.New("worker terminated")
	// ErrHandleClosed is returned by Send once a handle stops accepting calls.
	// The call never reached the worker, so it is safe to retry on another handle.
	ErrHandleClosed = errors.New("worker handle closed")
)

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/concurrent/internal/worker Factory,ExecutionContext,Channel

// Channel is the bidirectional message path to a worker.
type Channel interface {
	// Send writes one call to the worker.
	Send(c *protocol.Call) error
	// OnMessage installs the handler for responses. It replaces any previous handler.
	OnMessage(fn func(*protocol.Response))
	// Close stops delivery; no handler runs after Close returns.
	Close() error
}

// ExecutionContext is an isolated place a module runs.
type ExecutionContext interface {
	Channel() Channel
	// Terminate stops the worker. Graceful termination closes its input and
	// lets it exit; force kills it immediately. Safe to call more than once.
	Terminate(force bool) error
	// Done is closed once the worker has exited and its output is drained.
	Done() <-chan struct{}
	// Err reports why the worker exited. It is nil for a clean exit and only
	// meaningful after Done is closed.
	Err() error
}

// Factory creates execution contexts for one module.
type Factory interface {
	Create(ctx context.Context) (ExecutionContext, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (ExecutionContext, error)

func (f FactoryFunc) Create(ctx context.Context) (ExecutionContext, error) { return f(ctx) }
