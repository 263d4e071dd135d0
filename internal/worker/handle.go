package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/protocol"
)

type state int

const (
	stateActive state = iota
	stateDraining
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

// ExitFunc is called once when a handle's worker is gone. err wraps
// ErrWorkerTerminated.
type ExitFunc func(h *Handle, err error)

// Handle is the host-side reference to one worker. It tracks which calls are
// in flight so the pool can tell busy workers from idle ones.
type Handle struct {
	id     string
	ectx   ExecutionContext
	ch     Channel
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	state       state
	inFlight    map[uint64]struct{}
	lastIdle    time.Time
	drained     chan struct{}
	handler     func(*protocol.Response)
	exitHooks   []ExitFunc
	exitErr     error
	terminating bool

	exitOnce sync.Once
	exited   chan struct{}
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) HandleOption {
	return func(h *Handle) { h.now = now }
}

// WithLogger sets the handle's logger. The worker id is added to it.
func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) { h.logger = l }
}

// NewHandle wraps a started execution context.
func NewHandle(ectx ExecutionContext, opts ...HandleOption) *Handle {
	h := &Handle{
		id:       uuid.NewString(),
		ectx:     ectx,
		ch:       ectx.Channel(),
		now:      time.Now,
		inFlight: make(map[uint64]struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = log.WithComponent("worker")
	}
	h.logger = h.logger.With("worker_id", h.id)
	h.lastIdle = h.now()

	h.ch.OnMessage(h.receive)
	go h.watch()
	return h
}

// Spawn creates an execution context from f and wraps it in a Handle.
func Spawn(ctx context.Context, f Factory, opts ...HandleOption) (*Handle, error) {
	ectx, err := f.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return NewHandle(ectx, opts...), nil
}

func (h *Handle) ID() string { return h.id }

// Send delivers a call to the worker and marks it in flight until its
// response arrives. It fails with ErrHandleClosed once the handle is
// draining or terminated.
func (h *Handle) Send(c *protocol.Call) error {
	h.mu.Lock()
	if h.state != stateActive {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.inFlight[c.ID] = struct{}{}
	h.mu.Unlock()

	if err := h.ch.Send(c); err != nil {
		h.mu.Lock()
		h.settleLocked(c.ID)
		h.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrHandleClosed, err)
	}
	return nil
}

// OnMessage installs the response handler. Responses for calls the handle
// never sent are passed through too.
func (h *Handle) OnMessage(fn func(*protocol.Response)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// OnExit registers fn to run once the worker is gone. If it already is, fn
// runs immediately.
func (h *Handle) OnExit(fn ExitFunc) {
	h.mu.Lock()
	if h.state != stateTerminated {
		h.exitHooks = append(h.exitHooks, fn)
		h.mu.Unlock()
		return
	}
	err := h.exitErr
	h.mu.Unlock()
	fn(h, err)
}

func (h *Handle) receive(resp *protocol.Response) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()

	if handler != nil {
		handler(resp)
	}

	h.mu.Lock()
	h.settleLocked(resp.ID)
	h.mu.Unlock()
}

func (h *Handle) settleLocked(id uint64) {
	if _, ok := h.inFlight[id]; !ok {
		return
	}
	delete(h.inFlight, id)
	if len(h.inFlight) == 0 {
		h.lastIdle = h.now()
		if h.drained != nil {
			close(h.drained)
			h.drained = nil
		}
	}
}

// LastIdleTime is when the handle last had no calls in flight.
func (h *Handle) LastIdleTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastIdle
}

// InFlight returns the number of calls sent but not yet answered.
func (h *Handle) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inFlight)
}

// Busy reports whether any call is in flight.
func (h *Handle) Busy() bool { return h.InFlight() > 0 }

// Active reports whether the handle still accepts calls.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateActive
}

// State returns "active", "draining" or "terminated".
func (h *Handle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.String()
}

// Done is closed once the worker is gone and exit hooks have run.
func (h *Handle) Done() <-chan struct{} { return h.exited }

// Err reports why the worker went away. Valid after Done is closed.
func (h *Handle) Err() error {
	<-h.exited
	return h.exitErr
}

// Terminate stops the worker. A graceful terminate stops accepting calls and
// waits for in-flight calls to finish; if ctx ends first it escalates to
// force. Force kills the worker at once and in-flight calls are rejected
// with ErrWorkerTerminated through the exit hooks.
func (h *Handle) Terminate(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.state != stateActive {
		h.mu.Unlock()
		if force {
			_ = h.ectx.Terminate(true)
		}
		select {
		case <-h.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.state = stateDraining
	h.terminating = true
	var drained chan struct{}
	if !force && len(h.inFlight) > 0 {
		drained = make(chan struct{})
		h.drained = drained
	}
	h.mu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-h.exited:
		case <-ctx.Done():
			h.logger.Warn("graceful terminate timed out, forcing", "in_flight", h.InFlight())
			force = true
		}
	}

	err := h.ectx.Terminate(force)
	h.finish(ErrWorkerTerminated)
	return err
}

// watch finishes the handle when the worker exits on its own.
func (h *Handle) watch() {
	<-h.ectx.Done()

	h.mu.Lock()
	terminating := h.terminating
	h.mu.Unlock()

	if terminating {
		h.finish(ErrWorkerTerminated)
		return
	}
	cause := h.ectx.Err()
	if cause == nil {
		cause = errors.New("exited without being asked")
	}
	h.logger.Warn("worker exited unexpectedly", "error", cause)
	h.finish(fmt.Errorf("%w: %v", ErrWorkerTerminated, cause))
}

func (h *Handle) finish(err error) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.state = stateTerminated
		h.exitErr = err
		hooks := h.exitHooks
		h.exitHooks = nil
		h.handler = nil
		h.inFlight = make(map[uint64]struct{})
		if h.drained != nil {
			close(h.drained)
			h.drained = nil
		}
		h.mu.Unlock()

		if cerr := h.ch.Close(); cerr != nil {
			h.logger.Debug("closing worker channel", "error", cerr)
		}
		for _, fn := range hooks {
			fn(h, err)
		}
		close(h.exited)
	})
}
