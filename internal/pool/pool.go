// Package pool keeps an elastic set of workers for one module.
//
// The pool grows eagerly: every GetHandle adds a worker while the pool is
// below MaxThreads, then picks the next worker round-robin. A background
// tick reclaims workers that have been idle longer than IdleTimeout, never
// going below MinThreads. All membership changes happen under one mutex.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/worker"
)

// Option configures a Pool.
type Option func(*Pool)

// WithEvents publishes worker and pool lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(pl *Pool) { pl.events = p }
}

// WithClock overrides the time source for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(pl *Pool) { pl.now = now }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pool) { pl.logger = l }
}

// OnSpawn registers fn to run on every new handle before it is used.
func OnSpawn(fn func(*worker.Handle)) Option {
	return func(pl *Pool) { pl.onSpawn = append(pl.onSpawn, fn) }
}

// Pool owns the workers of one module.
type Pool struct {
	name    string
	factory worker.Factory
	events  events.Publisher
	now     func() time.Time
	logger  *slog.Logger
	onSpawn []func(*worker.Handle)

	mu         sync.Mutex
	settings   Settings
	handles    []*worker.Handle
	retiring   map[*worker.Handle]struct{}
	turn       int
	terminated bool

	resetTick chan struct{}
	stop      chan struct{}
	loopDone  chan struct{}
}

// New creates a pool and pre-warms MinThreads workers. If any of them fails
// to start, the ones already started are killed and the error returned.
func New(ctx context.Context, name string, factory worker.Factory, settings Settings, opts ...Option) (*Pool, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		name:      name,
		factory:   factory,
		events:    events.Nop{},
		now:       time.Now,
		settings:  settings,
		retiring:  make(map[*worker.Handle]struct{}),
		resetTick: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithComponent("pool")
	}
	p.logger = p.logger.With("pool", name)

	p.mu.Lock()
	for range settings.MinThreads {
		if _, err := p.spawnLocked(ctx); err != nil {
			handles := p.handles
			p.handles = nil
			p.mu.Unlock()
			for _, h := range handles {
				_ = h.Terminate(context.Background(), true)
			}
			return nil, fmt.Errorf("pre-warm pool %s: %w", name, err)
		}
	}
	p.mu.Unlock()

	go p.idleLoop(settings.IdleCheckInterval)
	return p, nil
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// spawnLocked starts one worker and appends it. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context) (*worker.Handle, error) {
	h, err := worker.Spawn(ctx, p.factory, worker.WithClock(p.now), worker.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	for _, fn := range p.onSpawn {
		fn(h)
	}
	// The hook may fire synchronously if the worker already died; removal
	// needs p.mu, which the caller holds.
	h.OnExit(func(h *worker.Handle, err error) { go p.handleExited(h, err) })
	p.handles = append(p.handles, h)

	p.logger.Info("worker spawned", "worker_id", h.ID(), "size", len(p.handles))
	p.events.Publish(events.WorkerSpawned, map[string]any{
		"pool":      p.name,
		"worker_id": h.ID(),
		"size":      len(p.handles),
	})
	return h, nil
}

// GetHandle returns the next worker round-robin, first growing the pool by
// one if it is below MaxThreads. A failed growth is only an error when the
// pool has no worker to fall back on.
func (p *Pool) GetHandle(ctx context.Context) (*worker.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return nil, ErrPoolTerminated
	}
	if len(p.handles) < p.settings.MaxThreads {
		if _, err := p.spawnLocked(ctx); err != nil {
			if len(p.handles) == 0 {
				return nil, fmt.Errorf("pool %s: %w", p.name, err)
			}
			p.logger.Warn("failed to grow pool", "error", err, "size", len(p.handles))
		}
	}

	// The cursor may point one past the end, at the slot growth fills next.
	if p.turn >= len(p.handles) {
		p.turn = 0
	}
	h := p.handles[p.turn]
	p.turn++
	return h, nil
}

// removeLocked drops h from the live set, keeping the cursor on the same
// next handle. It reports whether h was present.
func (p *Pool) removeLocked(h *worker.Handle) bool {
	for i, cur := range p.handles {
		if cur != h {
			continue
		}
		p.handles = append(p.handles[:i], p.handles[i+1:]...)
		if i < p.turn {
			p.turn--
		}
		return true
	}
	return false
}

// handleExited removes a worker that went away without the pool asking.
func (p *Pool) handleExited(h *worker.Handle, err error) {
	p.mu.Lock()
	removed := !p.terminated && p.removeLocked(h)
	size := len(p.handles)
	p.mu.Unlock()

	if !removed {
		return
	}
	p.logger.Warn("worker exited unexpectedly, removed from pool", "worker_id", h.ID(), "error", err, "size", size)
	p.events.Publish(events.WorkerExited, map[string]any{
		"pool":      p.name,
		"worker_id": h.ID(),
		"error":     err.Error(),
		"size":      size,
	})
}

func (p *Pool) idleLoop(interval time.Duration) {
	defer close(p.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.resetTick:
			p.mu.Lock()
			interval = p.settings.IdleCheckInterval
			p.mu.Unlock()
			ticker.Reset(interval)
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

// reclaimIdle retires workers idle longer than IdleTimeout while staying at
// or above MinThreads, and tops the pool back up to MinThreads after crashes.
// Retired workers are terminated gracefully in the background so a slow one
// cannot stall the tick.
func (p *Pool) reclaimIdle() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}

	now := p.now()
	s := p.settings
	removable := len(p.handles) - s.MinThreads
	var victims []*worker.Handle
	for _, h := range append([]*worker.Handle(nil), p.handles...) {
		if removable <= 0 {
			break
		}
		if h.Busy() || now.Sub(h.LastIdleTime()) <= s.IdleTimeout {
			continue
		}
		p.removeLocked(h)
		p.retiring[h] = struct{}{}
		victims = append(victims, h)
		removable--
	}

	for len(p.handles) < s.MinThreads {
		if _, err := p.spawnLocked(context.Background()); err != nil {
			p.logger.Warn("failed to restore minimum pool size", "error", err, "size", len(p.handles))
			break
		}
	}
	size := len(p.handles)
	p.mu.Unlock()

	for _, h := range victims {
		go p.retire(h, size)
	}
}

func (p *Pool) retire(h *worker.Handle, size int) {
	err := h.Terminate(context.Background(), false)

	p.mu.Lock()
	delete(p.retiring, h)
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("failed to reclaim idle worker", "worker_id", h.ID(), "error", err)
		return
	}
	p.logger.Info("reclaimed idle worker", "worker_id", h.ID(), "size", size)
	p.events.Publish(events.WorkerReclaimed, map[string]any{
		"pool":      p.name,
		"worker_id": h.ID(),
		"size":      size,
	})
}

// Config merges patch into the live settings. The change applies from the
// next GetHandle or idle check; existing workers are not resized.
func (p *Pool) Config(patch Patch) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return ErrPoolTerminated
	}
	next := p.settings.Apply(patch)
	if err := next.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	changedTick := next.IdleCheckInterval != p.settings.IdleCheckInterval
	p.settings = next
	p.mu.Unlock()

	if changedTick {
		select {
		case p.resetTick <- struct{}{}:
		default:
		}
	}
	p.logger.Info("pool settings updated", "min_threads", next.MinThreads, "max_threads", next.MaxThreads,
		"idle_timeout", next.IdleTimeout, "idle_check_interval", next.IdleCheckInterval)
	return nil
}

// Settings returns a copy of the live settings.
func (p *Pool) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Terminate stops the idle tick and terminates every worker, passing force
// through. A graceful terminate returns once all in-flight calls have
// settled, or escalates to force when ctx ends first. Calling it again is a
// no-op.
func (p *Pool) Terminate(ctx context.Context, force bool) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	handles := p.handles
	for h := range p.retiring {
		handles = append(handles, h)
	}
	p.handles = nil
	p.turn = 0
	p.mu.Unlock()

	close(p.stop)
	<-p.loopDone

	errs := make([]error, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Terminate(ctx, force); err != nil {
				errs[i] = fmt.Errorf("worker %s: %w", h.ID(), err)
			}
		}()
	}
	wg.Wait()

	p.logger.Info("pool terminated", "workers", len(handles), "force", force)
	p.events.Publish(events.PoolTerminated, map[string]any{
		"pool":    p.name,
		"workers": len(handles),
		"force":   force,
	})
	return errors.Join(errs...)
}
