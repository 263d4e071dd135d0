// Package engine loads modules into pools and hands out their proxies.
//
// One Dispatcher is shared by every pool so call ids are unique across the
// process. Each module gets its own pool the first time it is loaded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/pool"
	"github.com/mattjoyce/concurrent/internal/proxy"
	"github.com/mattjoyce/concurrent/internal/worker"
)

// ErrUnknownModule is returned by Load for a name the registry does not know.
var ErrUnknownModule = errors.New("unknown module")

// FactoryFunc chooses how workers of spec are started.
type FactoryFunc func(spec *module.Spec) (worker.Factory, error)

// Option configures an Engine.
type Option func(*Engine)

// WithEvents publishes pool and call events to p.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithObserver receives every settled call.
func WithObserver(o dispatch.Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithFactory replaces the default worker factory selection.
func WithFactory(fn FactoryFunc) Option {
	return func(e *Engine) { e.factory = fn }
}

// WithExecutable sets the binary re-executed for builtin modules configured
// with process isolation. It defaults to os.Executable.
func WithExecutable(path string) Option {
	return func(e *Engine) { e.executable = path }
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name        string             `json:"name"`
	Kind        module.Kind        `json:"kind"`
	Version     string             `json:"version,omitempty"`
	Description string             `json:"description,omitempty"`
	Isolation   string             `json:"isolation,omitempty"`
	Exports     []module.Signature `json:"exports"`
	Loaded      bool               `json:"loaded"`
}

type loaded struct {
	pool  *pool.Pool
	proxy *proxy.Proxy
}

// Engine owns the dispatcher and one pool per loaded module.
type Engine struct {
	cfg        *config.Config
	registry   *module.Registry
	dispatcher *dispatch.Dispatcher
	events     events.Publisher
	observers  []dispatch.Observer
	factory    FactoryFunc
	executable string
	logger     *slog.Logger

	mu         sync.Mutex
	modules    map[string]*loaded
	terminated bool
}

// New creates an engine over the modules in reg. Nothing is started until Load.
func New(cfg *config.Config, reg *module.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		events:   events.Nop{},
		logger:   log.WithComponent("engine"),
		modules:  make(map[string]*loaded),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factory == nil {
		e.factory = e.defaultFactory
	}

	dopts := []dispatch.Option{dispatch.WithEvents(e.events)}
	for _, o := range e.observers {
		dopts = append(dopts, dispatch.WithObserver(o))
	}
	e.dispatcher = dispatch.New(dopts...)
	return e
}

// Dispatcher returns the shared dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Load returns the proxy for module name, creating its pool on first use.
// Later calls return the same proxy.
func (e *Engine) Load(ctx context.Context, name string) (*proxy.Proxy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return nil, pool.ErrPoolTerminated
	}
	if l, ok := e.modules[name]; ok {
		return l.proxy, nil
	}

	spec, ok := e.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	factory, err := e.factory(spec)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	p, err := pool.New(ctx, name, factory, e.cfg.PoolSettings(name),
		pool.WithEvents(e.events),
		pool.WithLogger(log.WithModule(name)),
		pool.OnSpawn(e.dispatcher.Attach),
	)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	l := &loaded{pool: p, proxy: proxy.Build(spec.Descriptor, p, e.dispatcher)}
	e.modules[name] = l
	e.logger.Info("module loaded", "module", name, "kind", spec.Kind, "exports", len(spec.Exports))
	return l.proxy, nil
}

func (e *Engine) defaultFactory(spec *module.Spec) (worker.Factory, error) {
	mc := e.cfg.Modules[spec.Name]
	env := make([]string, 0, len(mc.Env))
	for k, v := range mc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	switch spec.Kind {
	case module.KindBuiltin:
		if e.cfg.Isolation(spec.Name) != config.IsolationProcess {
			return &worker.InProcessFactory{Module: spec.Builtin}, nil
		}
		exe := e.executable
		if exe == "" {
			var err error
			if exe, err = os.Executable(); err != nil {
				return nil, fmt.Errorf("resolve executable for process isolation: %w", err)
			}
		}
		return &worker.ExecFactory{
			Path:   exe,
			Args:   []string{"worker", "--module", spec.Name, "--log-level", e.cfg.Service.LogLevel},
			Env:    env,
			Logger: log.WithModule(spec.Name),
		}, nil
	case module.KindExec:
		return &worker.ExecFactory{
			Path:   spec.Entrypoint,
			Args:   spec.Args,
			Env:    env,
			Dir:    spec.Path,
			Logger: log.WithModule(spec.Name),
			Verify: spec.Verify,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported module kind %q", spec.Kind)
	}
}

// Modules lists registered modules, sorted by name.
func (e *Engine) Modules() []ModuleInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ModuleInfo
	for _, name := range e.registry.Names() {
		spec, _ := e.registry.Get(name)
		info := ModuleInfo{
			Name:        name,
			Kind:        spec.Kind,
			Version:     spec.Version,
			Description: spec.Description,
			Exports:     spec.Exports,
		}
		if spec.Kind == module.KindBuiltin {
			info.Isolation = e.cfg.Isolation(name)
		}
		_, info.Loaded = e.modules[name]
		out = append(out, info)
	}
	return out
}

// Config applies patch to every loaded pool. With a module name only that
// pool is changed.
func (e *Engine) Config(patch pool.Patch, moduleName ...string) error {
	e.mu.Lock()
	targets := make(map[string]*pool.Pool)
	if len(moduleName) == 0 {
		for name, l := range e.modules {
			targets[name] = l.pool
		}
	} else {
		for _, name := range moduleName {
			l, ok := e.modules[name]
			if !ok {
				e.mu.Unlock()
				return fmt.Errorf("module %s is not loaded", name)
			}
			targets[name] = l.pool
		}
	}
	e.mu.Unlock()

	var errs []error
	for name, p := range targets {
		if err := p.Config(patch); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every loaded pool, sorted by name.
func (e *Engine) Stats() []pool.Stats {
	e.mu.Lock()
	pools := make([]*pool.Pool, 0, len(e.modules))
	for _, l := range e.modules {
		pools = append(pools, l.pool)
	}
	e.mu.Unlock()

	out := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Terminate terminates every pool. A graceful terminate is bounded by
// pool.terminate_timeout, after which remaining workers are forced.
// Later Load calls fail with pool.ErrPoolTerminated.
func (e *Engine) Terminate(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil
	}
	e.terminated = true
	mods := e.modules
	e.mu.Unlock()

	if !force && e.cfg.Pool.TerminateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Pool.TerminateTimeout)
		defer cancel()
	}

	errs := make([]error, 0, len(mods))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, l := range mods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.pool.Terminate(ctx, force); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("module %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	e.logger.Info("engine terminated", "modules", len(mods), "force", force, "pending_calls", e.dispatcher.Pending())
	return errors.Join(errs...)
}
