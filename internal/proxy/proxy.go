// Package proxy builds local stand-ins for a module's exports. Calling one
// picks a worker from the module's pool and issues the call through the
// dispatcher; the result arrives later through the returned Future.
package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/worker"
)

// maxSendAttempts bounds retries when a picked worker refuses a call because
// it is being retired. The call was never delivered, so retrying is safe.
const maxSendAttempts = 3

// HandleSource hands out workers. *pool.Pool implements it.
type HandleSource interface {
	GetHandle(ctx context.Context) (*worker.Handle, error)
}

// CallIssuer sends a call and returns its future. *dispatch.Dispatcher implements it.
type CallIssuer interface {
	IssueCall(h dispatch.Sender, fn string, args []any, opts ...dispatch.CallOption) (*dispatch.Future, error)
}

// Func is the proxy for one export.
type Func func(ctx context.Context, args ...any) (*dispatch.Future, error)

// Proxy holds one callable per export of a module. It keeps no state beyond
// the pool and dispatcher references.
type Proxy struct {
	desc  module.Descriptor
	funcs map[string]Func
}

// Build creates a Proxy for desc, routing calls through src and issuer.
func Build(desc module.Descriptor, src HandleSource, issuer CallIssuer) *Proxy {
	p := &Proxy{desc: desc, funcs: make(map[string]Func, len(desc.Exports))}
	for _, sig := range desc.Exports {
		p.funcs[sig.Name] = bind(desc, sig, src, issuer)
	}
	return p
}

func bind(desc module.Descriptor, sig module.Signature, src HandleSource, issuer CallIssuer) Func {
	return func(ctx context.Context, args ...any) (*dispatch.Future, error) {
		if len(args) != sig.Arity {
			return nil, fmt.Errorf("%w: %s.%s takes %d, got %d", module.ErrArity, desc.Name, sig.Name, sig.Arity, len(args))
		}
		var lastErr error
		for range maxSendAttempts {
			h, err := src.GetHandle(ctx)
			if err != nil {
				return nil, err
			}
			f, err := issuer.IssueCall(h, sig.Name, args, dispatch.InModule(desc.Name))
			if !errors.Is(err, worker.ErrHandleClosed) {
				return f, err
			}
			lastErr = err
		}
		return nil, fmt.Errorf("%s.%s: no worker accepted the call: %w", desc.Name, sig.Name, lastErr)
	}
}

// Func returns the proxy for the named export.
func (p *Proxy) Func(name string) (Func, bool) {
	f, ok := p.funcs[name]
	return f, ok
}

// Call invokes the named export.
func (p *Proxy) Call(ctx context.Context, name string, args ...any) (*dispatch.Future, error) {
	f, ok := p.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", module.ErrUnknownFunction, p.desc.Name, name)
	}
	return f(ctx, args...)
}

// Names returns the export names in descriptor order.
func (p *Proxy) Names() []string { return p.desc.Names() }

// Descriptor returns the module descriptor the proxy was built from.
func (p *Proxy) Descriptor() module.Descriptor { return p.desc }
