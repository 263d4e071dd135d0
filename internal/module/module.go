// Package module describes the exported functions of a target module.
//
// A Descriptor is the static capability list ({name, arity} per export) that the
// pool side uses to build proxies. A Module is the worker side: the same
// descriptor plus the Go functions that actually run inside a worker.
package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownFunction is returned when a call names a function the module does not export.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrArity is returned when a call passes the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
	// ErrEntrypointChanged is returned when an exec module's binary no longer
	// matches the fingerprint taken at discovery.
	ErrEntrypointChanged = errors.New("entrypoint changed since discovery")
)

// Signature declares one exported function.
type Signature struct {
	Name        string `yaml:"name" json:"name"`
	Arity       int    `yaml:"arity" json:"arity"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Descriptor is the fixed, introspectable export list of a module.
type Descriptor struct {
	Name    string      `json:"name"`
	Exports []Signature `json:"exports"`
}

// Lookup returns the signature for fn.
func (d Descriptor) Lookup(fn string) (Signature, bool) {
	for _, s := range d.Exports {
		if s.Name == fn {
			return s, true
		}
	}
	return Signature{}, false
}

// Names returns the exported function names in declaration order.
func (d Descriptor) Names() []string {
	out := make([]string, 0, len(d.Exports))
	for _, s := range d.Exports {
		out = append(out, s.Name)
	}
	return out
}

// CheckCall validates fn and argument count against the descriptor.
func (d Descriptor) CheckCall(fn string, nargs int) error {
	sig, ok := d.Lookup(fn)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownFunction, d.Name, fn)
	}
	if sig.Arity != nargs {
		return fmt.Errorf("%w: %s.%s takes %d, got %d", ErrArity, d.Name, fn, sig.Arity, nargs)
	}
	return nil
}

// Func is the worker-side body of an export. Arguments arrive as raw JSON.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// Export binds a Signature to its implementation.
type Export struct {
	Signature
	Fn Func
}

// Module is a named set of exports hosted by a worker.
type Module struct {
	Name    string
	exports map[string]Export
}

// New creates a Module from exports. Duplicate names panic, since modules are
// assembled at init time.
func New(name string, exports ...Export) *Module {
	m := &Module{Name: name, exports: make(map[string]Export, len(exports))}
	for _, e := range exports {
		if _, dup := m.exports[e.Name]; dup {
			panic(fmt.Sprintf("module %s: duplicate export %q", name, e.Name))
		}
		m.exports[e.Name] = e
	}
	return m
}

// Lookup returns the export named fn.
func (m *Module) Lookup(fn string) (Export, bool) {
	e, ok := m.exports[fn]
	return e, ok
}

// Descriptor returns the module's capability descriptor, sorted by name.
func (m *Module) Descriptor() Descriptor {
	sigs := make([]Signature, 0, len(m.exports))
	for _, e := range m.exports {
		sigs = append(sigs, e.Signature)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })
	return Descriptor{Name: m.Name, Exports: sigs}
}
