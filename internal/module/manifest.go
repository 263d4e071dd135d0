package module

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind says how a module's workers are started.
type Kind string

const (
	// KindBuiltin modules are compiled into the binary and hosted in-process
	// (or in a re-exec of the binary when isolation is "process").
	KindBuiltin Kind = "builtin"
	// KindExec modules are external executables speaking the worker protocol on stdio.
	KindExec Kind = "exec"
)

// Exports is the manifest's export list.
//
// Accepted formats:
//   - shorthand strings: exports: [add/2, double/1]
//   - object array: exports: [{name: add, arity: 2, description: ...}]
type Exports []Signature

func (e *Exports) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*e = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("exports must be a sequence")
	}

	out := make([]Signature, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			sig, err := parseShorthand(item.Value)
			if err != nil {
				return err
			}
			out = append(out, sig)
		case yaml.MappingNode:
			var tmp Signature
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid export object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid export entry (must be string or object)")
		}
	}

	*e = out
	return nil
}

func parseShorthand(v string) (Signature, error) {
	name, arity, ok := strings.Cut(strings.TrimSpace(v), "/")
	if !ok {
		return Signature{}, fmt.Errorf("export %q must be written as name/arity", v)
	}
	n, err := strconv.Atoi(arity)
	if err != nil {
		return Signature{}, fmt.Errorf("export %q: invalid arity: %w", v, err)
	}
	return Signature{Name: strings.TrimSpace(name), Arity: n}, nil
}

// Manifest defines the structure of a module's module.yaml file.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Args        []string `yaml:"args,omitempty"`
	Checksum    string   `yaml:"checksum,omitempty"` // blake3 hex of the entrypoint
	Description string   `yaml:"description,omitempty"`
	Exports     Exports  `yaml:"exports"`
}

// Spec is a registered module: its descriptor plus what is needed to start workers.
type Spec struct {
	Descriptor
	Kind        Kind
	Version     string
	Description string

	// Exec modules only.
	Path        string   // module directory
	Entrypoint  string   // absolute path to the executable
	Args        []string // extra entrypoint arguments
	Fingerprint string   // blake3 hex of the entrypoint

	// Builtin modules only.
	Builtin *Module
}

// BuiltinSpec wraps a compiled-in Module as a registry Spec.
func BuiltinSpec(m *Module) *Spec {
	return &Spec{
		Descriptor: m.Descriptor(),
		Kind:       KindBuiltin,
		Builtin:    m,
	}
}
