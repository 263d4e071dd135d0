package module

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/concurrent/internal/protocol"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = protocol.Version
	manifestFilename  = "module.yaml"
)

// Registry holds known modules indexed by name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Spec
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*Spec),
	}
}

// Get retrieves a module by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.modules[name]
	return s, ok
}

// All returns a copy of the registered modules.
func (r *Registry) All() map[string]*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Spec, len(r.modules))
	for k, v := range r.modules {
		out[k] = v
	}
	return out
}

// Names returns registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers a module in the registry.
func (r *Registry) Add(spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[spec.Name]; exists {
		return fmt.Errorf("module %q already registered", spec.Name)
	}
	r.modules[spec.Name] = spec
	return nil
}

// AddBuiltin registers compiled-in modules.
func (r *Registry) AddBuiltin(mods ...*Module) error {
	for _, m := range mods {
		if err := r.Add(BuiltinSpec(m)); err != nil {
			return err
		}
	}
	return nil
}

// Discover scans dir for module.yaml manifests and registers valid exec modules
// into r. Invalid modules are logged but not fatal. A missing dir is not an error.
func (r *Registry) Discover(dir string, logger func(level, msg string, args ...any)) error {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve modules dir %q: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			logger("debug", "modules dir does not exist", "path", root)
			return nil
		}
		return fmt.Errorf("failed to stat modules dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("modules dir is not a directory: %s", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		modPath := filepath.Dir(path)
		spec, err := LoadManifest(modPath, root)
		if err != nil {
			logger("warn", "failed to load module", "path", modPath, "error", err.Error())
			return nil
		}

		if err := r.Add(spec); err != nil {
			logger("warn", "duplicate module ignored (keeping first registered)", "module", spec.Name, "ignored_path", spec.Path)
			return nil
		}

		logger("info", "loaded module", "module", spec.Name, "path", spec.Path, "version", spec.Version, "exports", len(spec.Exports))
		return nil
	})
}

// LoadManifest reads and validates the module in modPath, which must sit under root.
func LoadManifest(modPath, root string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(modPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(modPath, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, modPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	fingerprint, err := Fingerprint(entrypointPath)
	if err != nil {
		return nil, err
	}
	if manifest.Checksum != "" && !strings.EqualFold(manifest.Checksum, fingerprint) {
		return nil, fmt.Errorf("checksum mismatch for %s: expected %s, got %s",
			manifest.Entrypoint, manifest.Checksum, fingerprint)
	}

	return &Spec{
		Descriptor:  Descriptor{Name: manifest.Name, Exports: manifest.Exports},
		Kind:        KindExec,
		Version:     manifest.Version,
		Description: manifest.Description,
		Path:        modPath,
		Entrypoint:  entrypointPath,
		Args:        manifest.Args,
		Fingerprint: fingerprint,
	}, nil
}

// Verify re-hashes the entrypoint of an exec module and compares it with the
// discovery fingerprint. Builtin modules always verify.
func (s *Spec) Verify() error {
	if s.Kind != KindExec || s.Fingerprint == "" {
		return nil
	}
	current, err := Fingerprint(s.Entrypoint)
	if err != nil {
		return fmt.Errorf("verify %s: %w", s.Name, err)
	}
	if current != s.Fingerprint {
		return fmt.Errorf("%w: %s is %s, discovered as %s", ErrEntrypointChanged, s.Entrypoint, current, s.Fingerprint)
	}
	return nil
}

// Fingerprint computes the BLAKE3 hash of a file.
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != supportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, supportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Exports) == 0 {
		return fmt.Errorf("at least one export must be declared")
	}

	seen := make(map[string]bool, len(m.Exports))
	for _, sig := range m.Exports {
		if sig.Name == "" {
			return fmt.Errorf("export name is required")
		}
		if seen[sig.Name] {
			return fmt.Errorf("duplicate export %q", sig.Name)
		}
		seen[sig.Name] = true
		if sig.Arity < 0 {
			return fmt.Errorf("export %q has negative arity", sig.Name)
		}
	}
	return nil
}

// validateTrust enforces that the entrypoint lives inside the module directory
// under root, is executable, and that the module directory is not world-writable.
func validateTrust(entrypointPath, modPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedModPath, err := filepath.EvalSymlinks(modPath)
	if err != nil {
		return fmt.Errorf("failed to resolve module path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve modules root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under modules root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedModPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under module directory %s", resolvedEntrypoint, resolvedModPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	modInfo, err := os.Stat(resolvedModPath)
	if err != nil {
		return fmt.Errorf("module directory not found: %w", err)
	}
	if modInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("module directory is world-writable: %s", resolvedModPath)
	}
	return nil
}
