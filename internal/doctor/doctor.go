// Package doctor cross-checks a loaded configuration against the discovered
// modules and flags settings that load fine but will not do what they say.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/storage"
)

// oversubscription is the max_threads to CPU ratio above which a warning is raised.
const oversubscription = 4

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered modules.
type Doctor struct {
	cfg      *config.Config
	registry *module.Registry
	numCPU   int
	probe    func(path string) (storage.FSInfo, error)
}

// New creates a Doctor from a loaded config and module registry.
func New(cfg *config.Config, registry *module.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, numCPU: runtime.NumCPU(), probe: storage.Probe}
}

// Failed returns a result carrying a single error, for configs that did not load.
func Failed(category string, err error) *Result {
	return &Result{Errors: []Issue{{Category: category, Message: err.Error()}}}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateModulesDir(r)
	d.validateModuleRefs(r)
	d.validateIsolation(r)
	d.validateJournal(r)
	d.validateAPIConfig(r)
	d.warnPoolSizing(r)
	d.warnEmptyEnv(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// moduleNames returns the configured module overrides in a stable order.
func (d *Doctor) moduleNames() []string {
	names := make([]string, 0, len(d.cfg.Modules))
	for name := range d.cfg.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doctor) validateModulesDir(r *Result) {
	dir := strings.TrimSpace(d.cfg.ModulesDir)
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "modules_dir", "modules_dir",
			fmt.Sprintf("modules_dir %q does not exist; only builtin modules are available", dir))
	case err != nil:
		d.addError(r, "modules_dir", "modules_dir", err.Error())
	case !info.IsDir():
		d.addError(r, "modules_dir", "modules_dir", fmt.Sprintf("%q is not a directory", dir))
	default:
		if fs, err := d.probe(dir); err == nil && fs.Network {
			d.addWarning(r, "modules_dir", "modules_dir",
				fmt.Sprintf("%q is on network filesystem %s; worker start-up will be slow", dir, fs.Type))
		}
	}
}

// validateModuleRefs checks that every module override names a registered module.
func (d *Doctor) validateModuleRefs(r *Result) {
	for _, name := range d.moduleNames() {
		if _, ok := d.registry.Get(name); !ok {
			d.addError(r, "module_refs", "modules."+name,
				fmt.Sprintf("module %q is configured but not registered", name))
		}
	}
}

func (d *Doctor) validateIsolation(r *Result) {
	for _, name := range d.moduleNames() {
		mc := d.cfg.Modules[name]
		spec, ok := d.registry.Get(name)
		if !ok {
			continue
		}
		if spec.Kind == module.KindExec && mc.Isolation != "" {
			d.addWarning(r, "isolation", "modules."+name+".isolation",
				"exec modules always run in their own process; isolation is ignored")
		}
		if spec.Kind == module.KindBuiltin && d.cfg.Isolation(name) == config.IsolationInProcess && len(mc.Env) > 0 {
			d.addWarning(r, "isolation", "modules."+name+".env",
				"env only applies to process workers; set isolation: process")
		}
	}
}

// validateJournal rejects a journal on a network mount, where SQLite cannot lock.
func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	info, err := d.probe(d.cfg.Journal.Path)
	if err != nil {
		d.addWarning(r, "journal", "journal.path", fmt.Sprintf("could not inspect filesystem: %v", err))
		return
	}
	if info.Network {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("%q is on network filesystem %s; SQLite needs a local disk", d.cfg.Journal.Path, info.Type))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on non-loopback address %q", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnPoolSizing(r *Result) {
	limit := d.numCPU * oversubscription
	check := func(field, name string) {
		s := d.cfg.PoolSettings(name)
		if s.MaxThreads > limit {
			d.addWarning(r, "pool", field+".max_threads",
				fmt.Sprintf("max_threads %d is more than %dx the %d available CPUs", s.MaxThreads, oversubscription, d.numCPU))
		}
		if s.IdleTimeout > 0 && s.IdleCheckInterval > s.IdleTimeout {
			d.addWarning(r, "pool", field+".idle_timeout",
				fmt.Sprintf("idle_check_interval %s is longer than idle_timeout %s; idle workers live up to both combined",
					s.IdleCheckInterval, s.IdleTimeout))
		}
	}

	check("pool", "")
	for _, name := range d.moduleNames() {
		mc := d.cfg.Modules[name]
		if mc.MaxThreads != nil || mc.IdleTimeout != nil {
			check("modules."+name, name)
		}
	}
}

// warnEmptyEnv warns about module env entries that resolved to nothing.
func (d *Doctor) warnEmptyEnv(r *Result) {
	for _, name := range d.moduleNames() {
		keys := make([]string, 0, len(d.cfg.Modules[name].Env))
		for k, v := range d.cfg.Modules[name].Env {
			if v == "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.addWarning(r, "env_vars", fmt.Sprintf("modules.%s.env.%s", name, k),
				"value is empty (possibly unset environment variable)")
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
