package doctor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/concurrent/internal/builtin"
	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/storage"
)

func validConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.ModulesDir = t.TempDir()
	cfg.Pool.MaxThreads = 2
	return cfg
}

func registryWith(t *testing.T, specs ...*module.Spec) *module.Registry {
	t.Helper()
	r := module.NewRegistry()
	if err := r.AddBuiltin(builtin.All()...); err != nil {
		t.Fatalf("AddBuiltin: %v", err)
	}
	for _, s := range specs {
		if err := r.Add(s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return r
}

func execModule(name string) *module.Spec {
	return &module.Spec{
		Descriptor: module.Descriptor{Name: name, Exports: []module.Signature{{Name: "run", Arity: 1}}},
		Kind:       module.KindExec,
		Entrypoint: "/bin/true",
	}
}

func newDoctor(t *testing.T, cfg *config.Config, specs ...*module.Spec) *Doctor {
	d := New(cfg, registryWith(t, specs...))
	d.numCPU = 2
	d.probe = func(path string) (storage.FSInfo, error) {
		return storage.FSInfo{Probed: path, Type: "ext4"}, nil
	}
	return d
}

func intPtr(v int) *int { return &v }

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(t, validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingModulesDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.ModulesDir = cfg.ModulesDir + "/missing"
	r := newDoctor(t, cfg).Validate()
	if !r.Valid {
		t.Fatalf("missing modules_dir should only warn, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "modules_dir", "does not exist")
}

func TestValidate_UnknownModuleOverride(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Modules["ghost"] = config.ModuleConf{MaxThreads: intPtr(1)}
	r := newDoctor(t, cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "module_refs", `"ghost"`)
}

func TestValidate_IsolationOnExecModule(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Modules["ext"] = config.ModuleConf{Isolation: config.IsolationProcess}
	r := newDoctor(t, cfg, execModule("ext")).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "isolation", "isolation is ignored")
}

func TestValidate_EnvOnInProcessBuiltin(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Modules["math"] = config.ModuleConf{Env: map[string]string{"A": "1"}}
	r := newDoctor(t, cfg).Validate()
	assertHasWarning(t, r, "isolation", "isolation: process")

	cfg.Modules["math"] = config.ModuleConf{Env: map[string]string{"A": "1"}, Isolation: config.IsolationProcess}
	r = newDoctor(t, cfg).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings with process isolation, got: %v", r.Warnings)
	}
}

func TestValidate_NetworkFilesystems(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Enabled = true
	cfg.Journal.Path = "/mnt/share/journal.db"

	d := newDoctor(t, cfg)
	d.probe = func(path string) (storage.FSInfo, error) {
		return storage.FSInfo{Probed: path, Type: "nfs", Network: true}, nil
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "journal", "network filesystem nfs")
	assertHasWarning(t, r, "modules_dir", "network filesystem nfs")
}

func TestValidate_JournalProbeFailure(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Enabled = true

	d := newDoctor(t, cfg)
	d.probe = func(string) (storage.FSInfo, error) {
		return storage.FSInfo{}, errors.New("statfs denied")
	}
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("probe failure should only warn, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "journal", "statfs denied")
}

func TestValidate_APIListen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen   string
		wantWarn bool
		wantErr  bool
	}{
		{listen: "127.0.0.1:8080"},
		{listen: "localhost:8080"},
		{listen: "[::1]:8080"},
		{listen: "0.0.0.0:8080", wantWarn: true},
		{listen: ":8080", wantWarn: true},
		{listen: "no-port", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.API = config.APIConfig{Enabled: true, Listen: tt.listen, Auth: config.APIAuthConfig{APIKey: "k"}}
			r := newDoctor(t, cfg).Validate()
			if tt.wantErr {
				assertHasError(t, r, "api", "invalid listen address")
				return
			}
			if !r.Valid {
				t.Fatalf("unexpected errors: %v", r.Errors)
			}
			if got := len(r.Warnings) > 0; got != tt.wantWarn {
				t.Fatalf("warnings = %v, want warn=%v", r.Warnings, tt.wantWarn)
			}
		})
	}
}

func TestValidate_PoolSizing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Modules["math"] = config.ModuleConf{MaxThreads: intPtr(64)}
	r := newDoctor(t, cfg).Validate()
	assertHasWarning(t, r, "pool", "max_threads 64")

	cfg = validConfig(t)
	cfg.Pool.IdleTimeout = time.Second
	cfg.Pool.IdleCheckInterval = time.Minute
	r = newDoctor(t, cfg).Validate()
	assertHasWarning(t, r, "pool", "idle_check_interval")
}

func TestValidate_EmptyEnv(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Modules["ext"] = config.ModuleConf{Env: map[string]string{"TOKEN": "", "MODE": "fast"}}
	r := newDoctor(t, cfg, execModule("ext")).Validate()
	assertHasWarning(t, r, "env_vars", "value is empty")
	if len(r.Warnings) != 1 || r.Warnings[0].Field != "modules.ext.env.TOKEN" {
		t.Fatalf("warnings = %v", r.Warnings)
	}
}

func TestFailed(t *testing.T) {
	t.Parallel()
	r := Failed("config", errors.New("bad yaml"))
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "config", "bad yaml")
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "Configuration valid.") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFormatHuman_Warnings(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    true,
		Warnings: []Issue{{Category: "pool", Field: "pool.max_threads", Message: "large"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "1 warning(s)") || !strings.Contains(out, "WARN") {
		t.Fatalf("expected warning in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
