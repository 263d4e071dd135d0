package config

import (
	"runtime"
	"time"
)

// Config represents the complete concurrent configuration.
type Config struct {
	Include    []string              `yaml:"include,omitempty"`
	Service    ServiceConfig         `yaml:"service"`
	Pool       PoolConfig            `yaml:"pool"`
	ModulesDir string                `yaml:"modules_dir"`
	Modules    map[string]ModuleConf `yaml:"modules,omitempty"`
	Journal    JournalConfig         `yaml:"journal"`
	API        APIConfig             `yaml:"api,omitempty"`

	// SourceFile is the absolute path the config was loaded from, if any.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// PoolConfig holds the default settings for every module pool.
type PoolConfig struct {
	MinThreads        int           `yaml:"min_threads"`
	MaxThreads        int           `yaml:"max_threads"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	TerminateTimeout  time.Duration `yaml:"terminate_timeout"`
}

// Isolation modes for builtin modules.
const (
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
)

// ModuleConf overrides pool settings for one module. Nil fields inherit from pool.
type ModuleConf struct {
	MinThreads  *int           `yaml:"min_threads,omitempty"`
	MaxThreads  *int           `yaml:"max_threads,omitempty"`
	IdleTimeout *time.Duration `yaml:"idle_timeout,omitempty"`
	// Isolation applies to builtin modules: "inprocess" (default) or "process".
	Isolation string `yaml:"isolation,omitempty"`
	// Env is appended to the environment of exec module workers.
	Env map[string]string `yaml:"env,omitempty"`
}

// JournalConfig defines the settled-call journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`

	// CallTimeout bounds how long POST /call waits for a result.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the bearer token required on every route except /healthz.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a config with all default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "concurrent",
			LogLevel: "info",
			PIDFile:  "./data/concurrent.pid",
		},
		Pool: PoolConfig{
			MinThreads:        1,
			MaxThreads:        runtime.NumCPU(),
			IdleTimeout:       10 * time.Minute,
			IdleCheckInterval: time.Minute,
			TerminateTimeout:  30 * time.Second,
		},
		ModulesDir: "./modules",
		Modules:    make(map[string]ModuleConf),
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/journal.db",
			Buffer:  256,
		},
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8080",
			CallTimeout: 30 * time.Second,
		},
	}
}
