package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "CONCURRENT_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads, merges, defaults and validates configuration from a file.
// A directory argument loads config.yaml inside it. Files listed under
// include are merged on top, relative to the including file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	// Decoding onto Defaults keeps defaults for keys the file leaves out and
	// lets explicit zero values (min_threads: 0) stand.
	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file to use. Priority order: flagPath,
// $CONCURRENT_CONFIG, ~/.config/concurrent/config.yaml, ./config.yaml.
// It returns "" when none exists.
func Discover(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "concurrent", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// LoadOrDefault loads the discovered config, or validated defaults when
// there is none.
func LoadOrDefault(flagPath string) (*Config, error) {
	path := Discover(flagPath)
	if path == "" {
		cfg := Defaults()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), into); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		var included Config
		if err := decodeFile(absPath, &included); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, &included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeConfig merges src into dst; non-zero values in src win. Module
// entries are replaced whole.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.PIDFile != "" {
		dst.Service.PIDFile = src.Service.PIDFile
	}

	if src.Pool.MinThreads != 0 {
		dst.Pool.MinThreads = src.Pool.MinThreads
	}
	if src.Pool.MaxThreads != 0 {
		dst.Pool.MaxThreads = src.Pool.MaxThreads
	}
	if src.Pool.IdleTimeout != 0 {
		dst.Pool.IdleTimeout = src.Pool.IdleTimeout
	}
	if src.Pool.IdleCheckInterval != 0 {
		dst.Pool.IdleCheckInterval = src.Pool.IdleCheckInterval
	}
	if src.Pool.TerminateTimeout != 0 {
		dst.Pool.TerminateTimeout = src.Pool.TerminateTimeout
	}

	if src.ModulesDir != "" {
		dst.ModulesDir = src.ModulesDir
	}
	if dst.Modules == nil {
		dst.Modules = make(map[string]ModuleConf)
	}
	for name, mc := range src.Modules {
		dst.Modules[name] = mc
	}

	if src.Journal.Enabled {
		dst.Journal.Enabled = true
	}
	if src.Journal.Path != "" {
		dst.Journal.Path = src.Journal.Path
	}
	if src.Journal.Buffer != 0 {
		dst.Journal.Buffer = src.Journal.Buffer
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	if src.API.CallTimeout != 0 {
		dst.API.CallTimeout = src.API.CallTimeout
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// Validate checks a fully merged configuration. All problems are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		errs = append(errs, fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel))
	}

	if err := cfg.PoolSettings("").Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if cfg.Pool.TerminateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.terminate_timeout must be positive"))
	}

	names := make([]string, 0, len(cfg.Modules))
	for name := range cfg.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mc := cfg.Modules[name]
		if err := cfg.PoolSettings(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("modules.%s: %w", name, err))
		}
		switch mc.Isolation {
		case "", IsolationInProcess, IsolationProcess:
		default:
			errs = append(errs, fmt.Errorf("modules.%s.isolation must be %q or %q (got %q)",
				name, IsolationInProcess, IsolationProcess, mc.Isolation))
		}
		for k, v := range mc.Env {
			if err := unresolved(fmt.Sprintf("modules.%s.env.%s", name, k), v); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			errs = append(errs, fmt.Errorf("journal.path is required when the journal is enabled"))
		}
		if cfg.Journal.Buffer <= 0 {
			errs = append(errs, fmt.Errorf("journal.buffer must be positive"))
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			errs = append(errs, fmt.Errorf("api.listen is required when the API is enabled"))
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			errs = append(errs, err)
		} else if cfg.API.Auth.APIKey == "" {
			errs = append(errs, fmt.Errorf("api.auth.api_key is required when the API is enabled"))
		}
		if cfg.API.CallTimeout <= 0 {
			errs = append(errs, fmt.Errorf("api.call_timeout must be positive"))
		}
	}

	return errors.Join(errs...)
}
