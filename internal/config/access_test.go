package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Service.Name = "test-pool"
	cfg.Pool.MaxThreads = 4
	cfg.Modules["math"] = ModuleConf{MaxThreads: intPtr(2), Isolation: IsolationProcess}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{
			name: "root service field",
			path: "service.name",
			want: "test-pool",
		},
		{
			name: "pool field",
			path: "pool.max_threads",
			want: 4,
		},
		{
			name: "duration renders as string",
			path: "pool.idle_timeout",
			want: "10m0s",
		},
		{
			name: "nested module field",
			path: "modules.math.isolation",
			want: IsolationProcess,
		},
		{
			name:    "invalid path",
			path:    "service.missing",
			wantErr: true,
		},
		{
			name:    "path through scalar",
			path:    "service.name.first",
			wantErr: true,
		},
		{
			name: "type:name addressing",
			path: "module:math",
			want: cfg.Modules["math"],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEntity(t *testing.T) {
	cfg := &Config{
		Modules: map[string]ModuleConf{
			"math":  {MinThreads: intPtr(0)},
			"image": {Isolation: IsolationProcess},
		},
	}

	t.Run("single module", func(t *testing.T) {
		got, err := cfg.GetEntity("module:math")
		assert.NoError(t, err)
		assert.Equal(t, cfg.Modules["math"], got)
	})

	t.Run("wildcard modules", func(t *testing.T) {
		got, err := cfg.GetEntity("module:*")
		assert.NoError(t, err)
		assert.Equal(t, cfg.Modules, got)
	})

	t.Run("unknown module", func(t *testing.T) {
		_, err := cfg.GetEntity("module:missing")
		assert.Error(t, err)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		_, err := cfg.GetEntity("plugin:echo")
		assert.ErrorContains(t, err, "unsupported entity type")
	})
}

func TestSetPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	initialYAML := `
service:
  name: old-name
pool:
  max_threads: 4
modules:
  math:
    max_threads: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(initialYAML), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	t.Run("set root field", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("service.name", "new-name"))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "new-name", reloaded.Service.Name)
	})

	t.Run("set module field via entity", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("module:math.idle_timeout", "30s"))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, reloaded.Modules["math"].IdleTimeout)
		assert.Equal(t, 30*time.Second, *reloaded.Modules["math"].IdleTimeout)
		assert.Equal(t, 2, *reloaded.Modules["math"].MaxThreads)
	})

	t.Run("create missing keys", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("modules.image.isolation", "process"))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, IsolationProcess, reloaded.Isolation("image"))
	})

	t.Run("invalid value is rolled back", func(t *testing.T) {
		before, err := os.ReadFile(configPath)
		require.NoError(t, err)

		err = cfg.SetPath("pool.min_threads", "9")
		assert.ErrorContains(t, err, "validation failed")

		after, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))
	})

	t.Run("entity without field", func(t *testing.T) {
		assert.Error(t, cfg.SetPath("module:math", "x"))
	})

	t.Run("not loaded from file", func(t *testing.T) {
		assert.Error(t, Defaults().SetPath("service.name", "x"))
	})
}

func TestGuessTag(t *testing.T) {
	assert.Equal(t, "!!bool", guessTag("true"))
	assert.Equal(t, "!!int", guessTag("42"))
	assert.Equal(t, "!!int", guessTag("-3"))
	assert.Equal(t, "!!str", guessTag("-"))
	assert.Equal(t, "!!str", guessTag("10m"))
	assert.Equal(t, "!!str", guessTag(""))
}
