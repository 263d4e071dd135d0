package config

import "github.com/mattjoyce/concurrent/internal/pool"

// PoolSettings resolves the pool settings for module name: pool defaults
// with that module's overrides applied.
func (c *Config) PoolSettings(name string) pool.Settings {
	s := pool.Settings{
		MinThreads:        c.Pool.MinThreads,
		MaxThreads:        c.Pool.MaxThreads,
		IdleTimeout:       c.Pool.IdleTimeout,
		IdleCheckInterval: c.Pool.IdleCheckInterval,
	}
	mc, ok := c.Modules[name]
	if !ok {
		return s
	}
	return s.Apply(pool.Patch{
		MinThreads:  mc.MinThreads,
		MaxThreads:  mc.MaxThreads,
		IdleTimeout: mc.IdleTimeout,
	})
}

// Isolation returns the isolation mode configured for module name.
func (c *Config) Isolation(name string) string {
	if mc, ok := c.Modules[name]; ok && mc.Isolation != "" {
		return mc.Isolation
	}
	return IsolationInProcess
}
