package pool

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

var (
	// ErrPoolTerminated is returned by every pool operation after Terminate.
	ErrPoolTerminated = errors.New("pool terminated")
	// ErrInvalidSettings is returned for malformed settings or patches.
	ErrInvalidSettings = errors.New("invalid pool settings")
)

// Settings control pool sizing and idle reclamation.
type Settings struct {
	MinThreads        int           `yaml:"min_threads" json:"min_threads"`
	MaxThreads        int           `yaml:"max_threads" json:"max_threads"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval" json:"idle_check_interval"`
}

// DefaultSettings returns one pre-warmed worker, one worker per CPU at most,
// and reclamation after ten idle minutes checked once a minute.
func DefaultSettings() Settings {
	return Settings{
		MinThreads:        1,
		MaxThreads:        runtime.NumCPU(),
		IdleTimeout:       10 * time.Minute,
		IdleCheckInterval: time.Minute,
	}
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	switch {
	case s.MinThreads < 0:
		return fmt.Errorf("%w: min_threads must be >= 0, got %d", ErrInvalidSettings, s.MinThreads)
	case s.MaxThreads < 1:
		return fmt.Errorf("%w: max_threads must be >= 1, got %d", ErrInvalidSettings, s.MaxThreads)
	case s.MinThreads > s.MaxThreads:
		return fmt.Errorf("%w: min_threads (%d) exceeds max_threads (%d)", ErrInvalidSettings, s.MinThreads, s.MaxThreads)
	case s.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle_timeout must be positive", ErrInvalidSettings)
	case s.IdleCheckInterval <= 0:
		return fmt.Errorf("%w: idle_check_interval must be positive", ErrInvalidSettings)
	}
	return nil
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	MinThreads        *int           `json:"min_threads,omitempty"`
	MaxThreads        *int           `json:"max_threads,omitempty"`
	IdleTimeout       *time.Duration `json:"idle_timeout,omitempty"`
	IdleCheckInterval *time.Duration `json:"idle_check_interval,omitempty"`
}

// Apply merges p into s.
func (s Settings) Apply(p Patch) Settings {
	if p.MinThreads != nil {
		s.MinThreads = *p.MinThreads
	}
	if p.MaxThreads != nil {
		s.MaxThreads = *p.MaxThreads
	}
	if p.IdleTimeout != nil {
		s.IdleTimeout = *p.IdleTimeout
	}
	if p.IdleCheckInterval != nil {
		s.IdleCheckInterval = *p.IdleCheckInterval
	}
	return s
}
