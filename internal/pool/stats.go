package pool

import "time"

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	InFlight int       `json:"in_flight"`
	LastIdle time.Time `json:"last_idle"`
}

// Stats is a snapshot of a pool.
type Stats struct {
	Name        string        `json:"name"`
	Size        int           `json:"size"`
	Busy        int           `json:"busy"`
	InFlight    int           `json:"in_flight"`
	Retiring    int           `json:"retiring"`
	MinThreads  int           `json:"min_threads"`
	MaxThreads  int           `json:"max_threads"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	Turn        int           `json:"turn"`
	Terminated  bool          `json:"terminated"`
	Workers     []WorkerStats `json:"workers"`
}

// Stats returns a consistent snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Name:        p.name,
		Size:        len(p.handles),
		Retiring:    len(p.retiring),
		MinThreads:  p.settings.MinThreads,
		MaxThreads:  p.settings.MaxThreads,
		IdleTimeout: p.settings.IdleTimeout,
		Turn:        p.turn,
		Terminated:  p.terminated,
		Workers:     make([]WorkerStats, 0, len(p.handles)),
	}
	for _, h := range p.handles {
		n := h.InFlight()
		if n > 0 {
			st.Busy++
		}
		st.InFlight += n
		st.Workers = append(st.Workers, WorkerStats{
			ID:       h.ID(),
			State:    h.State(),
			InFlight: n,
			LastIdle: h.LastIdleTime(),
		})
	}
	return st
}
