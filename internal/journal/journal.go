// Package journal persists settled calls to SQLite off the hot path.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/storage"
)

const (
	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
)

// Entry is one journaled call.
type Entry struct {
	dispatch.Record
	RunID          string `json:"run_id"`
	DurationMicros int64  `json:"duration_us"`
}

// Journal writes dispatch records asynchronously. Records that arrive while
// the buffer is full are dropped and counted.
type Journal struct {
	db      *sql.DB
	runID   string
	records chan dispatch.Record
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	logger  *slog.Logger
}

// Open opens the journal database at path and starts the writer.
func Open(ctx context.Context, path string, buffer int) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db, buffer), nil
}

// New starts a journal on an already bootstrapped database. Close closes db.
func New(db *sql.DB, buffer int) *Journal {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	runID := uuid.NewString()
	j := &Journal{
		db:      db,
		runID:   runID,
		records: make(chan dispatch.Record, buffer),
		done:    make(chan struct{}),
		logger:  log.WithComponent("journal").With("run_id", runID),
	}
	go j.run()
	return j
}

// RunID identifies the records written by this process.
func (j *Journal) RunID() string { return j.runID }

// Observe queues rec for writing. It never blocks; use it as a
// dispatch.Observer.
func (j *Journal) Observe(rec dispatch.Record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.records <- rec:
	default:
		n := j.dropped.Add(1)
		j.logger.Warn("journal buffer full, dropping record", "call_id", rec.ID, "dropped", n)
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) run() {
	defer close(j.done)
	for rec := range j.records {
		if err := j.write(rec); err != nil {
			j.logger.Warn("failed to journal call", "call_id", rec.ID, "error", err)
		}
	}
}

func (j *Journal) write(rec dispatch.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO call_log(
  run_id, call_id, module, fn, worker_id, status, error, issued_at, settled_at, duration_us
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, j.runID, int64(rec.ID), rec.Module, rec.Fn, rec.WorkerID, string(rec.Status), errText,
		rec.IssuedAt.UTC().Format(time.RFC3339Nano),
		rec.SettledAt.UTC().Format(time.RFC3339Nano),
		rec.Duration().Microseconds())
	if err != nil {
		return fmt.Errorf("insert call_log: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty module matches
// every module.
func (j *Journal) Recent(ctx context.Context, module string, limit int) ([]Entry, error) {
	return Recent(ctx, j.db, module, limit)
}

// Recent reads journal entries from db, newest first.
func Recent(ctx context.Context, db *sql.DB, module string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
SELECT run_id, call_id, module, fn, worker_id, status, error, issued_at, settled_at, duration_us
FROM call_log
WHERE ? = '' OR module = ?
ORDER BY seq DESC
LIMIT ?;
`, module, module, limit)
	if err != nil {
		return nil, fmt.Errorf("query call_log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			callID  int64
			status  string
			errText sql.NullString
			issued  string
			settled string
		)
		if err := rows.Scan(&e.RunID, &callID, &e.Module, &e.Fn, &e.WorkerID, &status, &errText,
			&issued, &settled, &e.DurationMicros); err != nil {
			return nil, fmt.Errorf("scan call_log: %w", err)
		}
		e.ID = uint64(callID)
		e.Status = dispatch.Status(status)
		e.Error = errText.String
		if e.IssuedAt, err = time.Parse(time.RFC3339Nano, issued); err != nil {
			return nil, fmt.Errorf("parse issued_at: %w", err)
		}
		if e.SettledAt, err = time.Parse(time.RFC3339Nano, settled); err != nil {
			return nil, fmt.Errorf("parse settled_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call_log: %w", err)
	}
	return out, nil
}

// Close stops accepting records, writes what is buffered, and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
