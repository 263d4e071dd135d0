package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/protocol"
	"github.com/mattjoyce/concurrent/internal/worker"
)

const shardCount = 32

// Status is how a call settled.
type Status string

const (
	StatusOK         Status = "ok"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Record describes one settled call. Observers receive it after the future
// has settled.
type Record struct {
	ID        uint64    `json:"id"`
	Module    string    `json:"module"`
	Fn        string    `json:"fn"`
	WorkerID  string    `json:"worker_id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	SettledAt time.Time `json:"settled_at"`
}

// Duration is how long the call was outstanding.
func (r Record) Duration() time.Duration { return r.SettledAt.Sub(r.IssuedAt) }

// Observer is notified of every settled call. It must not block.
type Observer func(Record)

// Sender is the part of a worker handle the dispatcher sends through.
type Sender interface {
	ID() string
	Send(c *protocol.Call) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEvents publishes call.issued and call.settled to p.
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithObserver adds an observer for settled calls.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithClock overrides the time source used for records.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// CallOption annotates an issued call.
type CallOption func(*pending)

// InModule tags the call with the module it belongs to, for records and events.
func InModule(name string) CallOption {
	return func(p *pending) { p.module = name }
}

type pending struct {
	future   *Future
	workerID string
	module   string
	fn       string
	issuedAt time.Time
}

type shard struct {
	mu    sync.Mutex
	calls map[uint64]*pending
}

// Dispatcher owns the correlation table shared by every pool in the process.
type Dispatcher struct {
	nextID    atomic.Uint64
	unmatched atomic.Uint64
	shards    [shardCount]shard

	events    events.Publisher
	observers []Observer
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		events: events.Nop{},
		now:    time.Now,
		logger: log.WithComponent("dispatch"),
	}
	for i := range d.shards {
		d.shards[i].calls = make(map[uint64]*pending)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) shardFor(id uint64) *shard {
	return &d.shards[id%shardCount]
}

// Attach routes h's responses into the table and rejects h's pending calls
// when it exits.
func (d *Dispatcher) Attach(h *worker.Handle) {
	h.OnMessage(d.DeliverResponse)
	h.OnExit(func(h *worker.Handle, err error) {
		d.RejectHandle(h.ID(), err)
	})
}

// IssueCall assigns an id, records a pending entry, and sends the call
// through h. If the send fails the entry is removed and the error returned;
// no future is created for a call that was never delivered.
func (d *Dispatcher) IssueCall(h Sender, fn string, args []any, opts ...CallOption) (*Future, error) {
	id := d.nextID.Add(1)
	call, err := protocol.NewCall(id, fn, args...)
	if err != nil {
		return nil, err
	}

	p := &pending{
		future:   newFuture(id),
		workerID: h.ID(),
		fn:       fn,
		issuedAt: d.now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	s := d.shardFor(id)
	s.mu.Lock()
	s.calls[id] = p
	s.mu.Unlock()

	if err := h.Send(call); err != nil {
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
		return nil, err
	}

	d.events.Publish(events.CallIssued, map[string]any{
		"call_id":   id,
		"module":    p.module,
		"fn":        fn,
		"worker_id": p.workerID,
	})
	return p.future, nil
}

// DeliverResponse settles the pending call resp answers. Responses with no
// pending entry are counted and dropped.
func (d *Dispatcher) DeliverResponse(resp *protocol.Response) {
	s := d.shardFor(resp.ID)
	s.mu.Lock()
	p, ok := s.calls[resp.ID]
	delete(s.calls, resp.ID)
	s.mu.Unlock()

	if !ok {
		d.unmatched.Add(1)
		log.WithCall(resp.ID).Debug("dropping unmatched response")
		return
	}

	if resp.OK {
		d.settle(p, resp.Value, nil, StatusOK)
		return
	}
	d.settle(p, nil, &RemoteError{Message: resp.Error.Message, Stack: resp.Error.Stack}, StatusError)
}

// RejectHandle rejects every pending call sent to workerID with cause.
// cause should wrap worker.ErrWorkerTerminated; a nil cause uses it directly.
func (d *Dispatcher) RejectHandle(workerID string, cause error) int {
	if cause == nil {
		cause = worker.ErrWorkerTerminated
	} else if !errors.Is(cause, worker.ErrWorkerTerminated) {
		cause = fmt.Errorf("%w: %v", worker.ErrWorkerTerminated, cause)
	}

	var rejected []*pending
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, p := range s.calls {
			if p.workerID == workerID {
				rejected = append(rejected, p)
				delete(s.calls, id)
			}
		}
		s.mu.Unlock()
	}

	for _, p := range rejected {
		d.settle(p, nil, cause, StatusTerminated)
	}
	if len(rejected) > 0 {
		d.logger.Info("rejected pending calls of terminated worker", "worker_id", workerID, "count", len(rejected))
	}
	return len(rejected)
}

func (d *Dispatcher) settle(p *pending, value []byte, err error, status Status) {
	if !p.future.settle(value, err) {
		return
	}
	rec := Record{
		ID:        p.future.id,
		Module:    p.module,
		Fn:        p.fn,
		WorkerID:  p.workerID,
		Status:    status,
		IssuedAt:  p.issuedAt,
		SettledAt: d.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.events.Publish(events.CallSettled, rec)
	for _, o := range d.observers {
		o(rec)
	}
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.calls)
		s.mu.Unlock()
	}
	return n
}

// Unmatched returns how many responses arrived with no pending call.
func (d *Dispatcher) Unmatched() uint64 {
	return d.unmatched.Load()
}
