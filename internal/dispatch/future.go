package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrRemoteExecution matches every *RemoteError.
var ErrRemoteExecution = errors.New("remote execution failed")

// RemoteError is a failure raised inside the worker, carried back verbatim.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteExecution }

// Future is the caller's view of one issued call.
type Future struct {
	id   uint64
	once sync.Once
	done chan struct{}

	value json.RawMessage
	err   error
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the call's correlation id.
func (f *Future) ID() uint64 { return f.id }

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the call settles or ctx ends. Giving up on ctx does not
// cancel the call; it still settles later.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle records the outcome. Only the first call has any effect; it reports
// whether this call was the one that settled the future.
func (f *Future) settle(value json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		settled = true
	})
	return settled
}

// Await waits for f and decodes its value into T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	raw, err := f.Await(ctx)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of call %d: %w", f.id, err)
	}
	return out, nil
}
