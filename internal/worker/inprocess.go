package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattjoyce/concurrent/internal/host"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
)

// InProcessFactory hosts a module on goroutines inside this process. Calls
// still travel through the wire codec over in-memory pipes, so the worker
// shares nothing with the caller but the module's code.
type InProcessFactory struct {
	Module *module.Module
	// GracePeriod bounds how long a graceful Terminate waits before forcing.
	GracePeriod time.Duration
}

func (f *InProcessFactory) Create(_ context.Context) (ExecutionContext, error) {
	if f.Module == nil {
		return nil, fmt.Errorf("in-process factory has no module")
	}

	callR, callW := io.Pipe()
	respR, respW := io.Pipe()
	// The worker outlives the ctx that asked for it; only Terminate stops it.
	ctx, cancel := context.WithCancel(context.Background())

	w := &inProcess{
		cancel:  cancel,
		callR:   callR,
		respW:   respW,
		grace:   gracePeriod(f.GracePeriod),
		served:  make(chan struct{}),
		done:    make(chan struct{}),
		channel: newStreamChannel(respR, callW, log.WithModule(f.Module.Name)),
	}

	go func() {
		w.serveErr = host.Serve(ctx, callR, respW, f.Module)
		_ = respW.Close()
		close(w.served)
	}()
	go w.wait()
	return w, nil
}

type inProcess struct {
	cancel  context.CancelFunc
	callR   *io.PipeReader
	respW   *io.PipeWriter
	grace   time.Duration
	channel *streamChannel

	served   chan struct{}
	serveErr error

	mu     sync.Mutex
	forced bool

	done chan struct{}
	err  error
}

func (w *inProcess) Channel() Channel { return w.channel }

func (w *inProcess) Done() <-chan struct{} { return w.done }

func (w *inProcess) Err() error {
	<-w.done
	return w.err
}

func (w *inProcess) Terminate(force bool) error {
	if force {
		w.kill()
		<-w.done
		return nil
	}

	_ = w.channel.closeWrite()
	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.kill()
		<-w.done
	}
	return nil
}

func (w *inProcess) kill() {
	w.mu.Lock()
	w.forced = true
	w.mu.Unlock()

	w.cancel()
	_ = w.callR.CloseWithError(ErrWorkerTerminated)
	_ = w.respW.CloseWithError(ErrWorkerTerminated)
}

// wait finishes the context once both the serve loop and the response
// reader are done. If the reader breaks first, the worker can no longer
// answer and is killed.
func (w *inProcess) wait() {
	var broken error
	select {
	case <-w.served:
	case <-w.channel.readDone:
		if err := w.channel.err(); err != nil && !w.wasForced() {
			broken = err
			w.kill()
		}
		<-w.served
	}
	<-w.channel.readDone

	forced := w.wasForced()

	switch {
	case broken != nil:
		w.err = fmt.Errorf("response stream: %w", broken)
	case forced:
		w.err = ErrWorkerTerminated
	case w.serveErr != nil && !errors.Is(w.serveErr, context.Canceled):
		w.err = w.serveErr
	}
	close(w.done)
}

func gracePeriod(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultGracePeriod
	}
	return d
}

func (w *inProcess) wasForced() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forced
}
