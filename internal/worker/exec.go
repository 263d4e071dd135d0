package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/concurrent/internal/log"
)

const (
	// defaultGracePeriod is how long each termination step waits before escalating.
	defaultGracePeriod = 5 * time.Second
	// maxStderrBytes caps the amount of stderr kept from a worker process.
	maxStderrBytes = 64 * 1024
)

// ExecFactory starts each worker as a child process that speaks the worker
// protocol on stdin/stdout. Stderr is captured for diagnostics.
type ExecFactory struct {
	Path        string
	Args        []string
	Env         []string // appended to the parent environment
	Dir         string
	GracePeriod time.Duration
	Logger      *slog.Logger
	// Verify, when set, runs before every spawn; an error refuses the start.
	Verify func() error
}

func (f *ExecFactory) Create(_ context.Context) (ExecutionContext, error) {
	logger := f.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}

	if f.Verify != nil {
		if err := f.Verify(); err != nil {
			return nil, fmt.Errorf("refusing to start worker: %w", err)
		}
	}

	// Don't use CommandContext; the process lifetime is managed by Terminate.
	cmd := exec.Command(f.Path, f.Args...)
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Dir = f.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// A plain os.Pipe keeps cmd.Wait from racing the response reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	_ = stdoutW.Close()

	logger = logger.With("pid", cmd.Process.Pid)
	logger.Debug("worker process started", "path", f.Path)

	p := &process{
		cmd:     cmd,
		logger:  logger,
		grace:   gracePeriod(f.GracePeriod),
		stderr:  stderr,
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
		channel: newStreamChannel(stdoutR, stdin, logger),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	go p.wait()
	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	logger  *slog.Logger
	grace   time.Duration
	stderr  *cappedBuffer
	channel *streamChannel

	exited  chan struct{}
	waitErr error

	mu     sync.Mutex
	forced bool

	done chan struct{}
	err  error
}

func (p *process) Channel() Channel { return p.channel }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	<-p.done
	return p.err
}

// Terminate closes stdin and waits; then sends SIGTERM and waits; then SIGKILL.
// With force it goes straight to SIGKILL.
func (p *process) Terminate(force bool) error {
	if force {
		p.kill()
		<-p.done
		return nil
	}

	_ = p.channel.closeWrite()
	if p.waitExit() {
		return nil
	}

	p.logger.Warn("worker did not exit after stdin closed, sending SIGTERM")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("failed to send SIGTERM", "error", err)
	}
	if p.waitExit() {
		return nil
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	p.kill()
	<-p.done
	return nil
}

func (p *process) waitExit() bool {
	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-p.done:
		return true
	case <-grace.C:
		return false
	}
}

func (p *process) kill() {
	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Debug("failed to send SIGKILL", "error", err)
	}
}

// wait finishes the context once the process has exited and its stdout is
// drained. A broken response stream kills the process; a child that leaks
// stdout to a grandchild gets its reader closed after one grace period.
func (p *process) wait() {
	var broken error
	select {
	case <-p.exited:
	case <-p.channel.readDone:
		if err := p.channel.err(); err != nil && !p.wasForced() {
			broken = err
			p.logger.Warn("worker response stream broken, killing worker", "error", err)
			p.kill()
		}
		<-p.exited
	}

	grace := time.NewTimer(p.grace)
	select {
	case <-p.channel.readDone:
	case <-grace.C:
		_ = p.channel.r.Close()
		<-p.channel.readDone
	}
	grace.Stop()

	forced := p.wasForced()

	switch {
	case broken != nil:
		p.err = fmt.Errorf("response stream: %w", broken)
	case forced:
		p.err = ErrWorkerTerminated
	case p.waitErr != nil:
		p.err = fmt.Errorf("worker process exited: %w%s", p.waitErr, p.stderr.tail())
	case p.channel.err() != nil:
		p.err = fmt.Errorf("response stream: %w", p.channel.err())
	}
	p.logger.Debug("worker process exited", "error", p.err)
	close(p.done)
}

// cappedBuffer keeps at most max bytes of stderr, dropping the overflow.
type cappedBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// tail formats the last stderr line for an error message.
func (b *cappedBuffer) tail() string {
	s := strings.TrimSpace(b.String())
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return fmt.Sprintf(" (stderr: %s)", s)
}

func (p *process) wasForced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}
