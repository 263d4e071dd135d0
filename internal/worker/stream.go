package worker

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/concurrent/internal/protocol"
)

// streamChannel speaks NDJSON over a reader/writer pair. A read loop decodes
// responses until the reader fails; Close stops delivery synchronously.
type streamChannel struct {
	logger *slog.Logger

	sendMu sync.Mutex
	enc    *protocol.Encoder
	w      io.Closer
	r      io.Closer

	mu      sync.RWMutex
	handler func(*protocol.Response)
	closed  bool

	readDone chan struct{}
	readErr  error
}

func newStreamChannel(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *streamChannel {
	c := &streamChannel{
		logger:   logger,
		enc:      protocol.NewEncoder(w),
		w:        w,
		r:        r,
		readDone: make(chan struct{}),
	}
	go c.readLoop(protocol.NewDecoder(r))
	return c
}

func (c *streamChannel) Send(call *protocol.Call) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return io.ErrClosedPipe
	}
	return c.enc.EncodeCall(call)
}

// err reports why the read loop stopped. Valid after readDone is closed.
func (c *streamChannel) err() error {
	<-c.readDone
	return c.readErr
}

func (c *streamChannel) OnMessage(fn func(*protocol.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// closeWrite closes the worker's input, which asks it to finish and exit.
// It does not take sendMu so it can unblock a Send stuck on a full pipe.
func (c *streamChannel) closeWrite() error {
	return c.w.Close()
}

func (c *streamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()

	return errors.Join(c.closeWrite(), c.r.Close())
}

func (c *streamChannel) readLoop(dec *protocol.Decoder) {
	defer close(c.readDone)
	for {
		resp, err := dec.DecodeResponse()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.readErr = err
				c.logger.Debug("worker output stream ended", "error", err)
			}
			return
		}
		c.mu.RLock()
		if !c.closed && c.handler != nil {
			c.handler(resp)
		}
		c.mu.RUnlock()
	}
}
