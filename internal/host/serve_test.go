package host

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type stackErr struct{}

func (stackErr) Error() string { return "with stack" }
func (stackErr) Stack() string { return "frame 1\nframe 2" }

func testModule(release <-chan struct{}) *module.Module {
	return module.New("calc",
		module.Func2("add", func(_ context.Context, a, b int) (int, error) { return a + b, nil }),
		module.Func1("fail", func(_ context.Context, msg string) (int, error) { return 0, errors.New(msg) }),
		module.Func0("stacked", func(context.Context) (int, error) { return 0, stackErr{} }),
		module.Func0("boom", func(context.Context) (int, error) { panic("kaboom") }),
		module.Func0("wait", func(ctx context.Context) (string, error) {
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}),
	)
}

type session struct {
	calls *protocol.Encoder
	resps *protocol.Decoder
	close func()
	done  chan error
}

func start(t *testing.T, ctx context.Context, mod *module.Module) *session {
	t.Helper()
	callR, callW := io.Pipe()
	respR, respW := io.Pipe()

	s := &session{
		calls: protocol.NewEncoder(callW),
		resps: protocol.NewDecoder(respR),
		close: func() { _ = callW.Close() },
		done:  make(chan error, 1),
	}
	go func() {
		err := Serve(ctx, callR, respW, mod)
		_ = respW.Close()
		s.done <- err
	}()
	t.Cleanup(func() { _ = callW.Close(); _ = respR.Close() })
	return s
}

func (s *session) call(t *testing.T, id uint64, fn string, args ...any) *protocol.Response {
	t.Helper()
	c, err := protocol.NewCall(id, fn, args...)
	require.NoError(t, err)
	require.NoError(t, s.calls.EncodeCall(c))
	resp, err := s.resps.DecodeResponse()
	require.NoError(t, err)
	require.Equal(t, id, resp.ID)
	return resp
}

func TestServeSuccess(t *testing.T) {
	s := start(t, context.Background(), testModule(nil))

	resp := s.call(t, 1, "add", 2, 3)
	assert.True(t, resp.OK)
	assert.JSONEq(t, `5`, string(resp.Value))

	s.close()
	select {
	case err := <-s.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServeFailures(t *testing.T) {
	s := start(t, context.Background(), testModule(nil))

	tests := []struct {
		name    string
		fn      string
		args    []any
		message string
		stack   bool
	}{
		{name: "export error", fn: "fail", args: []any{"nope"}, message: "nope"},
		{name: "unknown function", fn: "missing", message: "unknown function: calc.missing"},
		{name: "wrong arity", fn: "add", args: []any{1}, message: "wrong number of arguments"},
		{name: "bad argument", fn: "add", args: []any{"x", 1}, message: "argument 0"},
		{name: "panic", fn: "boom", message: "panic: kaboom", stack: true},
		{name: "error stack", fn: "stacked", message: "with stack", stack: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.call(t, uint64(i+1), tt.fn, tt.args...)
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Contains(t, resp.Error.Message, tt.message)
			if tt.stack {
				assert.NotEmpty(t, resp.Error.Stack)
			}
		})
	}
}

func TestServeConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	s := start(t, context.Background(), testModule(release))

	c, err := protocol.NewCall(1, "wait")
	require.NoError(t, err)
	require.NoError(t, s.calls.EncodeCall(c))

	// The blocked call must not hold up a later one.
	resp := s.call(t, 2, "add", 1, 1)
	assert.JSONEq(t, `2`, string(resp.Value))

	close(release)
	resp, err = s.resps.DecodeResponse()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.ID)
	assert.JSONEq(t, `"released"`, string(resp.Value))
}

func TestServeDrainsOnEOF(t *testing.T) {
	release := make(chan struct{})
	s := start(t, context.Background(), testModule(release))

	c, err := protocol.NewCall(7, "wait")
	require.NoError(t, err)
	require.NoError(t, s.calls.EncodeCall(c))
	s.close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	resp, err := s.resps.DecodeResponse()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	assert.NoError(t, <-s.done)
}

func TestServeContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := start(t, ctx, testModule(make(chan struct{})))

	c, err := protocol.NewCall(1, "wait")
	require.NoError(t, err)
	require.NoError(t, s.calls.EncodeCall(c))

	cancel()
	select {
	case err := <-s.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
