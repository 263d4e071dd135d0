package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/concurrent/internal/builtin"
	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/dispatch"
	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/host"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
	"github.com/mattjoyce/concurrent/internal/pool"
	"github.com/mattjoyce/concurrent/internal/worker"
)

const helperEnv = "CONCURRENT_TEST_HELPER_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := host.Serve(context.Background(), os.Stdin, os.Stdout, builtin.Math); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Pool.MinThreads = 1
	cfg.Pool.MaxThreads = 2
	cfg.Pool.TerminateTimeout = 5 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	reg := module.NewRegistry()
	require.NoError(t, reg.AddBuiltin(builtin.Math))
	e := New(cfg, reg, opts...)
	t.Cleanup(func() { _ = e.Terminate(context.Background(), true) })
	return e
}

func TestEngine_LoadAndCall(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()

	px, err := e.Load(ctx, "math")
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "double", "factorial", "fail", "sleep"}, px.Names())

	f, err := px.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	sum, err := dispatch.Await[float64](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 5.0, sum)

	f, err = px.Call(ctx, "fail", "nope")
	require.NoError(t, err)
	_, err = f.Await(ctx)
	assert.ErrorIs(t, err, dispatch.ErrRemoteExecution)
	assert.EqualError(t, err, "nope")
}

func TestEngine_LoadIsIdempotent(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()

	a, err := e.Load(ctx, "math")
	require.NoError(t, err)
	b, err := e.Load(ctx, "math")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, e.Stats(), 1)
}

func TestEngine_LoadUnknownModule(t *testing.T) {
	e := newEngine(t, testConfig())
	_, err := e.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestEngine_LoadFactoryError(t *testing.T) {
	boom := errors.New("no factory")
	e := newEngine(t, testConfig(), WithFactory(func(*module.Spec) (worker.Factory, error) {
		return nil, boom
	}))
	_, err := e.Load(context.Background(), "math")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, e.Stats())
}

func TestEngine_ModulesAndStats(t *testing.T) {
	cfg := testConfig()
	cfg.Modules["math"] = config.ModuleConf{Isolation: config.IsolationInProcess}
	e := newEngine(t, cfg)

	mods := e.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, "math", mods[0].Name)
	assert.Equal(t, module.KindBuiltin, mods[0].Kind)
	assert.False(t, mods[0].Loaded)

	_, err := e.Load(context.Background(), "math")
	require.NoError(t, err)
	assert.True(t, e.Modules()[0].Loaded)

	st := e.Stats()
	require.Len(t, st, 1)
	assert.Equal(t, "math", st[0].Name)
	assert.Equal(t, 1, st[0].Size, "pre-warmed to min_threads")
	assert.Equal(t, 2, st[0].MaxThreads)
}

func TestEngine_PerModuleSettings(t *testing.T) {
	cfg := testConfig()
	four := 4
	cfg.Modules["math"] = config.ModuleConf{MaxThreads: &four}
	e := newEngine(t, cfg)

	_, err := e.Load(context.Background(), "math")
	require.NoError(t, err)
	assert.Equal(t, 4, e.Stats()[0].MaxThreads)
}

func TestEngine_Config(t *testing.T) {
	e := newEngine(t, testConfig())
	_, err := e.Load(context.Background(), "math")
	require.NoError(t, err)

	three := 3
	require.NoError(t, e.Config(pool.Patch{MaxThreads: &three}))
	assert.Equal(t, 3, e.Stats()[0].MaxThreads)

	require.NoError(t, e.Config(pool.Patch{MaxThreads: &three}, "math"))
	assert.Error(t, e.Config(pool.Patch{MaxThreads: &three}, "other"))

	zero := 0
	err = e.Config(pool.Patch{MaxThreads: &zero})
	assert.ErrorIs(t, err, pool.ErrInvalidSettings)
}

func TestEngine_TerminateGraceful(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	px, err := e.Load(ctx, "math")
	require.NoError(t, err)

	f, err := px.Call(ctx, "sleep", 50)
	require.NoError(t, err)

	require.NoError(t, e.Terminate(ctx, false))
	ms, err := dispatch.Await[int](ctx, f)
	require.NoError(t, err, "graceful terminate lets in-flight calls finish")
	assert.Equal(t, 50, ms)

	_, err = e.Load(ctx, "math")
	assert.ErrorIs(t, err, pool.ErrPoolTerminated)
	_, err = px.Call(ctx, "add", 1, 1)
	assert.ErrorIs(t, err, pool.ErrPoolTerminated)
	assert.NoError(t, e.Terminate(ctx, false), "second terminate is a no-op")
}

func TestEngine_TerminateForced(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()
	px, err := e.Load(ctx, "math")
	require.NoError(t, err)

	f, err := px.Call(ctx, "sleep", 10_000)
	require.NoError(t, err)

	require.NoError(t, e.Terminate(ctx, true))
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = f.Await(waitCtx)
	assert.ErrorIs(t, err, worker.ErrWorkerTerminated)
}

func TestEngine_ObserverAndEvents(t *testing.T) {
	hub := events.NewHub(16)
	var (
		mu      sync.Mutex
		records []dispatch.Record
	)
	e := newEngine(t, testConfig(), WithEvents(hub), WithObserver(func(r dispatch.Record) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}))
	ctx := context.Background()
	px, err := e.Load(ctx, "math")
	require.NoError(t, err)

	f, err := px.Call(ctx, "double", 21)
	require.NoError(t, err)
	v, err := dispatch.Await[float64](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	// Observers and events fire just after the future settles.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "math", records[0].Module)
	assert.Equal(t, "double", records[0].Fn)
	assert.Equal(t, dispatch.StatusOK, records[0].Status)
	mu.Unlock()

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, ev := range hub.SnapshotSince(0) {
			seen[ev.Type] = true
		}
		return seen[events.WorkerSpawned] && seen[events.CallIssued] && seen[events.CallSettled]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ProcessIsolation(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Modules["math"] = config.ModuleConf{
		Isolation: config.IsolationProcess,
		Env:       map[string]string{helperEnv: "1"},
	}
	e := newEngine(t, cfg, WithExecutable(exe))
	ctx := context.Background()

	px, err := e.Load(ctx, "math")
	require.NoError(t, err)
	f, err := px.Call(ctx, "factorial", 10)
	require.NoError(t, err)
	out, err := dispatch.Await[string](ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "3628800", out)

	require.NoError(t, e.Terminate(ctx, false))
}
