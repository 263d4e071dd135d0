package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/concurrent/internal/api"
	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/engine"
	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/journal"
	"github.com/mattjoyce/concurrent/internal/lock"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/pool"
)

const eventBufferSize = 256

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	preload := fs.String("preload", "", "Comma-separated modules to load at startup")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := log.WithComponent("main")
	logger.Info("concurrent starting", "version", currentVersionInfo().Version, "config", cfg.SourceFile)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Another instance is running: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire PID lock: %v\n", err)
		}
		return 1
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release PID lock", "error", err)
		}
	}()

	reg, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("failed to build module registry", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(eventBufferSize)
	opts := []engine.Option{engine.WithEvents(hub)}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.Open(ctx, cfg.Journal.Path, cfg.Journal.Buffer)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer func() {
			if err := jr.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
		}()
		opts = append(opts, engine.WithObserver(jr.Observe))
		logger.Info("journal enabled", "path", cfg.Journal.Path, "run_id", jr.RunID())
	}

	eng := engine.New(cfg, reg, opts...)

	for _, name := range splitList(*preload) {
		if _, err := eng.Load(ctx, name); err != nil {
			logger.Error("failed to preload module", "module", name, "error", err)
			_ = eng.Terminate(ctx, true)
			return 1
		}
	}

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		var calls api.CallLog
		if jr != nil {
			calls = jr
		}
		srv := api.New(apiConfig(cfg), eng, calls, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	logger.Info("concurrent ready", "modules", len(reg.Names()), "api", cfg.API.Enabled)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadPools(cfg, eng)
				continue
			}
			logger.Info("received signal, shutting down", "signal", sig.String())
			return shutdown(cancel, eng, sigCh)
		case err := <-errCh:
			logger.Error("service error", "error", err)
			cancel()
			_ = eng.Terminate(context.Background(), true)
			return 1
		}
	}
}

// shutdown terminates the engine gracefully. A second signal ends the
// graceful wait, which escalates the remaining workers to force.
func shutdown(cancel context.CancelFunc, eng *engine.Engine, sigCh <-chan os.Signal) int {
	logger := log.WithComponent("main")
	defer cancel()

	termCtx, stopWaiting := context.WithCancel(context.Background())
	defer stopWaiting()
	done := make(chan error, 1)
	go func() { done <- eng.Terminate(termCtx, false) }()

	var err error
	select {
	case err = <-done:
	case sig := <-sigCh:
		logger.Warn("second signal, forcing termination", "signal", sig.String())
		stopWaiting()
		err = <-done
	}

	if err != nil {
		logger.Warn("terminate finished with errors", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// reloadPools re-reads the config file and applies the log level and the pool
// settings of every loaded module. Other sections need a restart.
func reloadPools(current *config.Config, eng *engine.Engine) {
	logger := log.WithComponent("main")
	if current.SourceFile == "" {
		logger.Info("SIGHUP ignored, no config file loaded")
		return
	}
	next, err := config.Load(current.SourceFile)
	if err != nil {
		logger.Error("config reload failed, keeping current settings", "error", err)
		return
	}
	if log.ParseLevel(next.Service.LogLevel) != log.Level() {
		log.SetLevel(next.Service.LogLevel)
		logger.Info("log level changed", "log_level", next.Service.LogLevel)
	}

	for _, st := range eng.Stats() {
		s := next.PoolSettings(st.Name)
		patch := pool.Patch{
			MinThreads:        &s.MinThreads,
			MaxThreads:        &s.MaxThreads,
			IdleTimeout:       &s.IdleTimeout,
			IdleCheckInterval: &s.IdleCheckInterval,
		}
		if err := eng.Config(patch, st.Name); err != nil {
			logger.Error("pool reconfigure failed", "module", st.Name, "error", err)
			continue
		}
		logger.Info("pool reconfigured", "module", st.Name, "min_threads", s.MinThreads, "max_threads", s.MaxThreads)
	}
}

func apiConfig(cfg *config.Config) api.Config {
	return api.Config{
		Listen:      cfg.API.Listen,
		APIKey:      cfg.API.Auth.APIKey,
		CallTimeout: cfg.API.CallTimeout,
	}
}

func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
