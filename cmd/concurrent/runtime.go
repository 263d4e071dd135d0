package main

import (
	"fmt"
	"os"

	"github.com/mattjoyce/concurrent/internal/builtin"
	"github.com/mattjoyce/concurrent/internal/config"
	"github.com/mattjoyce/concurrent/internal/log"
	"github.com/mattjoyce/concurrent/internal/module"
)

// loadConfig loads the discovered config and sets up logging. Commands that
// print results log to stderr so stdout stays clean.
func loadConfig(configPath string, toStderr bool) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if toStderr {
		log.SetupWriter(cfg.Service.LogLevel, os.Stderr)
	} else {
		log.Setup(cfg.Service.LogLevel)
	}
	return cfg, nil
}

// buildRegistry registers the builtin modules and every exec module found
// under cfg.ModulesDir.
func buildRegistry(cfg *config.Config) (*module.Registry, error) {
	reg := module.NewRegistry()
	if err := reg.AddBuiltin(builtin.All()...); err != nil {
		return nil, fmt.Errorf("register builtin modules: %w", err)
	}

	logger := log.WithComponent("discovery")
	err := reg.Discover(cfg.ModulesDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("module discovery: %w", err)
	}
	return reg, nil
}
