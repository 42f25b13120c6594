package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harida/titian/internal/config"
	"github.com/harida/titian/internal/logger"
	"github.com/harida/titian/internal/usage"
	"github.com/harida/titian/pkg/agent"
	"github.com/harida/titian/pkg/bridge"
	"github.com/rs/zerolog"
)

// app bundles everything a command needs after setup: the connected bridge,
// the tool loop runner, and the resources to tear down on exit.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	bridge  *bridge.Bridge
	catalog *agent.Catalog
	runner  *agent.Runner
	usage   *usage.Store
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(serverScript string) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if serverScript != "" {
		cfg.Server.Script = serverScript
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup builds the full stack: config, logger, bridge, catalog, runner. The
// bridge is connected before setup returns; callers must close the app.
func setup(ctx context.Context, serverScript string, console bool) (*app, error) {
	cfg, err := loadConfig(serverScript)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}

	a.bridge = bridge.New(bridge.Config{
		Timeout: time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second,
		Logger:  log.GetZerolog(),
	})
	if err := a.bridge.Connect(ctx, cfg.Server.Script); err != nil {
		a.Close()
		return nil, err
	}

	catalogScript := ""
	if cfg.Catalog.WatchScript {
		catalogScript = cfg.Server.Script
	}
	a.catalog, err = agent.NewCatalog(agent.CatalogConfig{
		Bridge:   a.bridge,
		Logger:   log.GetZerolog(),
		Script:   catalogScript,
		Schedule: cfg.Catalog.RefreshSchedule,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating catalog: %w", err)
	}
	if err := a.catalog.Start(); err != nil {
		a.Close()
		return nil, fmt.Errorf("starting catalog: %w", err)
	}

	var recorder agent.UsageRecorder
	if cfg.Usage.Enabled {
		a.usage, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening usage store: %w", err)
		}
		recorder = a.usage
	}

	a.runner, err = agent.NewRunner(agent.Config{
		Bridge:       a.bridge,
		AuthProfiles: authProfiles(cfg),
		Loop: agent.LoopConfig{
			Model:            cfg.Loop.Model,
			MaxTokens:        cfg.Loop.MaxTokens,
			Temperature:      cfg.Loop.Temperature,
			MaxRounds:        cfg.Loop.MaxRounds,
			NarrateToolCalls: cfg.Loop.NarrateToolCalls,
		},
		Usage:   recorder,
		Catalog: a.catalog,
		Logger:  log.GetZerolog(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating runner: %w", err)
	}

	return a, nil
}

func authProfiles(cfg *config.Config) []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return profiles
}

// Close tears down in reverse construction order.
func (a *app) Close() {
	if a.catalog != nil {
		a.catalog.Stop()
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.logEvent(func(l zerolog.Logger) { l.Warn().Err(err).Msg("Closing bridge") })
		}
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logEvent(func(l zerolog.Logger) { l.Warn().Err(err).Msg("Closing usage store") })
		}
	}
	if a.log != nil {
		a.log.Close()
	}
}

func (a *app) logEvent(fn func(zerolog.Logger)) {
	if a.log != nil {
		fn(a.log.GetZerolog())
	}
}
