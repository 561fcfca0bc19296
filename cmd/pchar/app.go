package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pchar/internal/journal"
	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/workqueue"
	"github.com/srg/pchar/pkg/config"
)

// app is what every subcommand runs on: configuration, a logger mirrored
// into the journal, the device registry and the deferred event queue.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	journal  *journal.Journal
	registry *pchar.Registry
	events   *workqueue.Queue
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("devices") {
		cfg.Devices, _ = cmd.Flags().GetInt("devices")
	}
	if cmd.Flags().Changed("capacity") {
		cfg.Capacity, _ = cmd.Flags().GetInt("capacity")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	j, err := journal.New(cfg.JournalSize)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, j)
	if err != nil {
		return nil, err
	}

	registry, err := pchar.NewRegistry(&pchar.Options{
		Devices:     cfg.Devices,
		Capacity:    cfg.Capacity,
		MaxCapacity: cfg.MaxCapacity,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		journal:  j,
		registry: registry,
		events:   workqueue.New("pchar-events", &workqueue.Options{Logger: logger}),
	}, nil
}

// Close stops the event queue and tears the registry down.
func (a *app) Close() error {
	return errors.Join(a.events.Close(a.cfg.CloseTimeout), a.registry.Close())
}
