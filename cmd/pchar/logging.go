package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pchar/internal/journal"
	"github.com/srg/pchar/pkg/config"
)

// configureLogger creates a logger with the appropriate log level.
// --log-level takes precedence over the configured level. Entries go to the
// command's stderr and, when j is not nil, are mirrored into the journal.
func configureLogger(cmd *cobra.Command, cfg *config.Config, j *journal.Journal) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			cfg.LogLevel = logrus.DebugLevel
		case "info":
			cfg.LogLevel = logrus.InfoLevel
		case "warn":
			cfg.LogLevel = logrus.WarnLevel
		case "error":
			cfg.LogLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if j != nil {
		journal.Attach(logger, j, logrus.DebugLevel)
	}
	return logger, nil
}
