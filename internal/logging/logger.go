// Package logging builds the process-wide logrus.Logger from
// internal/config.LoggingConfig.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/opsconductor/opsconductor/internal/config"
)

// NewLogger builds a *logrus.Logger honoring cfg's level and formatter.
// An unparseable level falls back to info rather than failing startup.
func NewLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}
