package logging

import (
	"github.com/sirupsen/logrus"
)

// New builds the shared logger. Outside dev the formatter is JSON so log
// pipelines can parse decision and failure fields.
func New(env string) *logrus.Logger {
	logger := logrus.New()
	if env != "dev" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	switch env {
	case "dev":
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
