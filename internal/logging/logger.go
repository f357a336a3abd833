// Package logging provides structured logging for admitguard.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a JSON-formatted logrus logger at the given level.
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	logger.SetOutput(os.Stdout)

	return logger
}

// RequestFields returns the standard field set for request-scoped log lines.
func RequestFields(method, path, clientIP string) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"client_ip": clientIP,
		"type":      "request",
	}
}
