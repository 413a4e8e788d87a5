// Package log is the internal logger shared by the consul, watch and wlock
// packages.
package log

import (
	golog "github.com/go-log/log"
	deflog "github.com/go-log/log/log"
)

var logger golog.Logger = deflog.New()

// Log logs v using the current logger.
func Log(v ...interface{}) {
	logger.Log(v...)
}

// Logf logs a formatted message using the current logger.
func Logf(format string, v ...interface{}) {
	logger.Logf(format, v...)
}

// SetLogger overrides the package logger, letting an embedding application
// route these packages' log lines wherever it routes its own.
func SetLogger(l golog.Logger) {
	logger = l
}
