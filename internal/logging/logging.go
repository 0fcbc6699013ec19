// Package logging provides the structured, leveled logger shared by every
// background task (sync loop, lease loop, camera units, flush loop).
package logging

import (
	"os"

	"github.com/phuslu/log"
)

// New returns a logger tagged with component, writing JSON to stderr when
// attached to a non-TTY, and a colored console line otherwise.
func New(component string) log.Logger {
	var writer log.Writer
	if log.IsTerminal(os.Stderr.Fd()) {
		writer = &log.ConsoleWriter{Writer: os.Stderr}
	} else {
		writer = &log.IOWriter{Writer: os.Stderr}
	}
	return log.Logger{
		Level:      log.InfoLevel,
		Writer:     writer,
		Context:    log.NewContext(nil).Str("component", component).Value(),
		TimeFormat: "2006-01-02T15:04:05Z07:00",
	}
}

// SetLevel parses a textual level ("debug", "info", "warn", "error") and
// returns log.InfoLevel for anything unrecognized.
func SetLevel(l log.Logger, levelName string) log.Logger {
	switch levelName {
	case "debug":
		l.Level = log.DebugLevel
	case "warn":
		l.Level = log.WarnLevel
	case "error":
		l.Level = log.ErrorLevel
	default:
		l.Level = log.InfoLevel
	}
	return l
}
