// Package logging configures the node's shared logrus logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger whose level is parsed from levelStr (falling
// back to info on an empty or invalid value) and that writes structured
// text fields to stderr, mirroring the teacher stack's
// logrus.ParseLevel/logrus.StandardLogger() bootstrap sequence.
func New(levelStr string) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if levelStr == "" {
		levelStr = "info"
	}
	lvl, err := logrus.ParseLevel(levelStr)
	if err != nil {
		lg.Warnf("invalid log level %q, defaulting to info", levelStr)
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)
	return lg
}

// WithComponent returns an entry pre-tagged with the owning component's
// name, used so every log line from a subsystem can be filtered on it.
func WithComponent(lg *logrus.Logger, component string) *logrus.Entry {
	return lg.WithField("component", component)
}
