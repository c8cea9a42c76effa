// Package vlog provides the structured logger shared by every long-running
// component (supervisor, scheduler, process manager, buffered store).
package vlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger configured for the given component name.
// Every call site should hold onto the returned entry rather than calling
// New repeatedly, since component is attached as a permanent field.
func New(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger.WithField("component", component)
}

// Discard returns an entry that logs nowhere, for tests that don't care
// about log output.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(devNull())
	return logger.WithField("component", "test")
}

func devNull() *os.File {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return os.Stderr
	}
	return f
}
