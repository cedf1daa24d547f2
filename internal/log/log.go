// File: internal/log/log.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Tagged logrus entries shared by every package.

package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns an entry of the standard logger tagged with component.
func NewLogger(component string) *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", component)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// OrDefault returns l, or a tagged standard logger when l is nil.
func OrDefault(l logrus.FieldLogger, component string) logrus.FieldLogger {
	if l != nil {
		return l.WithField("component", component)
	}
	return NewLogger(component)
}
