// Package obs provides the structured-logging convention shared by every
// sovrnet package: a logrus entry pre-populated with the package and
// function name, so log lines are greppable by component without each
// call site repeating boilerplate fields.
package obs

import "github.com/sirupsen/logrus"

// For returns a logrus entry tagged with pkg and fn. Callers chain
// WithField/WithError as needed before logging.
func For(pkg, fn string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":  pkg,
		"function": fn,
	})
}

// Loud logs at Warn level, used for cryptographic and spoofing failures
// that indicate attack or misconfiguration (spec verbosity 0).
func Loud(pkg, fn, msg string, fields logrus.Fields) {
	e := For(pkg, fn)
	if fields != nil {
		e = e.WithFields(fields)
	}
	e.Warn(msg)
}

// Debug logs at Debug level, used for connection-local errors that are
// recovered by closing the connection (spec verbosity 2).
func Debug(pkg, fn, msg string, fields logrus.Fields) {
	e := For(pkg, fn)
	if fields != nil {
		e = e.WithFields(fields)
	}
	e.Debug(msg)
}
