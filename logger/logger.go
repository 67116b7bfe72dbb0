// Package logger defines the logging collaborator the replication
// core depends on. The interface is deliberately small and
// level-based; concrete implementations decide how (or whether) to
// render it.
package logger

// Logger is implemented by every logging backend this module ships
// with. Noop is the zero-effort default; Logrus backs it with
// github.com/sirupsen/logrus for production use.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
