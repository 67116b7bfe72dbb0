package logger

import "github.com/sirupsen/logrus"

// Logrus backs Logger with a caller-supplied *logrus.Logger, so the
// embedding application keeps control of output format, level, and
// hooks. Pass logrus.StandardLogger() for the package-level default.
type Logrus struct {
	log *logrus.Logger
}

// NewLogrus wraps l. A nil l is equivalent to logrus.StandardLogger().
func NewLogrus(l *logrus.Logger) *Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logrus{log: l}
}

func (l *Logrus) Debug(args ...interface{})   { l.log.Debug(args...) }
func (l *Logrus) Info(args ...interface{})    { l.log.Info(args...) }
func (l *Logrus) Warning(args ...interface{}) { l.log.Warning(args...) }
func (l *Logrus) Error(args ...interface{})   { l.log.Error(args...) }

func (l *Logrus) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{})    { l.log.Infof(format, args...) }
func (l *Logrus) Warningf(format string, args ...interface{}) { l.log.Warningf(format, args...) }
func (l *Logrus) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
