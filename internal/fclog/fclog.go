// Package fclog provides the structured logging conventions used across
// File Conveyor, built on top of logrus. It mirrors the teacher's
// fs.Infof/fs.Errorf/fs.Debugf helpers: every component logs through a
// named logger rather than through log.Printf or fmt.Println.
package fclog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root = logrus.New()
	once sync.Once
)

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	root.SetLevel(logrus.InfoLevel)
}

// Configure sets the global log level and optional output destination.
// verbosity 0 = info, 1 = debug, 2+ = trace.
func Configure(verbosity int, out io.Writer) {
	once.Do(func() {})
	if out != nil {
		root.SetOutput(out)
	}
	switch {
	case verbosity >= 2:
		root.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		root.SetLevel(logrus.DebugLevel)
	default:
		root.SetLevel(logrus.InfoLevel)
	}
}

// Logger is a component-scoped logger. Components obtain one with For and
// attach additional fields with With.
type Logger struct {
	entry *logrus.Entry
}

// For returns a Logger scoped to the named component (e.g. "arbitrator",
// "transporter.s3", "pathscanner").
func For(component string) *Logger {
	return &Logger{entry: root.WithField("component", component)}
}

// With returns a copy of l with additional structured fields attached.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithInput scopes the logger to a single input path, the most common
// correlation key across the pipeline.
func (l *Logger) WithInput(input string) *Logger {
	return &Logger{entry: l.entry.WithField("input", input)}
}

// WithServer scopes the logger to a destination server name.
func (l *Logger) WithServer(server string) *Logger {
	return &Logger{entry: l.entry.WithField("server", server)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Fatalf logs at fatal level and exits the process. Reserved for startup
// validation failures (spec.md §6: non-zero exit on startup problems).
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
