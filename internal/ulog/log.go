// Package ulog provides the process-wide structured log sink used by
// every component, reproducing the shape of rclone's fs.LogLevel
// (EMERGENCY..DEBUG) over a logrus sink, and duplicating to stderr
// when attached to a terminal the way the original update(1) opened
// syslog with LOG_PERROR when isatty(STDOUT_FILENO).
package ulog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Level mirrors fs.LogLevel's ordering; only the subset the updater
// actually emits is named.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger is the process-wide sink. A nil *Logger is not valid; use
// New.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to out. When the process is attached to
// a terminal (stdout is a tty), logs are additionally duplicated to
// stderr in a human-readable form; otherwise only out is written.
func New(out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if term.IsTerminal(int(os.Stdout.Fd())) {
		base.SetOutput(io.MultiWriter(out, os.Stderr))
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a Logger whose messages are prefixed with the
// component name, mirroring the original's "component_function: ..."
// syslog message style.
func (l *Logger) With(component string) *Logger {
	return &Logger{entry: l.entry.WithField("component", component)}
}

// Subject annotates the next log line with the geist/package/pair the
// operation concerns, mirroring fs.Errorf(subject, ...) call sites in
// backend/local/local.go.
func (l *Logger) Subject(subject string) *Logger {
	return &Logger{entry: l.entry.WithField("subject", subject)}
}

func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

func (l *Logger) Warningf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}
