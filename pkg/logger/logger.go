// Package logger provides the structured logger shared by every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls how a Logger is built.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger wraps logrus with a component name attached to every entry.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration. Invalid values fall back to
// info/text/stdout rather than failing startup.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	l.SetOutput(openOutput(cfg, l))
	return &Logger{Logger: l}
}

// NewDefault creates an info-level text logger tagged with the component name.
func NewDefault(component string) *Logger {
	log := New(LoggingConfig{})
	log.component = component
	return log
}

// Named returns a logger sharing the same sink but tagged with another component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component name attached to entries.
func (l *Logger) Component() string {
	return l.component
}

// WithField starts an entry carrying the component and the given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields starts an entry carrying the component and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError starts an entry carrying the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }

func (l *Logger) entry() *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}

func openOutput(cfg LoggingConfig, l *logrus.Logger) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := strings.TrimSpace(cfg.FilePrefix)
		if prefix == "" {
			prefix = "raffle"
		}
		path := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				l.Warnf("create log directory %s: %v", dir, err)
				return os.Stdout
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Warnf("open log file %s: %v", path, err)
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
