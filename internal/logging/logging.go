// Package logging builds the logrus loggers used across Switchboard: an
// application logger and a separate audit logger for privileged actions.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kelurahan/switchboard/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

var (
	mu      sync.Mutex
	cfg     = defaultConfig()
	loggers = map[string]*logrus.Logger{}
)

func defaultConfig() config.LogConfig {
	return config.LogConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
		Path:   "./logs",
	}
}

// Init (re)configures the named loggers. Loggers obtained before Init are
// rebuilt on next use.
func Init(c config.LogConfig) error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Output == "file" || c.Output == "both" {
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return fmt.Errorf("logging: create %s: %w", c.Path, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	cfg = c
	loggers = map[string]*logrus.Logger{}
	return nil
}

// Get returns the logger with the given name, creating it on first use.
func Get(name string) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := newLogger(name, cfg)
	loggers[name] = l
	return l
}

// App returns the main application logger.
func App() *logrus.Logger {
	return Get("app")
}

// Audit returns the logger for privileged and irreversible actions.
func Audit() *logrus.Logger {
	return Get("audit")
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newLogger(name string, c config.LogConfig) *logrus.Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	var writers []io.Writer
	if c.Output == "file" || c.Output == "both" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(c.Path, name+".log"),
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		})
	}
	if c.Output == "stdout" || c.Output == "both" || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	l.SetOutput(io.MultiWriter(writers...))
	return l
}

// AuditEntry is one privileged or irreversible action.
type AuditEntry struct {
	Action   string
	TenantID string
	Target   string
	Details  map[string]interface{}
}

// LogAction writes an audit entry to the given audit logger.
func LogAction(l *logrus.Logger, e AuditEntry) {
	if l == nil {
		l = Audit()
	}
	fields := logrus.Fields{
		"action":    e.Action,
		"tenant_id": e.TenantID,
	}
	if e.Target != "" {
		fields["target"] = e.Target
	}
	for k, v := range e.Details {
		fields[k] = v
	}
	l.WithFields(fields).Info("audit")
}
