// Package logger provides the structured logging used across the engine's
// subsystems: one logger for general operation, one for errors, both
// backed by logrus with a compact custom formatter.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the general-purpose operational logger.
	Log *logrus.Logger
	// ErrLog is reserved for durability/corruption-class failures.
	ErrLog *logrus.Logger
)

// Config controls where logs go and how verbose they are.
type Config struct {
	InfoLogPath  string
	ErrorLogPath string
	Level        string // "debug", "info", "warn", "error"
}

type compactFormatter struct{}

func (compactFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format("15:04:05.000")
	caller := ""
	if entry.Caller != nil {
		caller = fmt.Sprintf(" %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	level := strings.ToUpper(entry.Level.String())
	return []byte(fmt.Sprintf("%s [%s]%s %s\n", ts, level, caller, entry.Message)), nil
}

func newLogger(path string, level logrus.Level, reportCaller bool) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(compactFormatter{})
	l.SetLevel(level)
	l.SetReportCaller(reportCaller)

	var out io.Writer = os.Stdout
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}
	l.SetOutput(out)
	return l, nil
}

// Init (re)configures the package-level loggers. Safe to call multiple
// times; later calls replace earlier configuration.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	info, err := newLogger(cfg.InfoLogPath, level, level <= logrus.DebugLevel)
	if err != nil {
		return err
	}
	errl, err := newLogger(cfg.ErrorLogPath, logrus.WarnLevel, true)
	if err != nil {
		return err
	}
	Log = info
	ErrLog = errl
	return nil
}

func init() {
	_ = Init(Config{Level: "info"})
}

func Debugf(format string, args ...interface{}) { Log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { ErrLog.Errorf(format, args...) }

// Caller returns "file:line" of the immediate caller, useful in panics
// recovered deep inside a latch-release scope guard.
func Caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
