package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ComponentKey is the field every collector component logs under.
const ComponentKey = "component"

// Fields is the structured payload attached to an entry.
type Fields map[string]interface{}

// Log is the process logger. The embedded logrus.Logger is used directly
// for output and hook management.
type Log struct {
	*logrus.Logger
}

// Entry is a log line under construction.
type Entry struct {
	*logrus.Entry
}

// Options selects level, encoding and destination. Output is "stdout",
// "stderr" or a file path; a file rotates through lumberjack when MaxAge
// (days) is positive. LOG_LEVEL, when set, replaces Level.
type Options struct {
	Level  string
	Format string
	Output string
	MaxAge int
}

var globalLogger = New()

// New returns a JSON logger on stdout. The level is LOG_LEVEL, or info when
// that is unset or invalid.
func New() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	l.SetFormatter(jsonFormatter())
	if lvl, err := resolveLevel(""); err == nil {
		l.SetLevel(lvl)
	}
	l.AddHook(&callerHook{})
	l.AddHook(countingHook{})
	return l
}

func GetLogger() *Log {
	return globalLogger
}

// Configure applies opts. Nothing changes unless every option is valid.
func (l *Log) Configure(opts Options) error {
	lvl, err := resolveLevel(opts.Level)
	if err != nil {
		return err
	}
	formatter, err := formatterFor(opts.Format)
	if err != nil {
		return err
	}
	out, err := openOutput(opts.Output, opts.MaxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	return nil
}

func resolveLevel(level string) (logrus.Level, error) {
	if env := strings.TrimSpace(os.Getenv("LOG_LEVEL")); env != "" {
		level = env
	}
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return 0, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func formatterFor(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return jsonFormatter(), nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log format '%s'", format)
	}
}

func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for '%s': %w", output, err)
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField(ComponentKey, component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField(ComponentKey, component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// Flow logs, at debug, a hand-off of count items of unit from one stage
// to another.
func (e *Entry) Flow(from, to string, count int, unit string) {
	e.WithFields(Fields{
		"source":       from,
		"destination":  to,
		"record_count": count,
		"data_type":    unit,
		"flow_type":    "data_flow",
	}).Debug("data flow")
}
