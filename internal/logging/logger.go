package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/attdevsupport/aro-collector/internal/config"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the rotating log file under the log directory.
const FileName = "arocollect.log"

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir       string
	sessionID string
	level     log.Level
	levelSet  bool
}

// WithDir writes the log file under dir instead of ~/.aro/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithSessionID configures the session_id field used in emitted log records.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithLevel overrides the default info level.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
		opts.levelSet = true
	}
}

// RuntimeLogger writes structured JSON logs to a size-rotated file.
type RuntimeLogger struct {
	Logger     *log.Logger
	writer     io.WriteCloser
	path       string
	baseLogger *log.Logger
	sessionID  string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.aro/logs without writing to stdout.
func New(ctx context.Context, cfg config.Log, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)
	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, config.DirName, "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	filePath := filepath.Join(logDir, FileName)
	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	level := log.InfoLevel
	if resolved.levelSet {
		level = resolved.level
	}
	logger := log.NewWithOptions(writer, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		writer:     writer,
		path:       filePath,
		baseLogger: logger,
		sessionID:  resolved.sessionID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath, "pid", os.Getpid()).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// Component returns a logger tagged with the component field.
func (r *RuntimeLogger) Component(name string) *log.Logger {
	if r == nil || r.Logger == nil {
		return log.New(io.Discard)
	}
	return r.Logger.With("component", name)
}

// WithSessionID updates the session_id field for subsequent log records.
func (r *RuntimeLogger) WithSessionID(sessionID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.sessionID = strings.TrimSpace(sessionID)
	r.rebuildLogger()
	return r
}

// WithSpan copies the trace and span ids of the span on ctx into subsequent
// log records.
func (r *RuntimeLogger) WithSpan(ctx context.Context) *RuntimeLogger {
	if r == nil {
		return nil
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.traceID = spanCtx.TraceID().String()
		r.spanID = spanCtx.SpanID().String()
	} else {
		r.traceID = ""
		r.spanID = ""
	}
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.writer == nil {
		return nil
	}
	return r.writer.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"session_id", r.sessionID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
