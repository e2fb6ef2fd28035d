package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/netprobed/v2/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// targetWriter is an io.Writer whose destination can be swapped while in use,
// which is what SIGHUP log reopening needs.
type targetWriter struct {
	mu     sync.Mutex
	target string
	out    io.Writer
	file   *os.File
}

func openTarget(target string) (*targetWriter, error) {
	tw := &targetWriter{target: target}
	switch target {
	case "", "stderr":
		tw.out = os.Stderr
	case "stdout":
		tw.out = os.Stdout
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		tw.out = f
		tw.file = f
	}
	return tw, nil
}

func (tw *targetWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.out.Write(p)
}

func (tw *targetWriter) reopen() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.file == nil {
		return nil
	}
	_ = tw.file.Close()
	f, err := os.OpenFile(tw.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		tw.out = os.Stderr
		tw.file = nil
		return fmt.Errorf("failed to reopen log file %s: %w", tw.target, err)
	}
	tw.out = f
	tw.file = f
	return nil
}

func (tw *targetWriter) close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.file == nil {
		return nil
	}
	err := tw.file.Close()
	tw.file = nil
	tw.out = io.Discard
	return err
}

// Logger is the daemon-wide logger. It keeps the error log and the access log
// on separate zerolog instances so they can target different outputs.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger
	writers   []*targetWriter
}

// NewLogger creates a Logger from the logging configuration.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errTarget, errFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		errTarget = cfg.ErrorLog.Target
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	ew, err := openTarget(errTarget)
	if err != nil {
		return nil, err
	}
	l.writers = append(l.writers, ew)
	l.errorLog = newZerolog(ew, errFormat).Level(toZerologLevel(cfg.LogLevel))

	if al := cfg.AccessLog; al != nil && (al.Enabled == nil || *al.Enabled) {
		aw, err := openTarget(al.Target)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, err
		}
		l.writers = append(l.writers, aw)
		accessLog := newZerolog(aw, al.Format)
		l.accessLog = &accessLog
	}
	return l, nil
}

// NewWithWriters builds a Logger on caller supplied writers. A nil access
// writer disables access logging.
func NewWithWriters(errOut, accessOut io.Writer, level config.LogLevel) *Logger {
	l := &Logger{errorLog: newZerolog(errOut, "json").Level(toZerologLevel(level))}
	if accessOut != nil {
		accessLog := newZerolog(accessOut, "json")
		l.accessLog = &accessLog
	}
	return l
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, NoColor: true}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// AddHook attaches a zerolog hook to the error log.
func (l *Logger) AddHook(h zerolog.Hook) {
	l.errorLog = l.errorLog.Hook(h)
}

// Zerolog exposes the underlying error logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.errorLog
}

func (l *Logger) log(e *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			e = e.Fields(map[string]interface{}(f))
		}
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.log(l.errorLog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.log(l.errorLog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.log(l.errorLog.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.log(l.errorLog.Error(), msg, fields) }

// Access writes one access log entry for a completed request.
func (l *Logger) Access(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog == nil {
		return
	}
	host, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host, port = req.RemoteAddr, "0"
	}
	e := l.accessLog.Log().
		Str("request_id", requestID).
		Str("remote_addr", host).
		Str("remote_port", port).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds())
	if ua := req.UserAgent(); ua != "" {
		e = e.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		e = e.Str("referer", ref)
	}
	e.Send()
}

// CloseLogFiles closes any file-backed log targets.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	for _, w := range l.writers {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles reopens file-backed targets, e.g. after log rotation.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	for _, w := range l.writers {
		if err := w.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
