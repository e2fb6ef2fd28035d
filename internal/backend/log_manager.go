package backend

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/server"
)

// LogRecord is one captured log line.
type LogRecord struct {
	Timestamp int64  `json:"timestamp"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// LogManager keeps the most recent log records in a ring buffer. It is
// attached to the daemon logger as a zerolog hook.
type LogManager struct {
	mu    sync.Mutex
	buf   []LogRecord
	next  int
	full  bool
	clock func() time.Time
}

var _ zerolog.Hook = (*LogManager)(nil)

// NewLogManager creates a LogManager holding up to size records.
func NewLogManager(size int) *LogManager {
	if size <= 0 {
		size = config.DefaultLogBuffer
	}
	return &LogManager{buf: make([]LogRecord, size), clock: time.Now}
}

// Run implements zerolog.Hook.
func (m *LogManager) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	m.Append(severityOf(level), msg)
}

// Append stores a record, overwriting the oldest one when full.
func (m *LogManager) Append(severity, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = LogRecord{Timestamp: m.clock().Unix(), Severity: severity, Message: msg}
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
}

// Records returns the buffered records, oldest first unless reversed.
// Verbosity 0 hides DEBUG records.
func (m *LogManager) Records(reversed bool, verbosity int64) []LogRecord {
	m.mu.Lock()
	var ordered []LogRecord
	if m.full {
		ordered = append(ordered, m.buf[m.next:]...)
	}
	ordered = append(ordered, m.buf[:m.next]...)
	m.mu.Unlock()

	out := make([]LogRecord, 0, len(ordered))
	for _, r := range ordered {
		if verbosity <= 0 && r.Severity == "DEBUG" {
			continue
		}
		out = append(out, r)
	}
	if reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// QueryLogs writes the selected records as a JSON array.
func (m *LogManager) QueryLogs(conn *server.Connection, reversed bool, verbosity int64) error {
	resp, err := server.ComposeJSON(http.StatusOK, m.Records(reversed, verbosity))
	if err != nil {
		return err
	}
	return conn.Write(resp)
}

func severityOf(level zerolog.Level) string {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}
