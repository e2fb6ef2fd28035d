package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/logger"
)

func messages(records []LogRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}

func TestLogManager_RingBuffer(t *testing.T) {
	m := NewLogManager(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		m.Append("INFO", msg)
	}
	assert.Equal(t, []string{"b", "c", "d"}, messages(m.Records(false, 0)))
	assert.Equal(t, []string{"d", "c", "b"}, messages(m.Records(true, 0)))
}

func TestLogManager_Verbosity(t *testing.T) {
	m := NewLogManager(10)
	m.Append("DEBUG", "noise")
	m.Append("INFO", "signal")
	m.Append("WARNING", "careful")

	assert.Equal(t, []string{"signal", "careful"}, messages(m.Records(false, 0)))
	assert.Equal(t, []string{"noise", "signal", "careful"}, messages(m.Records(false, 1)))
}

func TestLogManager_ZerologHook(t *testing.T) {
	m := NewLogManager(10)
	m.clock = func() time.Time { return time.Unix(1700000000, 0) }
	lg := logger.NewWithWriters(&bytes.Buffer{}, nil, config.LogLevelDebug)
	lg.AddHook(m)

	lg.Debug("dialing")
	lg.Warn("slow link", logger.LogFields{"rtt_ms": 900})
	lg.Error("unreachable")

	records := m.Records(false, 1)
	require.Len(t, records, 3)
	assert.Equal(t, LogRecord{Timestamp: 1700000000, Severity: "DEBUG", Message: "dialing"}, records[0])
	assert.Equal(t, "WARNING", records[1].Severity)
	assert.Equal(t, "ERROR", records[2].Severity)
}

func TestLogManager_QueryLogs(t *testing.T) {
	m := NewLogManager(0)
	conn, rec := newConn(context.Background())
	require.NoError(t, m.QueryLogs(conn, false, 0))
	assert.JSONEq(t, `[]`, rec.Body.String())

	m.Append("INFO", "hello")
	conn, rec = newConn(context.Background())
	require.NoError(t, m.QueryLogs(conn, true, 0))
	var got []LogRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"hello"}, messages(got))
}
