package backend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timestamps(results []Result) []int64 {
	out := make([]int64, 0, len(results))
	for _, r := range results {
		out = append(out, r.Timestamp)
	}
	return out
}

func TestDataManager_Query(t *testing.T) {
	dm, err := NewDataManager("", 0, nil)
	require.NoError(t, err)
	for i, test := range []string{"tcp_connect", "http_get", "tcp_connect", "http_get"} {
		require.NoError(t, dm.Append(Result{Test: test, Timestamp: int64(100 + i*10)}))
	}

	tests := []struct {
		name         string
		test         string
		since, until int64
		want         []int64
	}{
		{"everything", "", -1, -1, []int64{100, 110, 120, 130}},
		{"by test", "tcp_connect", -1, -1, []int64{100, 120}},
		{"since inclusive", "", 110, -1, []int64{110, 120, 130}},
		{"until inclusive", "", -1, 120, []int64{100, 110, 120}},
		{"window", "http_get", 105, 125, []int64{110}},
		{"unknown test", "ping", -1, -1, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timestamps(dm.Query(tt.test, tt.since, tt.until)))
		})
	}
}

func TestDataManager_MaxResults(t *testing.T) {
	dm, err := NewDataManager("", 2, nil)
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, dm.Append(Result{Test: "x", Timestamp: i}))
	}
	assert.Equal(t, []int64{2, 3}, timestamps(dm.Query("", -1, -1)))
}

func TestDataManager_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	dm, err := NewDataManager(path, 10, nil)
	require.NoError(t, err)
	require.NoError(t, dm.Append(Result{Test: "tcp_connect", Timestamp: 1, Fields: map[string]interface{}{"connect_ms": 1.5}}))
	require.NoError(t, dm.Append(Result{Test: "http_get", Timestamp: 2}))

	// A corrupt line is skipped on reload.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded, err := NewDataManager(path, 10, nil)
	require.NoError(t, err)
	got := reloaded.Query("", -1, -1)
	require.Len(t, got, 2)
	assert.Equal(t, 1.5, got[0].Fields["connect_ms"])
}

func TestDataManager_QueryData(t *testing.T) {
	dm, err := NewDataManager("", 0, nil)
	require.NoError(t, err)
	conn, rec := newConn(context.Background())
	require.NoError(t, dm.QueryData(conn, "", -1, -1))
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.NoError(t, dm.Append(Result{Test: "x", Timestamp: 5}))
	conn, rec = newConn(context.Background())
	require.NoError(t, dm.QueryData(conn, "x", 5, 5))
	var got []Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []Result{{Test: "x", Timestamp: 5}}, got)
}
