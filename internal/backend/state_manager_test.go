package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/netprobed/v2/internal/server"
)

func newConn(ctx context.Context) (*server.Connection, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return server.NewConnection(ctx, rec, http.MethodGet), rec
}

func waitDone(t *testing.T, conn *server.Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("deferred connection was never written")
	}
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) Snapshot {
	t.Helper()
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestStateManager_Serialize(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)
	resp, err := sm.Serialize()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	snap := sm.Snapshot()
	assert.Equal(t, StateIdle, snap.Current)
	assert.Zero(t, snap.T)
}

func TestStateManager_CometWakesOnChange(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)
	c1, rec1 := newConn(context.Background())
	c2, rec2 := newConn(context.Background())

	sm.CometWait(c1)
	sm.CometWait(c2)
	assert.True(t, c1.Deferred())
	assert.False(t, c1.Written())
	assert.Equal(t, 2, sm.Pending())

	sm.SetState(StateTest, "tcp_connect")
	waitDone(t, c1)
	waitDone(t, c2)
	assert.Zero(t, sm.Pending())

	for _, rec := range []*httptest.ResponseRecorder{rec1, rec2} {
		snap := decodeSnapshot(t, rec)
		assert.Equal(t, StateTest, snap.Current)
		assert.Equal(t, "tcp_connect", snap.CurrentTest)
		assert.EqualValues(t, 1, snap.T)
	}

	// Waiters are one-shot: a later change must not write again.
	sm.Update("config", map[string]interface{}{"enabled": true})
	assert.EqualValues(t, 2, sm.Snapshot().T)
}

// gatedWriter holds every body write until gate is closed.
type gatedWriter struct {
	*httptest.ResponseRecorder
	gate chan struct{}
}

func (g gatedWriter) Write(b []byte) (int, error) {
	<-g.gate
	return g.ResponseRecorder.Write(b)
}

func TestStateManager_SlowWaiterDoesNotDelayOthers(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)
	gate := make(chan struct{})
	slow := server.NewConnection(context.Background(), gatedWriter{httptest.NewRecorder(), gate}, http.MethodGet)
	fast, rec := newConn(context.Background())
	sm.CometWait(slow)
	sm.CometWait(fast)

	changed := make(chan struct{})
	go func() {
		sm.SetState(StateTest, "http_get")
		close(changed)
	}()
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("SetState blocked on a waiter's response")
	}

	waitDone(t, fast)
	assert.Equal(t, "http_get", decodeSnapshot(t, rec).CurrentTest)
	select {
	case <-slow.Done():
		t.Fatal("slow waiter finished before its writer was released")
	default:
	}

	close(gate)
	waitDone(t, slow)
}

func TestStateManager_CometTimeout(t *testing.T) {
	sm := NewStateManager(20*time.Millisecond, nil)
	conn, rec := newConn(context.Background())
	sm.CometWait(conn)

	waitDone(t, conn)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StateIdle, decodeSnapshot(t, rec).Current)
	assert.Zero(t, sm.Pending())
}

func TestStateManager_CometClientGone(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	conn, rec := newConn(ctx)
	sm.CometWait(conn)
	require.Equal(t, 1, sm.Pending())

	cancel()
	assert.Eventually(t, func() bool { return sm.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	sm.SetState(StateTest, "http_get")
	assert.False(t, conn.Written())
	assert.Empty(t, rec.Body.String())
}

func TestStateManager_Close(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)
	conn, _ := newConn(context.Background())
	sm.CometWait(conn)
	sm.Close()
	assert.Zero(t, sm.Pending())
	sm.SetState(StateTest, "x")
	assert.False(t, conn.Written())
}

type fakeRoot struct{ dir string }

func (f fakeRoot) RootDir() string     { return f.dir }
func (f fakeRoot) DefaultFile() string { return "index.html" }

func TestStateManager_Rootdir(t *testing.T) {
	sm := NewStateManager(time.Minute, nil)

	conn, rec := newConn(context.Background())
	require.NoError(t, sm.Rootdir(conn))
	assert.JSONEq(t, `{"rootdir":"","default_file":"","enabled":false}`, rec.Body.String())

	sm.SetRootReporter(fakeRoot{dir: "/srv/www"})
	conn, rec = newConn(context.Background())
	require.NoError(t, sm.Rootdir(conn))
	assert.JSONEq(t, `{"rootdir":"/srv/www","default_file":"index.html","enabled":true}`, rec.Body.String())
}
