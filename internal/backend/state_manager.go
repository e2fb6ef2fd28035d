// Package backend holds the daemon subsystems the HTTP API forwards to:
// settings, measurement results, logs, test specs, the test runner and the
// process-wide state with its long-poll waiters.
package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/server"
)

// Daemon states reported in Snapshot.Current.
const (
	StateIdle = "idle"
	StateTest = "test"
)

// Publisher receives named state events. StateManager implements it.
type Publisher interface {
	Update(event string, data interface{})
}

// RootReporter describes the static asset root for the "/" report.
type RootReporter interface {
	RootDir() string
	DefaultFile() string
}

// Snapshot is the serialized process-wide state.
type Snapshot struct {
	Current     string                 `json:"current"`
	CurrentTest string                 `json:"current_test,omitempty"`
	T           uint64                 `json:"t"`
	Events      map[string]interface{} `json:"events"`
}

type waiter struct {
	conn      *server.Connection
	timer     *time.Timer
	stopWatch func() bool
}

// StateManager tracks the daemon state and answers long-poll requests. A
// waiting connection is held in a registry keyed by a wait token until the
// state changes, its timeout expires or its client goes away.
type StateManager struct {
	mu          sync.Mutex
	current     string
	currentTest string
	t           uint64
	events      map[string]interface{}
	waiters     map[uint64]*waiter
	nextToken   uint64
	timeout     time.Duration
	root        RootReporter
	log         *logger.Logger
}

// NewStateManager creates an idle StateManager. A non-positive timeout
// selects config.DefaultCometTimeout.
func NewStateManager(timeout time.Duration, lg *logger.Logger) *StateManager {
	if timeout <= 0 {
		timeout = config.DefaultCometTimeout
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &StateManager{
		current: StateIdle,
		events:  make(map[string]interface{}),
		waiters: make(map[uint64]*waiter),
		timeout: timeout,
		log:     lg,
	}
}

// SetRootReporter sets the source of the "/" report.
func (sm *StateManager) SetRootReporter(r RootReporter) {
	sm.mu.Lock()
	sm.root = r
	sm.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (sm *StateManager) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked()
}

func (sm *StateManager) snapshotLocked() Snapshot {
	events := make(map[string]interface{}, len(sm.events))
	for k, v := range sm.events {
		events[k] = v
	}
	return Snapshot{
		Current:     sm.current,
		CurrentTest: sm.currentTest,
		T:           sm.t,
		Events:      events,
	}
}

// Serialize composes the 200 JSON response carrying the current state.
func (sm *StateManager) Serialize() (*server.Response, error) {
	return server.ComposeJSON(http.StatusOK, sm.Snapshot())
}

// SetState changes the daemon state and wakes every waiter. It does not wait
// for the waiters' responses to be sent.
func (sm *StateManager) SetState(state, test string) {
	sm.mu.Lock()
	sm.current = state
	sm.currentTest = test
	sm.t++
	sm.mu.Unlock()
	sm.log.Debug("State changed", logger.LogFields{"state": state, "test": test})
	sm.notify()
}

// Update records an event and wakes every waiter.
func (sm *StateManager) Update(event string, data interface{}) {
	sm.mu.Lock()
	sm.events[event] = data
	sm.t++
	sm.mu.Unlock()
	sm.notify()
}

// CometWait defers conn until the next state change. It returns at once.
func (sm *StateManager) CometWait(conn *server.Connection) {
	conn.Defer()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	token := sm.nextToken
	sm.nextToken++
	w := &waiter{conn: conn}
	sm.waiters[token] = w
	w.timer = time.AfterFunc(sm.timeout, func() { sm.release(token, true) })
	w.stopWatch = context.AfterFunc(conn.Context(), func() { sm.release(token, false) })
}

// Pending returns the number of registered waiters.
func (sm *StateManager) Pending() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.waiters)
}

// release removes one waiter. Whoever removes it from the registry owns the
// single write to its connection.
func (sm *StateManager) release(token uint64, write bool) {
	sm.mu.Lock()
	w, ok := sm.waiters[token]
	if ok {
		delete(sm.waiters, token)
	}
	snap := sm.snapshotLocked()
	sm.mu.Unlock()
	if !ok {
		return
	}
	w.timer.Stop()
	w.stopWatch()
	if write {
		sm.deliver(w, snap)
	}
}

func (sm *StateManager) notify() {
	sm.mu.Lock()
	pending := sm.waiters
	sm.waiters = make(map[uint64]*waiter)
	snap := sm.snapshotLocked()
	sm.mu.Unlock()

	// Each waiter gets its own writer so one slow client cannot hold up the rest.
	for _, w := range pending {
		w.timer.Stop()
		w.stopWatch()
		go sm.deliver(w, snap)
	}
}

func (sm *StateManager) deliver(w *waiter, snap Snapshot) {
	resp, err := server.ComposeJSON(http.StatusOK, snap)
	if err != nil {
		sm.log.Error("Failed to encode state", logger.LogFields{"error": err.Error()})
		resp = server.ComposeError(http.StatusInternalServerError, "", true)
	}
	if err := w.conn.Write(resp); err != nil {
		sm.log.Debug("Dropped state update for closed waiter", logger.LogFields{"error": err.Error()})
	}
}

// Close drops every waiter without writing to it.
func (sm *StateManager) Close() {
	sm.mu.Lock()
	pending := sm.waiters
	sm.waiters = make(map[uint64]*waiter)
	sm.mu.Unlock()
	for _, w := range pending {
		w.timer.Stop()
		w.stopWatch()
	}
}

type rootReport struct {
	RootDir     string `json:"rootdir"`
	DefaultFile string `json:"default_file"`
	Enabled     bool   `json:"enabled"`
}

// Rootdir writes the effective static root as JSON.
func (sm *StateManager) Rootdir(conn *server.Connection) error {
	sm.mu.Lock()
	r := sm.root
	sm.mu.Unlock()

	var report rootReport
	if r != nil {
		report = rootReport{RootDir: r.RootDir(), DefaultFile: r.DefaultFile()}
		report.Enabled = report.RootDir != ""
	}
	resp, err := server.ComposeJSON(http.StatusOK, report)
	if err != nil {
		return err
	}
	return conn.Write(resp)
}
