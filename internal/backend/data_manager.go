package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"

	"github.com/dustin/go-humanize"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/server"
)

// Result is one measurement result.
type Result struct {
	Test      string                 `json:"test"`
	Timestamp int64                  `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// DataManager stores measurement results in memory, optionally appending
// each one to a JSON-lines file that is replayed on start.
type DataManager struct {
	mu      sync.RWMutex
	results []Result
	max     int
	path    string
	log     *logger.Logger
}

// NewDataManager creates a DataManager. An empty path disables persistence.
func NewDataManager(path string, maxResults int, lg *logger.Logger) (*DataManager, error) {
	if maxResults <= 0 {
		maxResults = config.DefaultMaxResults
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	dm := &DataManager{max: maxResults, path: path, log: lg}
	if path != "" {
		if err := dm.load(); err != nil {
			return nil, err
		}
	}
	return dm, nil
}

func (dm *DataManager) load() error {
	data, err := os.ReadFile(dm.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read results file %s: %w", dm.path, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var r Result
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			dm.log.Warn("Skipping malformed result", logger.LogFields{
				"path":  dm.path,
				"line":  line,
				"error": err.Error(),
			})
			continue
		}
		dm.appendLocked(r)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to scan results file %s: %w", dm.path, err)
	}
	dm.log.Info("Loaded measurement results", logger.LogFields{
		"path":    dm.path,
		"results": len(dm.results),
		"size":    humanize.Bytes(uint64(len(data))),
	})
	return nil
}

func (dm *DataManager) appendLocked(r Result) {
	dm.results = append(dm.results, r)
	if over := len(dm.results) - dm.max; over > 0 {
		dm.results = append(dm.results[:0:0], dm.results[over:]...)
	}
}

// Append stores r and persists it when a results file is configured.
func (dm *DataManager) Append(r Result) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.appendLocked(r)
	if dm.path == "" {
		return nil
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	f, err := os.OpenFile(dm.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file %s: %w", dm.path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append result: %w", err)
	}
	return f.Close()
}

// Query returns the results for test (all tests when empty) whose timestamp
// lies in [since, until]. A bound of -1 is open.
func (dm *DataManager) Query(test string, since, until int64) []Result {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]Result, 0)
	for _, r := range dm.results {
		if test != "" && r.Test != test {
			continue
		}
		if since >= 0 && r.Timestamp < since {
			continue
		}
		if until >= 0 && r.Timestamp > until {
			continue
		}
		out = append(out, r)
	}
	return out
}

// QueryData writes the selected results as a JSON array.
func (dm *DataManager) QueryData(conn *server.Connection, test string, since, until int64) error {
	resp, err := server.ComposeJSON(http.StatusOK, dm.Query(test, since, until))
	if err != nil {
		return err
	}
	return conn.Write(resp)
}
