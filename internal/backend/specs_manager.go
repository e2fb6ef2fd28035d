package backend

import (
	"net/http"

	"example.com/netprobed/v2/internal/server"
)

// SpecsManager publishes the descriptions of the runner's tests.
type SpecsManager struct {
	runner *Runner
}

// NewSpecsManager creates a SpecsManager backed by runner.
func NewSpecsManager(runner *Runner) *SpecsManager {
	return &SpecsManager{runner: runner}
}

// QuerySpecs writes the test descriptions keyed by test name.
func (m *SpecsManager) QuerySpecs(conn *server.Connection) error {
	specs := make(map[string]TestSpec)
	for _, s := range m.runner.Specs() {
		specs[s.Name] = s
	}
	resp, err := server.ComposeJSON(http.StatusOK, specs)
	if err != nil {
		return err
	}
	return conn.Write(resp)
}
