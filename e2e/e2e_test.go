//go:build unix

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"example.com/netprobed/v2/e2e/testutil"
	"example.com/netprobed/v2/internal/config"
)

// serverBinary returns TEST_SERVER_BINARY or builds cmd/server into a temp dir.
func serverBinary(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("TEST_SERVER_BINARY"); p != "" {
		return p
	}
	goTool, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go tool not found and TEST_SERVER_BINARY not set")
	}
	_, currentFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	projectRoot := filepath.Join(filepath.Dir(currentFile), "..")

	bin := filepath.Join(t.TempDir(), "netprobed")
	cmd := exec.Command(goTool, "build", "-o", bin, "./cmd/server")
	cmd.Dir = projectRoot
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "building server: %s", out)
	return bin
}

type site struct {
	dir        string
	configPath string
	address    string
	cfg        *config.Config
}

// newSite lays out a document root, a file outside it and a TOML config.
func newSite(t *testing.T, mutate func(*config.Config)) *site {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"www/index.html":      "<h1>netprobed</h1>",
		"www/a/index.html":    "<p>a</p>",
		"www/data/t.json.gz":  "\x1f\x8b",
		"www-secret/key.txt":  "nope",
		"secret/passwd":       "root:x:0:0",
		"www/css/site.css":    "body{}",
		"www/unknown.xyz":     "?",
		"www/b/not-index.txt": "b",
	} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	require.NoError(t, os.Symlink(filepath.Join(dir, "secret"), filepath.Join(dir, "www", "out")))

	port, err := testutil.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	timeout := config.Duration(500 * time.Millisecond)
	cfg := &config.Config{
		Server: &config.ServerConfig{Address: &addr},
		WWW:    &config.WWWConfig{RootDir: "www"},
		State:  &config.StateConfig{CometTimeout: &timeout},
		Backend: &config.BackendConfig{
			SettingsPath: "settings.toml",
			DataPath:     "results.jsonl",
		},
		Logging: &config.LoggingConfig{LogLevel: config.LogLevelDebug},
	}
	if mutate != nil {
		mutate(cfg)
	}
	path, err := testutil.WriteTempConfig(dir, cfg, "toml")
	require.NoError(t, err)
	return &site{dir: dir, configPath: path, address: addr, cfg: cfg}
}

func (s *site) start(t *testing.T, bin string) *testutil.ServerInstance {
	t.Helper()
	inst, err := testutil.StartTestServer(bin, s.configPath, s.address)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = inst.Stop()
		if t.Failed() {
			t.Logf("server logs:\n%s", inst.SafeGetLogs())
		}
	})
	return inst
}

func get(t *testing.T, addr, path string) *testutil.ActualResponse {
	t.Helper()
	resp, err := testutil.Do(addr, testutil.TestRequest{Method: http.MethodGet, Path: path})
	require.NoError(t, err)
	return resp
}

func TestStaticFileServing(t *testing.T) {
	bin := serverBinary(t)
	s := newSite(t, nil)
	s.start(t, bin)

	tests := []struct {
		path        string
		status      int
		contentType string
		body        string
	}{
		{"/index.html", http.StatusOK, "text/html; charset=utf-8", "<h1>netprobed</h1>"},
		{"/a/", http.StatusOK, "text/html; charset=utf-8", "<p>a</p>"},
		{"/css/site.css", http.StatusOK, "text/css", "body{}"},
		{"/unknown.xyz", http.StatusOK, "text/plain", "?"},
		{"/b/", http.StatusNotFound, "", ""},
		{"/missing.html", http.StatusNotFound, "", ""},
		{"/../secret/passwd", http.StatusForbidden, "", ""},
		{"/a/../../www-secret/key.txt", http.StatusForbidden, "", ""},
		{"/out/passwd", http.StatusForbidden, "", ""},
		{"/out/nope", http.StatusForbidden, "", ""},
		{"/data/?since=", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := get(t, s.address, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, resp.Headers.Get("Content-Type"))
			}
			if tt.body != "" {
				assert.Equal(t, tt.body, string(resp.Body))
			}
			assert.NotContains(t, string(resp.Body), "root:x")
		})
	}

	resp := get(t, s.address, "/data/t.json.gz")
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "gzip", resp.Headers.Get("Content-Encoding"))

	resp, err := testutil.Do(s.address, testutil.TestRequest{Method: http.MethodPost, Path: "/index.html"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI(t *testing.T) {
	bin := serverBinary(t)
	s := newSite(t, nil)
	s.start(t, bin)

	resp := get(t, s.address, "/api/version")
	assert.Equal(t, config.DefaultVersion, string(resp.Body))

	resp = get(t, s.address, "/api/")
	var routes []string
	require.NoError(t, json.Unmarshal(resp.Body, &routes))
	assert.Contains(t, routes, "/api/state")

	resp = get(t, s.address, "/")
	assert.Contains(t, string(resp.Body), `"enabled":true`)

	resp = get(t, s.address, "/api/debug")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	start := time.Now()
	resp = get(t, s.address, "/api/state?t=3")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), `"current":"idle"`)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "long poll waits for the comet timeout")
}

func TestSettingsSurviveRestart(t *testing.T) {
	bin := serverBinary(t)
	s := newSite(t, nil)
	inst := s.start(t, bin)

	resp, err := testutil.Do(s.address, testutil.TestRequest{
		Method: http.MethodPost,
		Path:   "/api/config",
		Body:   []byte(`{"www.lang":"it"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))
	require.NoError(t, inst.Stop())

	s.start(t, bin)
	resp = get(t, s.address, "/api/config")
	var values map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &values))
	assert.Equal(t, "it", values["www.lang"])
}

func TestExitEndpointStopsProcess(t *testing.T) {
	bin := serverBinary(t)
	s := newSite(t, nil)
	inst := s.start(t, bin)

	resp, err := testutil.Do(s.address, testutil.TestRequest{Method: http.MethodGet, Path: "/api/exit"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.False(t, inst.WaitExit(200*time.Millisecond), "GET must not stop the daemon")

	_, err = testutil.Do(s.address, testutil.TestRequest{Method: http.MethodPost, Path: "/api/exit"})
	require.NoError(t, err)
	require.True(t, inst.WaitExit(5*time.Second), "process still running after /api/exit")
	assert.NoError(t, inst.ExitErr())
}

func TestSIGHUPReopensAccessLog(t *testing.T) {
	bin := serverBinary(t)
	var logPath string
	s := newSite(t, func(cfg *config.Config) {
		// Log targets must be absolute; the site dir is not known yet.
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("netprobed-access-%d.log", time.Now().UnixNano()))
		enabled := true
		cfg.Logging.AccessLog = &config.AccessLogConfig{Enabled: &enabled, Target: logPath, Format: "json"}
	})
	t.Cleanup(func() {
		os.Remove(logPath)
		os.Remove(logPath + ".1")
	})
	inst := s.start(t, bin)

	get(t, s.address, "/index.html")
	require.NoError(t, os.Rename(logPath, logPath+".1"))
	require.NoError(t, inst.Signal(syscall.SIGHUP))

	require.Eventually(t, func() bool {
		get(t, s.address, "/api/version")
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "/api/version")
	}, 5*time.Second, 100*time.Millisecond)

	rotated, err := os.ReadFile(logPath + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(rotated), "/index.html")
}

func TestAddressInUse(t *testing.T) {
	bin := serverBinary(t)
	s := newSite(t, nil)
	s.start(t, bin)

	// A second daemon on the same address must fail instead of sharing the port.
	inst, err := testutil.StartTestServer(bin, s.configPath, "127.0.0.1:1")
	if inst != nil {
		_ = inst.Stop()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), unix.EADDRINUSE.Error())
}
