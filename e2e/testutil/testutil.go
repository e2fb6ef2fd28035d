// Package testutil runs the daemon binary as a child process for end-to-end tests.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // sent verbatim, query string included
	Headers http.Header
	Body    []byte
}

// ActualResponse stores what the server sent back.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ServerInstance is a running daemon process.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string

	mu       sync.Mutex
	logs     bytes.Buffer
	exited   chan struct{}
	exitErr  error
	cleanups []func() error
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON or TOML into dir and returns the path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	path := filepath.Join(dir, "netprobed."+strings.ToLower(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return path, nil
}

// StartTestServer launches serverBinaryPath with "-config configFile" and
// waits until listenAddress accepts connections.
func StartTestServer(serverBinaryPath, configFile, listenAddress string) (*ServerInstance, error) {
	if fi, err := os.Stat(serverBinaryPath); err != nil {
		return nil, fmt.Errorf("server binary path '%s' error: %w", serverBinaryPath, err)
	} else if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("server binary path '%s' is a directory or not executable", serverBinaryPath)
	}
	if _, _, err := net.SplitHostPort(listenAddress); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddress, err)
	}

	s := &ServerInstance{
		Cmd:        exec.Command(serverBinaryPath, "-config", configFile),
		Address:    listenAddress,
		ConfigPath: configFile,
		exited:     make(chan struct{}),
	}
	w := &lockedWriter{s: s}
	s.Cmd.Stdout = w
	s.Cmd.Stderr = w
	if err := s.Cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process '%s': %w", serverBinaryPath, err)
	}
	go func() {
		err := s.Cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(s.exited)
	}()

	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-s.exited:
			return nil, fmt.Errorf("server exited during startup: %v. Logs captured:\n%s", s.ExitErr(), s.SafeGetLogs())
		default:
		}
		conn, err := net.DialTimeout("tcp", listenAddress, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	_ = s.Stop()
	return nil, fmt.Errorf("server not ready at %s: %v. Logs captured:\n%s", listenAddress, lastErr, s.SafeGetLogs())
}

type lockedWriter struct{ s *ServerInstance }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.logs.Write(p)
}

// SafeGetLogs returns everything the process wrote so far.
func (s *ServerInstance) SafeGetLogs() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.String()
}

// AddCleanupFunc registers f to run after the process is stopped.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, f)
}

// Signal delivers sig to the process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// WaitExit waits up to timeout for the process to exit on its own.
func (s *ServerInstance) WaitExit(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-s.exited:
			return true
		default:
			return false
		}
	}
	select {
	case <-s.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ExitErr is the result of Wait once the process has exited.
func (s *ServerInstance) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Stop terminates the process: SIGINT first, then SIGTERM, then SIGKILL.
// Cleanup functions run in reverse order of registration.
func (s *ServerInstance) Stop() error {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		if s.WaitExit(0) {
			break
		}
		if err := s.Signal(sig); err == nil && s.WaitExit(3*time.Second) {
			break
		}
	}
	if !s.WaitExit(0) {
		_ = s.Cmd.Process.Kill()
		s.WaitExit(2 * time.Second)
	}

	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()
	var errs []string
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Do sends req over a fresh TCP connection. The request line carries
// req.Path untouched, so dot segments reach the server as written.
func Do(addr string, req TestRequest) (*ActualResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n", req.Method, req.Path, addr)
	for name, values := range req.Headers {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req.Body); err != nil {
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: req.Method})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}
