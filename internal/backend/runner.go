package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/server"
)

// ErrRunnerBusy is returned when a test is requested while another runs.
var ErrRunnerBusy = errors.New("a test is already running")

// TestSpec describes a registered measurement test.
type TestSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Fields      []string `json:"fields"`
}

// Progress reports a line of human-readable progress during a run.
type Progress func(format string, args ...interface{})

// TestFunc performs one measurement and returns its result fields.
type TestFunc func(ctx context.Context, progress Progress) (map[string]interface{}, error)

// Settings is the subset of ConfigManager the runner reads.
type Settings interface {
	String(name string) string
	Int(name string) int64
}

type registeredTest struct {
	spec TestSpec
	run  TestFunc
}

// Runner executes one measurement test at a time. Results go to the
// DataManager and progress is published through the StateManager.
type Runner struct {
	mu    sync.Mutex
	busy  bool
	tests map[string]registeredTest

	settings Settings
	data     *DataManager
	state    *StateManager
	log      *logger.Logger
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner with the built-in tcp_connect and http_get tests.
func NewRunner(settings Settings, data *DataManager, state *StateManager, lg *logger.Logger) *Runner {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		tests:    make(map[string]registeredTest),
		settings: settings,
		data:     data,
		state:    state,
		log:      lg,
		client:   &http.Client{},
		ctx:      ctx,
		cancel:   cancel,
	}
	r.Register(TestSpec{
		Name:        "tcp_connect",
		Description: "Measures the time needed to open a TCP connection to runner.tcp_target.",
		Fields:      []string{"target", "connect_ms"},
	}, r.tcpConnect)
	r.Register(TestSpec{
		Name:        "http_get",
		Description: "Downloads runner.http_url and measures latency and goodput.",
		Fields:      []string{"url", "status", "bytes", "latency_ms", "elapsed_ms", "goodput"},
	}, r.httpGet)
	return r
}

// Register adds or replaces a test.
func (r *Runner) Register(spec TestSpec, fn TestFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[spec.Name] = registeredTest{spec: spec, run: fn}
}

// Specs returns the registered tests sorted by name.
func (r *Runner) Specs() []TestSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := make([]TestSpec, 0, len(r.tests))
	for _, t := range r.tests {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Busy reports whether a test is running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Runner) acquire(name string) (registeredTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[name]
	if !ok {
		return registeredTest{}, server.NewStatusError(http.StatusNotFound, fmt.Sprintf("unknown test %q", name), nil)
	}
	if r.busy {
		return registeredTest{}, server.NewStatusError(http.StatusConflict, "", ErrRunnerBusy)
	}
	r.busy = true
	return t, nil
}

// Run starts test. Without streaming it acknowledges at once and the test
// continues in the background; with streaming the response body carries
// progress lines until the test ends.
func (r *Runner) Run(conn *server.Connection, test string, streaming bool) error {
	if test == "" {
		return server.NewStatusError(http.StatusBadRequest, "missing test parameter", nil)
	}
	t, err := r.acquire(test)
	if err != nil {
		return err
	}

	if streaming {
		pr, pw := io.Pipe()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.execute(t, func(format string, args ...interface{}) {
				_, _ = fmt.Fprintf(pw, format+"\n", args...)
			})
			_ = pw.Close()
		}()
		return conn.Write(server.ComposeStream(http.StatusOK, map[string]string{
			"Content-Type":  "text/plain; charset=utf-8",
			"Cache-Control": "no-cache",
		}, pr))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(t, func(string, ...interface{}) {})
	}()
	resp, err := server.ComposeJSON(http.StatusOK, map[string]string{"test": test, "status": "started"})
	if err != nil {
		return err
	}
	return conn.Write(resp)
}

func (r *Runner) execute(t registeredTest, progress Progress) {
	name := t.spec.Name
	r.state.SetState(StateTest, name)
	r.log.Info("Test started", logger.LogFields{"test": name})
	progress("starting %s", name)

	timeout := time.Duration(r.settings.Int("runner.timeout")) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	started := time.Now()
	fields, err := t.run(ctx, progress)
	cancel()

	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
		r.log.Warn("Test failed", logger.LogFields{"test": name, "error": err.Error()})
		progress("failed: %v", err)
	} else {
		r.log.Info("Test finished", logger.LogFields{"test": name, "elapsed": time.Since(started).String()})
		progress("done")
	}

	result := Result{Test: name, Timestamp: started.Unix(), Fields: fields}
	if err := r.data.Append(result); err != nil {
		r.log.Error("Failed to store result", logger.LogFields{"test": name, "error": err.Error()})
	}

	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()

	r.state.Update("test_done", result)
	r.state.SetState(StateIdle, "")
}

// Close cancels running tests and waits for them to finish.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) tcpConnect(ctx context.Context, progress Progress) (map[string]interface{}, error) {
	target := r.settings.String("runner.tcp_target")
	fields := map[string]interface{}{"target": target}
	progress("connecting to %s", target)

	var d net.Dialer
	start := time.Now()
	c, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return fields, fmt.Errorf("tcp connect to %s: %w", target, err)
	}
	elapsed := time.Since(start)
	_ = c.Close()

	fields["connect_ms"] = float64(elapsed.Microseconds()) / 1000
	progress("connected in %s", elapsed)
	return fields, nil
}

func (r *Runner) httpGet(ctx context.Context, progress Progress) (map[string]interface{}, error) {
	url := r.settings.String("runner.http_url")
	fields := map[string]interface{}{"url": url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fields, fmt.Errorf("invalid url %q: %w", url, err)
	}
	progress("requesting %s", url)
	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fields, fmt.Errorf("http get %s: %w", url, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	fields["status"] = resp.StatusCode
	fields["bytes"] = n
	fields["latency_ms"] = float64(latency.Microseconds()) / 1000
	fields["elapsed_ms"] = float64(elapsed.Microseconds()) / 1000
	if err != nil {
		return fields, fmt.Errorf("reading body of %s: %w", url, err)
	}

	rate := uint64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = uint64(float64(n) / secs)
	}
	fields["goodput"] = humanize.Bytes(rate) + "/s"
	progress("received %s in %s", humanize.Bytes(uint64(n)), elapsed)
	return fields, nil
}
