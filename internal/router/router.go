package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"example.com/netprobed/v2/internal/backend"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/query"
	"example.com/netprobed/v2/internal/server"
)

// Route is one entry of the dispatch table.
type Route struct {
	Path    string
	Handler server.HandlerFunc
}

// Backends are the subsystems the API handlers forward to.
type Backends struct {
	Config  *backend.ConfigManager
	Data    *backend.DataManager
	Log     *backend.LogManager
	Specs   *backend.SpecsManager
	Runner  *backend.Runner
	State   *backend.StateManager
	Version string
}

// Router holds the routing table and dispatches requests.
// Lookup is by exact path; anything unmatched goes to the static handler.
type Router struct {
	routes []Route
	exact  map[string]server.HandlerFunc
	static server.Handler
	log    *logger.Logger
}

// NewRouter builds the API routing table. The table is read-only afterwards.
func NewRouter(b Backends, static server.Handler, lg *logger.Logger) (*Router, error) {
	if static == nil {
		return nil, fmt.Errorf("static handler cannot be nil")
	}
	if b.Config == nil || b.Data == nil || b.Log == nil || b.Specs == nil || b.Runner == nil || b.State == nil {
		return nil, fmt.Errorf("all backends must be provided")
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	r := &Router{
		exact:  make(map[string]server.HandlerFunc),
		static: static,
		log:    lg,
	}
	api := &apiHandlers{b: b, router: r}
	for _, route := range []Route{
		{"/api/", api.listRoutes},
		{"/api/config", api.config},
		{"/api/data", api.data},
		{"/api/debug", notImplemented},
		{"/api/exit", api.exit},
		{"/api/index", notImplemented},
		{"/api/log", api.logs},
		{"/api/specs", api.specs},
		{"/api/runner", api.runner},
		{"/api/state", api.state},
		{"/api/version", api.version},
		{"/", api.rootdir},
	} {
		if err := r.add(route); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) add(route Route) error {
	if _, dup := r.exact[route.Path]; dup {
		return fmt.Errorf("duplicate route %q", route.Path)
	}
	r.routes = append(r.routes, route)
	r.exact[route.Path] = route.Handler
	return nil
}

// Paths returns the registered route paths in registration order.
func (r *Router) Paths() []string {
	paths := make([]string, len(r.routes))
	for i, route := range r.routes {
		paths[i] = route.Path
	}
	return paths
}

// Lookup returns the handler registered for path. Unmatched paths resolve to
// the static handler and ok is false.
func (r *Router) Lookup(path string) (h server.HandlerFunc, ok bool) {
	if h, ok := r.exact[path]; ok {
		return h, true
	}
	return r.static.ServeConn, false
}

// Dispatch runs exactly one handler for req and turns its error into a
// response. Only server.ErrShutdownRequested is returned to the caller.
func (r *Router) Dispatch(conn *server.Connection, req *server.Request) error {
	h, _ := r.Lookup(req.Path)
	err := h(conn, req)
	if err == nil {
		return nil
	}
	if errors.Is(err, server.ErrShutdownRequested) {
		return err
	}
	if conn.Written() || conn.Deferred() {
		r.log.Warn("Handler failed after responding", logger.LogFields{
			"path":  req.Path,
			"error": err.Error(),
		})
		return nil
	}

	status, detail := http.StatusInternalServerError, ""
	var se *server.StatusError
	var pe *query.ParamError
	switch {
	case errors.As(err, &se):
		status, detail = se.Code, se.Detail
	case errors.As(err, &pe):
		status, detail = http.StatusBadRequest, pe.Error()
	default:
		r.log.Error("Handler failed", logger.LogFields{
			"path":  req.Path,
			"error": err.Error(),
		})
	}
	return server.WriteErrorResponse(conn, req, status, detail)
}

func notImplemented(conn *server.Connection, req *server.Request) error {
	return server.WriteErrorResponse(conn, req, http.StatusNotImplemented, "")
}

type apiHandlers struct {
	b      Backends
	router *Router
}

func (a *apiHandlers) listRoutes(conn *server.Connection, _ *server.Request) error {
	resp, err := server.ComposeJSON(http.StatusOK, a.router.Paths())
	if err != nil {
		return err
	}
	return conn.Write(resp)
}

// config picks exactly one branch: a truthy labels flag wins over the
// method, then POST applies the body, otherwise the plain settings are sent.
func (a *apiHandlers) config(conn *server.Connection, req *server.Request) error {
	labels, err := req.Query().Flag("labels")
	if err != nil {
		return err
	}
	if labels {
		return a.b.Config.GetConfig(conn, true)
	}
	if req.Method == http.MethodPost {
		var incoming map[string]interface{}
		if err := json.Unmarshal([]byte(req.BodyString()), &incoming); err != nil {
			return server.NewStatusError(http.StatusBadRequest, "request body must be a JSON object", err)
		}
		return a.b.Config.SetConfig(conn, incoming)
	}
	return a.b.Config.GetConfig(conn, false)
}

func (a *apiHandlers) data(conn *server.Connection, req *server.Request) error {
	q := req.Query()
	since, err := q.Int("since", -1)
	if err != nil {
		return err
	}
	until, err := q.Int("until", -1)
	if err != nil {
		return err
	}
	return a.b.Data.QueryData(conn, q.String("test", ""), since, until)
}

// exit only honours POST so that a cross-site GET cannot stop the daemon.
func (a *apiHandlers) exit(conn *server.Connection, req *server.Request) error {
	if req.Method != http.MethodPost {
		resp := server.ComposeError(http.StatusMethodNotAllowed, "", server.PrefersJSON(req.Header.Get("Accept")))
		resp.Header.Set("Allow", http.MethodPost)
		return conn.Write(resp)
	}
	return server.ErrShutdownRequested
}

func (a *apiHandlers) logs(conn *server.Connection, req *server.Request) error {
	q := req.Query()
	reversed, err := q.Flag("reversed")
	if err != nil {
		return err
	}
	verbosity, err := q.Int("verbosity", 0)
	if err != nil {
		return err
	}
	return a.b.Log.QueryLogs(conn, reversed, verbosity)
}

func (a *apiHandlers) specs(conn *server.Connection, _ *server.Request) error {
	return a.b.Specs.QuerySpecs(conn)
}

func (a *apiHandlers) runner(conn *server.Connection, req *server.Request) error {
	q := req.Query()
	streaming, err := q.Flag("streaming")
	if err != nil {
		return err
	}
	return a.b.Runner.Run(conn, q.String("test", ""), streaming)
}

// state answers at once for a bare request or exactly "t=0"; any other
// query turns the request into a long poll.
func (a *apiHandlers) state(conn *server.Connection, req *server.Request) error {
	if !req.HasQuery() || req.RawQuery == "t=0" {
		resp, err := a.b.State.Serialize()
		if err != nil {
			return err
		}
		return conn.Write(resp)
	}
	a.b.State.CometWait(conn)
	return nil
}

func (a *apiHandlers) version(conn *server.Connection, _ *server.Request) error {
	return conn.Write(server.ComposeText(http.StatusOK, a.b.Version))
}

func (a *apiHandlers) rootdir(conn *server.Connection, _ *server.Request) error {
	return a.b.State.Rootdir(conn)
}
