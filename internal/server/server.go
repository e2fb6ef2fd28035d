package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/util"
)

// Server manages the listener, the net/http transport and graceful shutdown.
// Requests are adapted into Request/Connection pairs and handed to the router.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	router RouterInterface

	httpServer *http.Server

	mu        sync.Mutex
	listener  net.Listener
	closeOnce sync.Once
	shutdown  chan struct{}
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	config.ApplyDefaults(cfg)

	s := &Server{
		cfg:      cfg,
		log:      lg,
		router:   router,
		shutdown: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the server's http.Handler, accepting HTTP/2 cleartext when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg.Server.EnableH2C != nil && *s.cfg.Server.EnableH2C {
		return h2c.NewHandler(s, &http2.Server{})
	}
	return s
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// RequestShutdown asks Start to stop serving. It is safe to call many times.
func (s *Server) RequestShutdown() {
	s.closeOnce.Do(func() { close(s.shutdown) })
}

// ServeHTTP adapts a net/http request for the router, waits for deferred
// responses and writes the access log entry.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	conn := NewConnection(r.Context(), w, r.Method)
	defer func() {
		conn.close()
		s.log.Access(r, requestID, conn.Status(), conn.BytesWritten(), time.Since(start))
	}()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			_ = conn.Write(ComposeError(status, "", PrefersJSON(r.Header.Get("Accept"))))
			return
		}
	}
	req := requestFromHTTP(r, body)

	err := s.router.Dispatch(conn, req)
	if errors.Is(err, ErrShutdownRequested) {
		s.log.Info("Shutdown requested via API", logger.LogFields{"request_id": requestID})
		s.RequestShutdown()
		return
	}
	if err != nil {
		s.log.Error("Request dispatch failed", logger.LogFields{
			"request_id": requestID,
			"path":       req.Path,
			"error":      err.Error(),
		})
	}

	if conn.Deferred() {
		select {
		case <-conn.Done():
		case <-r.Context().Done():
			s.log.Debug("Client went away while response was deferred", logger.LogFields{"request_id": requestID})
		case <-s.shutdown:
			_ = WriteErrorResponse(conn, req, http.StatusServiceUnavailable, "")
		}
		return
	}
	if !conn.Written() {
		s.log.Error("Handler returned without writing a response", logger.LogFields{
			"request_id": requestID,
			"path":       req.Path,
		})
		_ = WriteErrorResponse(conn, req, StatusCodeOf(err), "")
	}
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.RequestShutdown()
	return s.httpServer.Shutdown(ctx)
}

// Start listens on the configured address and serves until SIGINT/SIGTERM or
// an API shutdown request. SIGHUP reopens file-backed log targets.
func (s *Server) Start() error {
	addr := *s.cfg.Server.Address
	l, err := util.CreateListener(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("Listening", logger.LogFields{"address": l.Addr().String()})

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(l) }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-serveErr:
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				s.log.Info("Received SIGHUP, reopening log files")
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
		case <-s.shutdown:
		}
		return s.gracefulStop(serveErr)
	}
}

func (s *Server) gracefulStop(serveErr <-chan error) error {
	timeout := config.DefaultShutdownTimeout
	if d := s.cfg.Server.GracefulShutdownTimeout; d != nil {
		timeout = d.D()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		return fmt.Errorf("graceful shutdown did not complete: %w", err)
	}
	return <-serveErr
}
