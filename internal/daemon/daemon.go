// Package daemon assembles the configured subsystems into a running server.
package daemon

import (
	"fmt"
	"net/http"
	"path/filepath"

	"example.com/netprobed/v2/internal/backend"
	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/handlers/www"
	"example.com/netprobed/v2/internal/logger"
	"example.com/netprobed/v2/internal/router"
	"example.com/netprobed/v2/internal/server"
)

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	Settings *backend.ConfigManager
	Data     *backend.DataManager
	Logs     *backend.LogManager
	Runner   *backend.Runner
	State    *backend.StateManager
	Static   *www.StaticFileServer
	Router   *router.Router
	Server   *server.Server
}

// New builds a Daemon from cfg. The log manager is attached to lg so that
// /api/log sees what the daemon logs.
func New(cfg *config.Config, lg *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: lg}
	d.Logs = backend.NewLogManager(cfg.Backend.LogBuffer)
	lg.AddHook(d.Logs)

	d.State = backend.NewStateManager(cfg.State.CometTimeout.D(), lg)

	var err error
	d.Settings, err = backend.NewConfigManager(d.resolve(cfg.Backend.SettingsPath), d.State, lg)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	d.Data, err = backend.NewDataManager(d.resolve(cfg.Backend.DataPath), cfg.Backend.MaxResults, lg)
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	d.Runner = backend.NewRunner(d.Settings, d.Data, d.State, lg)

	resolver := www.NewResolver(lg)
	if err := resolver.SetRootDir(d.resolve(cfg.WWW.RootDir)); err != nil {
		return nil, err
	}
	d.Static = www.NewStaticFileServer(resolver, cfg.WWW, lg)
	d.State.SetRootReporter(d.Static)

	d.Router, err = router.NewRouter(router.Backends{
		Config:  d.Settings,
		Data:    d.Data,
		Log:     d.Logs,
		Specs:   backend.NewSpecsManager(d.Runner),
		Runner:  d.Runner,
		State:   d.State,
		Version: cfg.Server.Version,
	}, d.Static, lg)
	if err != nil {
		return nil, err
	}

	d.Server, err = server.NewServer(cfg, lg, d.Router)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// resolve makes a relative path relative to the configuration file.
func (d *Daemon) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || d.cfg.OriginalFilePath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(d.cfg.OriginalFilePath), p)
}

// Handler returns the HTTP handler serving the daemon's surface.
func (d *Daemon) Handler() http.Handler {
	return d.Server.Handler()
}

// Run serves until a signal or /api/exit asks for shutdown.
func (d *Daemon) Run() error {
	d.log.Info("Starting netprobed", logger.LogFields{
		"address": *d.cfg.Server.Address,
		"rootdir": d.Static.RootDir(),
		"version": d.cfg.Server.Version,
	})
	err := d.Server.Start()
	d.Close()
	return err
}

// Close stops background work: pending long polls are dropped and running
// tests are cancelled.
func (d *Daemon) Close() {
	d.State.Close()
	d.Runner.Close()
}
