package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/daemon"
	"example.com/netprobed/v2/internal/logger"
)

// buildConfig turns "<address> <root-dir>" into a complete configuration.
// Settings and results live in memory only.
func buildConfig(args []string) (*config.Config, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected <address> <root-dir>, got %d arguments", len(args))
	}
	addr, rootDir := args[0], args[1]
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if rootDir == "" {
		return nil, fmt.Errorf("root directory cannot be empty")
	}
	if !filepath.IsAbs(rootDir) {
		absPath, err := filepath.Abs(rootDir)
		if err != nil {
			return nil, fmt.Errorf("failed to convert root directory to an absolute path: %w", err)
		}
		rootDir = absPath
	}

	cfg := &config.Config{
		Server: &config.ServerConfig{Address: &addr},
		WWW:    &config.WWWConfig{RootDir: rootDir},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelInfo,
			AccessLog: &config.AccessLogConfig{
				Enabled: boolPtr(true),
				Target:  "stdout",
				Format:  "console",
			},
			ErrorLog: &config.ErrorLogConfig{Target: "stderr"},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := buildConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Usage: %s <address> <root-dir>: %v", os.Args[0], err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	d, err := daemon.New(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if err := d.Run(); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	lg.Info("Server shut down gracefully")
}

func boolPtr(b bool) *bool { return &b }
