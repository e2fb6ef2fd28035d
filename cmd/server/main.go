package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"example.com/netprobed/v2/internal/config"
	"example.com/netprobed/v2/internal/daemon"
	"example.com/netprobed/v2/internal/logger"
)

var (
	configFilePath string
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		// The custom logger may already be unusable here.
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	d, err := daemon.New(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize daemon", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	// Run blocks until SIGINT/SIGTERM or /api/exit.
	if err := d.Run(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		_ = appLogger.CloseLogFiles()
		os.Exit(1)
	}
	appLogger.Info("Server has shut down gracefully")
}
