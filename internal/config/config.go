package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	DefaultAddress         = "127.0.0.1:9774"
	DefaultVersion         = "0.5.0.0"
	DefaultFile            = "index.html"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultCometTimeout    = 300 * time.Second
	DefaultMaxResults      = 4096
	DefaultLogBuffer       = 1024
)

// Config is the top-level configuration structure for the daemon.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	WWW     *WWWConfig     `json:"www,omitempty" toml:"www,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	State   *StateConfig   `json:"state,omitempty" toml:"state,omitempty"`
	Backend *BackendConfig `json:"backend,omitempty" toml:"backend,omitempty"`

	// OriginalFilePath is the absolute path the configuration was loaded from.
	OriginalFilePath string `json:"-" toml:"-"`
}

// ServerConfig holds listener and transport settings.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
	MaxBodyBytes            int64     `json:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty"`
	EnableH2C               *bool     `json:"enable_h2c,omitempty" toml:"enable_h2c,omitempty"`
	Version                 string    `json:"version,omitempty" toml:"version,omitempty"`
}

// WWWConfig configures static asset serving. An empty RootDir disables it.
type WWWConfig struct {
	RootDir     string            `json:"root_dir,omitempty" toml:"root_dir,omitempty"`
	DefaultFile string            `json:"default_file,omitempty" toml:"default_file,omitempty"`
	MimeTypes   map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

// StateConfig configures the live state subsystem.
type StateConfig struct {
	CometTimeout *Duration `json:"comet_timeout,omitempty" toml:"comet_timeout,omitempty"`
}

// BackendConfig configures the backend managers.
type BackendConfig struct {
	SettingsPath string `json:"settings_path,omitempty" toml:"settings_path,omitempty"`
	DataPath     string `json:"data_path,omitempty" toml:"data_path,omitempty"`
	MaxResults   int    `json:"max_results,omitempty" toml:"max_results,omitempty"`
	LogBuffer    int    `json:"log_buffer,omitempty" toml:"log_buffer,omitempty"`
}

// ConfigError describes a problem with a configuration file or value.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.FilePath != "" {
		b.WriteString(" ")
		b.WriteString(e.FilePath)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a std stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// Files ending in .json or .toml are parsed accordingly; anything else is
// tried as JSON first and then as TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read configuration file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: path, Message: "configuration file is empty"}
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSON(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		if jsonErr := decodeJSON(data, cfg); jsonErr != nil {
			cfg = &Config{}
			if tomlErr := toml.Unmarshal(data, cfg); tomlErr != nil {
				return nil, &ConfigError{
					FilePath: path,
					Message:  "unable to parse as JSON or TOML",
					Err:      fmt.Errorf("json: %v; toml: %w", jsonErr, tomlErr),
				}
			}
		}
	}
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to parse configuration", Err: err}
	}

	if abs, absErr := filepath.Abs(path); absErr == nil {
		cfg.OriginalFilePath = abs
	} else {
		cfg.OriginalFilePath = path
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := DefaultAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		d := Duration(DefaultShutdownTimeout)
		cfg.Server.GracefulShutdownTimeout = &d
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Server.EnableH2C == nil {
		enabled := true
		cfg.Server.EnableH2C = &enabled
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = DefaultVersion
	}

	if cfg.WWW == nil {
		cfg.WWW = &WWWConfig{}
	}
	if cfg.WWW.DefaultFile == "" {
		cfg.WWW.DefaultFile = DefaultFile
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		enabled := true
		cfg.Logging.AccessLog.Enabled = &enabled
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}

	if cfg.State == nil {
		cfg.State = &StateConfig{}
	}
	if cfg.State.CometTimeout == nil {
		d := Duration(DefaultCometTimeout)
		cfg.State.CometTimeout = &d
	}

	if cfg.Backend == nil {
		cfg.Backend = &BackendConfig{}
	}
	if cfg.Backend.MaxResults == 0 {
		cfg.Backend.MaxResults = DefaultMaxResults
	}
	if cfg.Backend.LogBuffer == 0 {
		cfg.Backend.LogBuffer = DefaultLogBuffer
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	path := cfg.OriginalFilePath
	fail := func(msg string, args ...interface{}) error {
		return &ConfigError{FilePath: path, Message: fmt.Sprintf(msg, args...)}
	}

	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return fail("server.address must not be empty")
	}
	if d := cfg.Server.GracefulShutdownTimeout; d != nil && *d <= 0 {
		return fail("server.graceful_shutdown_timeout must be positive, got %s", d)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fail("server.max_body_bytes must not be negative")
	}

	if cfg.WWW != nil {
		if strings.ContainsRune(cfg.WWW.DefaultFile, '/') || cfg.WWW.DefaultFile == ".." {
			return fail("www.default_file must be a plain file name, got %q", cfg.WWW.DefaultFile)
		}
		for ext := range cfg.WWW.MimeTypes {
			if !strings.HasPrefix(ext, ".") {
				return fail("www.mime_types key %q must start with '.'", ext)
			}
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fail("logging.log_level %q is invalid", cfg.Logging.LogLevel)
		}
		if cfg.Logging.ErrorLog != nil {
			if err := validateTarget(cfg.Logging.ErrorLog.Target); err != nil {
				return fail("logging.error_log.target: %v", err)
			}
		}
		if al := cfg.Logging.AccessLog; al != nil {
			if err := validateTarget(al.Target); err != nil {
				return fail("logging.access_log.target: %v", err)
			}
			if al.Format != "json" && al.Format != "console" {
				return fail("logging.access_log.format %q is invalid", al.Format)
			}
		}
	}

	if cfg.State != nil && cfg.State.CometTimeout != nil && *cfg.State.CometTimeout <= 0 {
		return fail("state.comet_timeout must be positive")
	}
	if cfg.Backend != nil {
		if cfg.Backend.MaxResults < 0 || cfg.Backend.LogBuffer < 0 {
			return fail("backend.max_results and backend.log_buffer must not be negative")
		}
	}
	return nil
}

func validateTarget(target string) error {
	if !IsFilePath(target) {
		return nil
	}
	if !filepath.IsAbs(target) {
		return fmt.Errorf("file target %q must be an absolute path", target)
	}
	return nil
}
