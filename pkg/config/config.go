package config

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/classify"
	"github.com/core-tools/hsu-scanmaster/pkg/errors"
	"github.com/core-tools/hsu-scanmaster/pkg/logging"
	"github.com/core-tools/hsu-scanmaster/pkg/runfile"
	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultExecutable  = "python"
	DefaultScript      = "Pokemon_LivePocket_URL_Checker.py"
	DefaultControlPort = 50055
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

// Config represents the top-level configuration file structure
type Config struct {
	Scanner  supervisor.ScannerConfig `yaml:"scanner"`
	Scan     ScanConfig               `yaml:"scan,omitempty"`
	Markers  classify.Markers         `yaml:"markers,omitempty"`
	Timing   supervisor.Timing        `yaml:"timing,omitempty"`
	Logging  logging.ZapConfig        `yaml:"logging,omitempty"`
	RunFiles runfile.Config           `yaml:"run_files,omitempty"`
	Metrics  MetricsConfig            `yaml:"metrics,omitempty"`
	Control  ControlConfig            `yaml:"control,omitempty"`
}

// ScanConfig is the request used when none is given on the command line
type ScanConfig struct {
	CSVPath string `yaml:"csv_path,omitempty"`
	Mode    string `yaml:"mode,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

type ControlConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// DefaultConfig runs the original checker script with every default
func DefaultConfig() *Config {
	config := &Config{}
	setConfigDefaults(config)
	return config
}

// LoadConfigFromFile loads the configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ParseConfig parses YAML content with defaults applied
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// setConfigDefaults applies default values to unset fields
func setConfigDefaults(config *Config) {
	if config.Scanner.Executable == "" {
		config.Scanner.Executable = DefaultExecutable
		if config.Scanner.Script == "" {
			config.Scanner.Script = DefaultScript
		}
	}
	if config.Scanner.GracefulTimeout == 0 {
		config.Scanner.GracefulTimeout = supervisor.DefaultGracefulTimeout
	}

	if config.Scan.Mode == "" {
		config.Scan.Mode = string(supervisor.ModeNormal)
	}

	markers := classify.DefaultMarkers()
	if config.Markers.RateLimit == "" {
		config.Markers.RateLimit = markers.RateLimit
	}
	if config.Markers.Hit == "" {
		config.Markers.Hit = markers.Hit
	}
	if config.Markers.Completed == "" {
		config.Markers.Completed = markers.Completed
	}

	timing := supervisor.DefaultTiming()
	if config.Timing.PauseDuration == 0 {
		config.Timing.PauseDuration = timing.PauseDuration
	}
	if config.Timing.HitRevertDelay == 0 {
		config.Timing.HitRevertDelay = timing.HitRevertDelay
	}
	if config.Timing.TickInterval == 0 {
		config.Timing.TickInterval = timing.TickInterval
	}

	logDefaults := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = logDefaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = logDefaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = logDefaults.Output
	}

	if config.RunFiles.AppName == "" {
		config.RunFiles.AppName = runfile.DefaultAppName
	}

	if config.Metrics.Port == 0 {
		config.Metrics.Port = DefaultMetricsPort
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = DefaultMetricsPath
	}
	if config.Control.Port == 0 {
		config.Control.Port = DefaultControlPort
	}
}

// ValidateConfig checks every section and reports all problems at once
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	collection := errors.NewErrorCollection()

	if config.Scanner.Executable == "" {
		collection.Add(errors.NewValidationError("scanner executable is required", nil))
	}
	collection.Add(ValidateTimeout(config.Scanner.GracefulTimeout, "scanner graceful"))

	if _, err := supervisor.ParseMode(config.Scan.Mode); err != nil {
		collection.Add(err)
	}

	collection.Add(ValidateTimeout(config.Timing.PauseDuration, "pause"))
	collection.Add(ValidateTimeout(config.Timing.HitRevertDelay, "hit revert"))
	collection.Add(ValidateTimeout(config.Timing.TickInterval, "tick"))

	if _, err := zapcore.ParseLevel(config.Logging.Level); err != nil {
		collection.Add(errors.NewValidationError("invalid log level: "+config.Logging.Level, err))
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		collection.Add(errors.NewValidationError("invalid log format: "+config.Logging.Format, nil).
			WithContext("supported_formats", "json, console"))
	}

	switch config.RunFiles.ServiceContext {
	case "", runfile.SystemService, runfile.UserService, runfile.SessionService:
	default:
		collection.Add(errors.NewValidationError(fmt.Sprintf("unsupported service context: %s", config.RunFiles.ServiceContext), nil).
			WithContext("supported_contexts", "system, user, session"))
	}

	if config.Metrics.Enabled {
		if err := ValidatePort(config.Metrics.Port); err != nil {
			collection.Add(errors.NewValidationError("invalid metrics configuration", err))
		}
		if config.Metrics.Path == "" || config.Metrics.Path[0] != '/' {
			collection.Add(errors.NewValidationError("metrics path must start with /", nil).WithContext("path", config.Metrics.Path))
		}
	}
	if config.Control.Enabled {
		if err := ValidatePort(config.Control.Port); err != nil {
			collection.Add(errors.NewValidationError("invalid control configuration", err))
		}
	}

	if collection.HasErrors() {
		return errors.NewValidationError("invalid configuration", collection.ToError())
	}
	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("port", port)
	}
	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}
	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}
	return nil
}

// SupervisorOptions builds the supervisor options of this configuration
func (c *Config) SupervisorOptions(recorder supervisor.SessionRecorder) supervisor.Options {
	return supervisor.Options{
		Scanner:  c.Scanner,
		Markers:  c.Markers,
		Timing:   c.Timing,
		Recorder: recorder,
	}
}

// ScanRequest builds the request from the scan section
func (c *Config) ScanRequest() (supervisor.ScanRequest, error) {
	mode, err := supervisor.ParseMode(c.Scan.Mode)
	if err != nil {
		return supervisor.ScanRequest{}, err
	}
	return supervisor.ScanRequest{CSVPath: c.Scan.CSVPath, Mode: mode}, nil
}
