package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"edgefailover/internal/models"
)

// EnvPrefix is the prefix for environment overrides, e.g. EDGEFAILOVER_PRIMARY_PASSWORD.
const EnvPrefix = "EDGEFAILOVER"

// Config represents configuration data for the failover daemon.
type Config struct {
	Primary             models.PathEndpoint `yaml:"primary"`
	Standby             models.PathEndpoint `yaml:"standby"`
	Commands            Commands            `yaml:"commands"`
	CheckInterval       int                 `yaml:"check_interval"`
	FailureThreshold    int                 `yaml:"failure_threshold"`
	RecoveryThreshold   int                 `yaml:"recovery_threshold"`
	ErrorBackoffSeconds int                 `yaml:"error_backoff_seconds"`
	Connectivity        Connectivity        `yaml:"connectivity"`
	SSH                 SSH                 `yaml:"ssh"`
	Log                 Log                 `yaml:"log"`
	Status              Status              `yaml:"status"`
	Journal             Journal             `yaml:"journal"`
	Report              Report              `yaml:"report"`
}

// Commands holds the device CLI strings the daemon runs.
type Commands struct {
	PingTest          string `yaml:"ping_test"`
	ActivateStandby   string `yaml:"activate_standby"`
	DeactivateStandby string `yaml:"deactivate_standby"`
	TotalLossPattern  string `yaml:"total_loss_pattern"`
}

// Connectivity configures the fast reachability probe against the primary.
type Connectivity struct {
	Enabled           bool   `yaml:"enabled"`
	Method            string `yaml:"method"`
	Target            string `yaml:"target"`
	IntervalSeconds   int    `yaml:"interval_seconds"`
	Attempts          int    `yaml:"attempts"`
	AttemptTimeoutMs  int    `yaml:"attempt_timeout_ms"`
	FailureThreshold  int    `yaml:"failure_threshold"`
	RecoveryThreshold int    `yaml:"recovery_threshold"`
}

// SSH tunes the remote executor.
type SSH struct {
	KnownHosts        string `yaml:"known_hosts"`
	DialRatePerMinute int    `yaml:"dial_rate_per_minute"`
	DialBurst         int    `yaml:"dial_burst"`
}

// Log selects the log sink.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Status configures the optional HTTP status server. Empty Listen disables it.
type Status struct {
	Listen       string `yaml:"listen"`
	HistoryLimit int    `yaml:"history_limit"`
}

// Journal configures the optional transition audit file. Empty Path disables it.
type Journal struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// Report schedules the periodic availability summary. Empty Schedule disables it.
type Report struct {
	Schedule      string `yaml:"schedule"`
	WindowMinutes int    `yaml:"window_minutes"`
}

// envOverrides are read from the environment after the file is parsed.
type envOverrides struct {
	PrimaryPassword string `envconfig:"PRIMARY_PASSWORD"`
	StandbyPassword string `envconfig:"STANDBY_PASSWORD"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	StatusListen    string `envconfig:"STATUS_LISTEN"`
}

// ConfigurationError reports a missing or malformed configuration. It is fatal at startup.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DefaultConfig returns the defaults applied before the file is read.
func DefaultConfig() Config {
	return Config{
		Primary: models.PathEndpoint{Port: 22, TimeoutSeconds: 30},
		Standby: models.PathEndpoint{Port: 22, TimeoutSeconds: 30},
		Commands: Commands{
			TotalLossPattern: "received=0 packet-loss=100%",
		},
		CheckInterval:       5,
		FailureThreshold:    3,
		RecoveryThreshold:   3,
		ErrorBackoffSeconds: 5,
		Connectivity: Connectivity{
			Enabled:          true,
			Method:           "fping",
			IntervalSeconds:  1,
			Attempts:         3,
			AttemptTimeoutMs: 500,
		},
		SSH: SSH{
			DialRatePerMinute: 30,
			DialBurst:         5,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Status: Status{HistoryLimit: 200},
		Journal: Journal{
			MaxEntries: 1000,
		},
		Report: Report{
			Schedule:      "@hourly",
			WindowMinutes: 60,
		},
	}
}

// Load reads configuration from a yaml file, applies environment overrides and
// validates the result. Any failure is returned as *ConfigurationError.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, &ConfigurationError{Path: path, Err: errors.New("no configuration file given")}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: fmt.Errorf("read config: %w", err)}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, &ConfigurationError{Path: path, Err: fmt.Errorf("parse config: %w", err)}
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, &ConfigurationError{Path: path, Err: fmt.Errorf("read environment: %w", err)}
	}
	cfg.applyOverrides(env)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	return &cfg, nil
}

func (c *Config) applyOverrides(env envOverrides) {
	if env.PrimaryPassword != "" {
		c.Primary.Password = env.PrimaryPassword
	}
	if env.StandbyPassword != "" {
		c.Standby.Password = env.StandbyPassword
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.StatusListen != "" {
		c.Status.Listen = env.StatusListen
	}
}

func (c *Config) normalize() {
	c.Primary.Role = models.RolePrimary
	c.Standby.Role = models.RoleStandby
	for _, ep := range []*models.PathEndpoint{&c.Primary, &c.Standby} {
		ep.Address = strings.TrimSpace(ep.Address)
		if ep.Port <= 0 {
			ep.Port = 22
		}
		if ep.TimeoutSeconds <= 0 {
			ep.TimeoutSeconds = 30
		}
		ep.ConnectTimeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}

	if c.Commands.TotalLossPattern == "" {
		c.Commands.TotalLossPattern = DefaultConfig().Commands.TotalLossPattern
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5
	}
	if c.ErrorBackoffSeconds <= 0 {
		c.ErrorBackoffSeconds = 5
	}

	conn := &c.Connectivity
	conn.Method = strings.ToLower(strings.TrimSpace(conn.Method))
	if conn.Method == "" {
		conn.Method = "fping"
	}
	if conn.Target == "" {
		conn.Target = c.Primary.ProbeTarget()
	}
	if conn.IntervalSeconds <= 0 {
		conn.IntervalSeconds = 1
	}
	if conn.Attempts <= 0 {
		conn.Attempts = 3
	}
	if conn.AttemptTimeoutMs <= 0 {
		conn.AttemptTimeoutMs = 500
	}
	if conn.FailureThreshold <= 0 {
		conn.FailureThreshold = c.FailureThreshold
	}
	if conn.RecoveryThreshold <= 0 {
		conn.RecoveryThreshold = c.RecoveryThreshold
	}

	if c.SSH.DialRatePerMinute <= 0 {
		c.SSH.DialRatePerMinute = 30
	}
	if c.SSH.DialBurst <= 0 {
		c.SSH.DialBurst = 5
	}
	if c.Status.HistoryLimit <= 0 {
		c.Status.HistoryLimit = 200
	}
	if c.Journal.MaxEntries <= 0 {
		c.Journal.MaxEntries = 1000
	}
	c.Report.Schedule = strings.TrimSpace(c.Report.Schedule)
	if c.Report.WindowMinutes <= 0 {
		c.Report.WindowMinutes = 60
	}
}

// Validate checks configuration correctness. It does not mutate the configuration.
func (c *Config) Validate() error {
	if c.Primary.Address == "" {
		return errors.New("primary.address is required")
	}
	if c.Standby.Address == "" {
		return errors.New("standby.address is required")
	}
	if c.Primary.HostPort() == c.Standby.HostPort() {
		return fmt.Errorf("primary and standby must be different devices (both %s)", c.Primary.HostPort())
	}
	for _, ep := range []models.PathEndpoint{c.Primary, c.Standby} {
		if ep.Username == "" {
			return fmt.Errorf("%s.username is required", ep.Role)
		}
		if ep.Password == "" && ep.KeyFile == "" {
			return fmt.Errorf("%s needs a password or key_file", ep.Role)
		}
	}
	if strings.TrimSpace(c.Commands.PingTest) == "" {
		return errors.New("commands.ping_test is required")
	}
	if strings.TrimSpace(c.Commands.ActivateStandby) == "" {
		return errors.New("commands.activate_standby is required")
	}
	if strings.TrimSpace(c.Commands.DeactivateStandby) == "" {
		return errors.New("commands.deactivate_standby is required")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be > 0, got %d", c.FailureThreshold)
	}
	if c.RecoveryThreshold <= 0 {
		return fmt.Errorf("recovery_threshold must be > 0, got %d", c.RecoveryThreshold)
	}
	switch c.Connectivity.Method {
	case "fping", "ping", "icmp":
	default:
		return fmt.Errorf("connectivity.method %q is not one of fping, ping, icmp", c.Connectivity.Method)
	}
	if c.Report.Schedule != "" {
		if _, err := cron.ParseStandard(c.Report.Schedule); err != nil {
			return fmt.Errorf("report.schedule %q: %w", c.Report.Schedule, err)
		}
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format %q is not one of console, json", c.Log.Format)
	}
	return nil
}

// CommandPlaneInterval returns the command-plane polling interval.
func (c *Config) CommandPlaneInterval() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// ConnectivityInterval returns the connectivity polling interval.
func (c *Config) ConnectivityInterval() time.Duration {
	return time.Duration(c.Connectivity.IntervalSeconds) * time.Second
}

// ErrorBackoff returns how long a loop sleeps after an unexpected failure.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

// ReportWindow returns the span of history each availability report covers.
func (c *Config) ReportWindow() time.Duration {
	return time.Duration(c.Report.WindowMinutes) * time.Minute
}
