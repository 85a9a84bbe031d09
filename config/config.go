// Package config loads the xrelay configuration from defaults, an optional YAML file, and XRELAY_* environment
// variables, in that order, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProfileAnalysis    = "analysis"
	ProfileInteractive = "interactive"
)

// Config for a relay run.
type Config struct {
	Profile string       `yaml:"profile"`
	Engine  EngineConfig `yaml:"engine"`
	Relay   RelayConfig  `yaml:"relay"`
	Queue   QueueConfig  `yaml:"queue"`
	HTTP    HTTPConfig   `yaml:"http"`
	Log     LogConfig    `yaml:"log"`
}

// EngineConfig is the engine binary to run. With DryRun, commands go to stdout instead.
type EngineConfig struct {
	Path   string   `yaml:"path"`
	Args   []string `yaml:"args"`
	DryRun bool     `yaml:"dryRun"`
}

type RelayConfig struct {
	Variant      string `yaml:"variant"`
	SearchDepth  int    `yaml:"searchDepth"`
	FollowUp     string `yaml:"followUp"`
	DelayMs      int    `yaml:"delayMs"`
	LogCommands  bool   `yaml:"logCommands"`
	RelayEnabled bool   `yaml:"relayEnabled"`
	// Stdin feeds each line of standard input to the relay. Needs RelayEnabled.
	Stdin bool `yaml:"stdin"`
}

// Delay as a duration.
func (c RelayConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// QueueConfig is where inbound commands wait. Driver is sqlite or postgres.
type QueueConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	Name           string `yaml:"name"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	MaxReceive     int    `yaml:"maxReceive"`
	TimeoutMs      int    `yaml:"timeoutMs"`
}

// HTTPConfig for the command endpoint. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig for the diagnostic log. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Default configuration, which is the analysis profile.
func Default() *Config {
	cfg := &Config{
		Profile: ProfileAnalysis,
		Engine: EngineConfig{
			Path: "sunsetter",
		},
		Queue: QueueConfig{
			Driver:         "sqlite",
			DSN:            "xrelay.db",
			Name:           "commands",
			PollIntervalMs: 100,
			MaxReceive:     3,
			TimeoutMs:      5000,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
	cfg.Relay = ProfileRelay(ProfileAnalysis)
	return cfg
}

// ProfileRelay returns the relay settings for a named profile, or the zero value if there is no such profile.
func ProfileRelay(profile string) RelayConfig {
	switch profile {
	case ProfileAnalysis:
		return RelayConfig{
			Variant:     "crazyhouse",
			SearchDepth: 9,
			FollowUp:    "quit",
			DelayMs:     10000,
		}
	case ProfileInteractive:
		return RelayConfig{
			Variant:      "crazyhouse",
			SearchDepth:  15,
			FollowUp:     "force",
			DelayMs:      2000,
			LogCommands:  true,
			RelayEnabled: true,
		}
	default:
		return RelayConfig{}
	}
}

// Load the configuration. The file at path is optional; if path is empty, XRELAY_CONFIG is used if set.
// A non-empty profile is used instead of the profile named in the file. Either way, the profile only sets the
// starting point for the relay settings, which the file and the environment then override.
func Load(path, profile string) (*Config, error) {
	cfg := Default()
	if profile != "" {
		cfg.Profile = profile
		cfg.Relay = ProfileRelay(profile)
	}

	if path == "" {
		path = os.Getenv("XRELAY_CONFIG")
	}

	if path != "" {
		if err := loadFromFile(cfg, path, profile != ""); err != nil {
			return nil, fmt.Errorf("cannot load config from %v: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadFromFile reads the profile first, so that relay settings in the file override the profile's and not the
// other way around. If keepProfile is set, the profile in the file is ignored.
func loadFromFile(cfg *Config, path string, keepProfile bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Profile != "" && !keepProfile {
		cfg.Profile = head.Profile
		cfg.Relay = ProfileRelay(head.Profile)
	}

	profile := cfg.Profile
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	cfg.Profile = profile
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"XRELAY_ENGINE":       &cfg.Engine.Path,
		"XRELAY_VARIANT":      &cfg.Relay.Variant,
		"XRELAY_FOLLOW_UP":    &cfg.Relay.FollowUp,
		"XRELAY_QUEUE_DRIVER": &cfg.Queue.Driver,
		"XRELAY_QUEUE_DSN":    &cfg.Queue.DSN,
		"XRELAY_HTTP_ADDR":    &cfg.HTTP.Addr,
		"XRELAY_LOG_LEVEL":    &cfg.Log.Level,
		"XRELAY_LOG_FILE":     &cfg.Log.File,
	}
	for name, p := range strs {
		if v := os.Getenv(name); v != "" {
			*p = v
		}
	}

	ints := map[string]*int{
		"XRELAY_DEPTH":    &cfg.Relay.SearchDepth,
		"XRELAY_DELAY_MS": &cfg.Relay.DelayMs,
	}
	for name, p := range ints {
		if v := os.Getenv(name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%v must be an integer: %w", name, err)
			}
			*p = i
		}
	}

	bools := map[string]*bool{
		"XRELAY_LOG_COMMANDS": &cfg.Relay.LogCommands,
		"XRELAY_RELAY":        &cfg.Relay.RelayEnabled,
		"XRELAY_DRY_RUN":      &cfg.Engine.DryRun,
	}
	for name, p := range bools {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%v must be a boolean: %w", name, err)
			}
			*p = b
		}
	}

	return nil
}

// Validate the configuration.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{ProfileAnalysis, ProfileInteractive}, c.Profile) {
		errs = append(errs, fmt.Errorf("unknown profile %q", c.Profile))
	}

	if c.Engine.Path == "" && !c.Engine.DryRun {
		errs = append(errs, errors.New("engine path cannot be empty"))
	}

	if c.Relay.SearchDepth < 0 {
		errs = append(errs, fmt.Errorf("search depth %v cannot be negative", c.Relay.SearchDepth))
	}

	if c.Relay.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("delay %vms cannot be negative", c.Relay.DelayMs))
	}

	if c.Relay.Stdin && !c.Relay.RelayEnabled {
		errs = append(errs, errors.New("stdin needs relaying to be enabled"))
	}

	if c.Relay.RelayEnabled {
		if !slices.Contains([]string{"sqlite", "postgres"}, c.Queue.Driver) {
			errs = append(errs, fmt.Errorf("unknown queue driver %q, must be sqlite or postgres", c.Queue.Driver))
		}
		if c.Queue.DSN == "" {
			errs = append(errs, errors.New("queue dsn cannot be empty"))
		}
		if c.Queue.Name == "" {
			errs = append(errs, errors.New("queue name cannot be empty"))
		}
		if c.Queue.PollIntervalMs <= 0 {
			errs = append(errs, errors.New("queue poll interval must be positive"))
		}
		if c.Queue.MaxReceive < 0 || c.Queue.TimeoutMs < 0 {
			errs = append(errs, errors.New("queue max receive and timeout cannot be negative"))
		}
	}

	if c.HTTP.Addr != "" && !c.Relay.RelayEnabled {
		errs = append(errs, errors.New("http needs relaying to be enabled"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
