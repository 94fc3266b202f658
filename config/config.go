package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/homecore/automation"
	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/errors"
)

// Config is the complete process configuration.
type Config struct {
	Core    CoreConfig    `yaml:"core" json:"core"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	NATS    NATSConfig    `yaml:"nats" json:"nats"`

	// Automations holds inline rule definitions.
	Automations []map[string]any `yaml:"automations,omitempty" json:"automations,omitempty"`
	// AutomationFiles lists rule files; relative paths resolve against the
	// directory of the config file that named them.
	AutomationFiles []string `yaml:"automation_files,omitempty" json:"automation_files,omitempty"`

	baseDir string
}

// CoreConfig tunes the bus and the rule engine.
type CoreConfig struct {
	// MailboxSize bounds each subscriber's queue; zero keeps the bus default.
	MailboxSize        int      `yaml:"mailbox_size" json:"mailbox_size"`
	MatchAllExclusions []string `yaml:"match_all_exclusions" json:"match_all_exclusions"`
	// MaxContextDepth bounds causal chains; zero disables the check.
	MaxContextDepth    int    `yaml:"max_context_depth" json:"max_context_depth"`
	AllowSelfRetrigger bool   `yaml:"allow_self_retrigger" json:"allow_self_retrigger"`
	DefaultQueueMax    int    `yaml:"default_queue_max" json:"default_queue_max"`
	TimeZone           string `yaml:"time_zone" json:"time_zone"`
	// StopTimeout bounds how long shutdown waits for running rules.
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// NATSConfig controls the optional NATS export.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url"`
	Name          string        `yaml:"name,omitempty" json:"name,omitempty"`
	Username      string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" json:"password,omitempty"`
	Token         string        `yaml:"token,omitempty" json:"token,omitempty"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix"`
	// StateBucket names the KV bucket mirroring entity states; empty
	// disables mirroring.
	StateBucket string `yaml:"state_bucket" json:"state_bucket"`
	// ConnectAttempts bounds the dials made at startup before giving up.
	ConnectAttempts int `yaml:"connect_attempts" json:"connect_attempts"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			MailboxSize:        bus.DefaultMailboxSize,
			MatchAllExclusions: append([]string(nil), bus.DefaultMatchAllExclusions...),
			MaxContextDepth:    automation.DefaultMaxContextDepth,
			DefaultQueueMax:    automation.DefaultQueueMax,
			TimeZone:           "Local",
			StopTimeout:        10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9090", Path: "/metrics"},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			Timeout:         5 * time.Second,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			SubjectPrefix:   "homecore.events",
			StateBucket:     "ENTITY_STATES",
			ConnectAttempts: 4,
		},
	}
}

// Location resolves Core.TimeZone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Core.TimeZone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Core.TimeZone)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Core.MailboxSize < 0 {
		add("core.mailbox_size must not be negative")
	}
	if c.Core.MaxContextDepth < 0 {
		add("core.max_context_depth must not be negative")
	}
	if c.Core.DefaultQueueMax < 1 {
		add("core.default_queue_max must be at least 1")
	}
	if c.Core.StopTimeout < 0 {
		add("core.stop_timeout must not be negative")
	}
	if _, err := c.Location(); err != nil {
		add("core.time_zone: %v", err)
	}
	for _, t := range c.Core.MatchAllExclusions {
		if strings.TrimSpace(t) == "" || t == "*" {
			add("core.match_all_exclusions: invalid event type %q", t)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			add("metrics.address is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path must start with /")
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			add("nats.url is required when nats is enabled")
		}
		if c.NATS.ConnectAttempts < 1 {
			add("nats.connect_attempts must be at least 1")
		}
		if c.NATS.Timeout <= 0 {
			add("nats.timeout must be positive")
		}
		if !validSubject(c.NATS.SubjectPrefix) {
			add("nats.subject_prefix %q is not a valid NATS subject", c.NATS.SubjectPrefix)
		}
		if c.NATS.StateBucket != "" && !validBucket(c.NATS.StateBucket) {
			add("nats.state_bucket %q is not a valid bucket name", c.NATS.StateBucket)
		}
	}

	if _, err := c.Definitions(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, errors.Join(errs...)),
		"config", "Validate", "validate config")
}

// Definitions decodes the inline automations followed by every automation
// file, in order. Rule ids must be unique across all sources.
func (c *Config) Definitions() ([]*automation.Definition, error) {
	var (
		defs []*automation.Definition
		errs []error
	)
	for i, raw := range c.Automations {
		def, err := automation.DecodeDefinition(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("automations[%d]: %w", i, err))
			continue
		}
		defs = append(defs, def)
	}
	for _, path := range c.AutomationFiles {
		if !filepath.IsAbs(path) && c.baseDir != "" {
			path = filepath.Join(c.baseDir, path)
		}
		data, err := safeReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("automation file %s: %w", path, err))
			continue
		}
		fileDefs, err := automation.ParseDefinitions(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("automation file %s: %w", path, err))
			continue
		}
		defs = append(defs, fileDefs...)
	}

	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate automation id %q", d.ID))
		}
		seen[d.ID] = true
	}

	if len(errs) > 0 {
		return nil, errors.WrapInvalid(errors.Join(errs...), "config", "Definitions", "decode automations")
	}
	return defs, nil
}

// String renders the config as YAML with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

// validSubject reports whether s is a literal NATS subject: dot-separated
// non-empty tokens without wildcards or whitespace.
func validSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || strings.ContainsAny(tok, "*> \t\r\n") {
			return false
		}
	}
	return true
}

func validBucket(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return s != ""
}
