package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/homecore/errors"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. HOMECORE_NATS_URL.
const DefaultEnvPrefix = "HOMECORE"

// Loader builds a Config from defaults, file layers and environment
// overrides, in that order. Each layer only overrides the keys it sets;
// lists replace rather than append.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{validation: true, envPrefix: DefaultEnvPrefix}
}

// AddLayer appends a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation in Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix; empty disables
// overrides.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a single file on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies every layer to DefaultConfig.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := decodeInto(cfg, data); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"config", "Load", "parse "+path)
		}
		// later layers naming automation files resolve against their own dir
		if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
			cfg.baseDir = abs
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults without reading any file.
// Relative automation files resolve against the working directory.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(cfg, data); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Parse", "parse document")
	}
	return cfg, nil
}

// decodeInto overlays a YAML or JSON document on cfg. Unknown keys are
// rejected so typos surface at load time.
func decodeInto(cfg *Config, data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		// JSON may use tab indentation, which YAML rejects; re-encode it.
		var doc map[string]any
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return err
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		data = out
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if l.envPrefix == "" {
		return nil
	}
	var errs []error
	lookup := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			errs = append(errs, err)
			return "", false
		}
		return val, true
	}
	boolean := func(name string, dst *bool) {
		if val, ok := lookup(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	if val, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = val
	}
	if val, ok := lookup("LOG_FORMAT"); ok {
		cfg.Logging.Format = val
	}
	if val, ok := lookup("TIME_ZONE"); ok {
		cfg.Core.TimeZone = val
	}
	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	if val, ok := lookup("METRICS_ADDRESS"); ok {
		cfg.Metrics.Address = val
	}
	boolean("NATS_ENABLED", &cfg.NATS.Enabled)
	if val, ok := lookup("NATS_URL"); ok {
		cfg.NATS.URL = strings.TrimSpace(val)
	}
	if val, ok := lookup("NATS_USERNAME"); ok {
		cfg.NATS.Username = val
	}
	if val, ok := lookup("NATS_PASSWORD"); ok {
		cfg.NATS.Password = val
	}
	if val, ok := lookup("NATS_TOKEN"); ok {
		cfg.NATS.Token = val
	}
	return errors.Join(errs...)
}
