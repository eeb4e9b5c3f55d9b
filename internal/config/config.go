// Package config loads the coordinator configuration from a YAML file and
// HACLUSTER_* environment variables.
//
// Precedence, lowest first:
//  1. Defaults
//  2. YAML file (optional)
//  3. Environment variables
//
// The result is validated with struct tags before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete coordinator configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":7080".
	Listen string `yaml:"listen" validate:"required"`

	// DataDir holds the BadgerDB files. Empty means an in-memory store.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AdminPassword is the initial password of the rhqadmin subject.
	// It is only applied when the subject store is empty.
	AdminPassword string `yaml:"admin_password" validate:"required"`

	Repartition RepartitionConfig `yaml:"repartition"`
	Health      HealthConfig      `yaml:"health"`
	Register    RateConfig        `yaml:"registration"`
	Storage     StorageConfig     `yaml:"storage"`
	Alerts      AlertConfig       `yaml:"alerts"`
}

// RepartitionConfig controls the background repartition worker.
type RepartitionConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// HealthConfig controls server health probing.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxFailures int           `yaml:"max_failures" validate:"min=1"`
}

// RateConfig limits the unauthenticated cluster endpoints.
type RateConfig struct {
	Rate  float64 `yaml:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"min=1"`
}

// StorageConfig tunes the persistent store. Ignored for in-memory stores.
type StorageConfig struct {
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gt=0"`
	GCRatio    float64       `yaml:"gc_ratio" validate:"gt=0,lte=1"`
}

// AlertConfig configures the SNMP notifier.
type AlertConfig struct {
	// SNMP holds the trap sender properties keyed by their property names
	// (host, port, snmpVersion, community, ...). Empty disables alerts.
	SNMP map[string]string `yaml:"snmp"`

	// Events lists the partition event types that raise a trap.
	Events []string `yaml:"events"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen:        ":7080",
		LogLevel:      "info",
		AdminPassword: "rhqadmin",
		Repartition: RepartitionConfig{
			Interval: 30 * time.Second,
		},
		Health: HealthConfig{
			Interval:    10 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
		},
		Register: RateConfig{
			Rate:  20,
			Burst: 40,
		},
		Storage: StorageConfig{
			GCInterval: 5 * time.Minute,
			GCRatio:    0.5,
		},
		Alerts: AlertConfig{
			Events: []string{"SERVER_DOWN", "OPERATION_MODE_CHANGE", "SERVER_DELETION"},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the process environment.
//
// Parameters:
//   - path: YAML file to read; empty skips the file
//
// Returns:
//   - Validated configuration
//   - Error if the file cannot be read or parsed, an environment value is
//     malformed, or validation fails
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the struct tag constraints of cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	getenv := func(k string) (string, bool) {
		v, ok := lookup(k)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := getenv("HACLUSTER_LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := getenv("HACLUSTER_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := getenv("HACLUSTER_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := getenv("HACLUSTER_ADMIN_PASSWORD"); ok {
		cfg.AdminPassword = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HACLUSTER_REPARTITION_INTERVAL", &cfg.Repartition.Interval},
		{"HACLUSTER_HEALTH_INTERVAL", &cfg.Health.Interval},
		{"HACLUSTER_HEALTH_TIMEOUT", &cfg.Health.Timeout},
	}
	for _, d := range durations {
		v, ok := getenv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := getenv("HACLUSTER_HEALTH_MAX_FAILURES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HACLUSTER_HEALTH_MAX_FAILURES: %w", err)
		}
		cfg.Health.MaxFailures = n
	}
	if v, ok := getenv("HACLUSTER_REGISTRATION_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HACLUSTER_REGISTRATION_RATE: %w", err)
		}
		cfg.Register.Rate = f
	}
	if v, ok := getenv("HACLUSTER_REGISTRATION_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HACLUSTER_REGISTRATION_BURST: %w", err)
		}
		cfg.Register.Burst = n
	}
	return nil
}
