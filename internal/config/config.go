// Package config provides YAML-based configuration loading, environment
// overrides, validation, and defaults for the Quickbase backup tool.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that take precedence over the config file.
const (
	EnvUserToken = "Q_USER_TOKEN"
	EnvRealm     = "Q_REALM"
	EnvAppID     = "Q_APP_ID"
)

// Config is the top-level configuration.
type Config struct {
	Quickbase     QuickbaseConfig     `yaml:"quickbase"`
	Backup        BackupConfig        `yaml:"backup"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

// QuickbaseConfig holds connection settings and credentials for the
// Quickbase REST API. It is passed explicitly to the transport; the
// transport never reads the environment itself.
type QuickbaseConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Realm          string  `yaml:"realm"`
	UserToken      string  `yaml:"user_token"`
	AppID          string  `yaml:"app_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	// PageSize is sent as "top" on field, report, and report-run requests.
	PageSize int `yaml:"page_size"`
}

// BackupConfig controls the full-backup run.
type BackupConfig struct {
	Destination   string `yaml:"destination"`
	ReportKeyword string `yaml:"report_keyword"`
	// FailFast stops the run at the first table or report that fails.
	// By default failures are recorded and the run continues.
	FailFast          bool     `yaml:"fail_fast"`
	SkipUnknownFields bool     `yaml:"skip_unknown_fields"`
	// TableIDs restricts the backup to these tables. Empty means all.
	TableIDs []string `yaml:"table_ids"`
	// Interval > 0 runs the backup repeatedly as a daemon.
	Interval Duration `yaml:"interval"`
}

// KafkaConfig configures the optional Kafka publisher sink.
type KafkaConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Brokers            []string `yaml:"brokers"`
	Topic              string   `yaml:"topic"`
	Format             string   `yaml:"format"` // "json" or "avro"
	SchemaRegistryURL  string   `yaml:"schema_registry_url"`
	Partitioner        string   `yaml:"partitioner"`
	IdentifierField    string   `yaml:"identifier_field"`
	PartitionKeyFields []string `yaml:"partition_key_fields"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
type ObservabilityConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads a YAML config file, expands environment variables, applies
// environment overrides, and validates. A missing file is not an error:
// the configuration is then built from the environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays credentials from the environment. Environment values win
// over values from the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUserToken); ok && v != "" {
		cfg.Quickbase.UserToken = v
	}
	if v, ok := lookup(EnvRealm); ok && v != "" {
		cfg.Quickbase.Realm = v
	}
	if v, ok := lookup(EnvAppID); ok && v != "" {
		cfg.Quickbase.AppID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	qb := &cfg.Quickbase
	if qb.BaseURL == "" {
		qb.BaseURL = "https://api.quickbase.com"
	}
	if qb.TimeoutSeconds == 0 {
		qb.TimeoutSeconds = 60
	}
	if qb.PageSize == 0 {
		qb.PageSize = 5000
	}

	if cfg.Backup.ReportKeyword == "" {
		cfg.Backup.ReportKeyword = "BACKUP"
	}

	if cfg.Kafka.Enabled {
		if cfg.Kafka.Format == "" {
			cfg.Kafka.Format = "json"
		}
		if cfg.Kafka.Partitioner == "" {
			cfg.Kafka.Partitioner = "default"
		}
		if cfg.Kafka.IdentifierField == "" {
			cfg.Kafka.IdentifierField = "Record ID#"
		}
	}

	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = ":8080"
	}
}

// validate checks the settings that can be checked without credentials.
// Missing realm or token is reported by the transport constructor.
func validate(cfg *Config) error {
	var errs []error

	if u, err := url.Parse(cfg.Quickbase.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("quickbase.base_url is not a valid URL: %s", cfg.Quickbase.BaseURL))
	}
	if cfg.Quickbase.PageSize < 0 {
		errs = append(errs, fmt.Errorf("quickbase.page_size must not be negative, got %d", cfg.Quickbase.PageSize))
	}
	if cfg.Quickbase.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("quickbase.rate_limit_rps must not be negative, got %g", cfg.Quickbase.RateLimitRPS))
	}
	if cfg.Backup.Interval.Duration < 0 {
		errs = append(errs, fmt.Errorf("backup.interval must not be negative, got %s", cfg.Backup.Interval))
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", cfg.LogLevel))
	}

	if k := cfg.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers must contain at least one broker when kafka is enabled"))
		}
		if k.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required when kafka is enabled"))
		}
		switch k.Format {
		case "json":
		case "avro":
			if k.SchemaRegistryURL == "" {
				errs = append(errs, errors.New("kafka.schema_registry_url is required when kafka.format is 'avro'"))
			}
		default:
			errs = append(errs, fmt.Errorf("kafka.format must be 'json' or 'avro', got %q", k.Format))
		}
		switch k.Partitioner {
		case "default", "round_robin", "field_based":
		default:
			errs = append(errs, fmt.Errorf("kafka.partitioner must be 'default', 'round_robin', or 'field_based', got %q", k.Partitioner))
		}
		if k.Partitioner == "field_based" && len(k.PartitionKeyFields) == 0 {
			errs = append(errs, errors.New("kafka.partition_key_fields required when partitioner is 'field_based'"))
		}
	}

	return errors.Join(errs...)
}
