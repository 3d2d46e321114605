// Package config handles loading and parsing of BleepStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	API           APIConfig           `yaml:"api"`
	DB            DBConfig            `yaml:"db"`
	Storage       BackingStoreConfig  `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	GC            GCConfig            `yaml:"gc"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// APIConfig holds the HTTP listener settings for the S3 API surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Domain, if set, enables virtual-hosted-style bucket addressing
	// ({bucket}.{domain}) in addition to path-style.
	Domain          string `yaml:"domain"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
	MaxObjectSize   int64  `yaml:"max_object_size"`  // bytes
	Region          string `yaml:"region"`
}

// DBConfig holds the metadata database connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"db_name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnString builds a libpq-style connection string for pgx.
func (d DBConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

// BackingStoreConfig holds the connection settings for the S3-compatible
// backing store that actually holds object bytes.
type BackingStoreConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Insecure  bool   `yaml:"insecure"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Bucket, if set, is used as the single backend bucket for every
	// gateway bucket (single-tenant mode). If empty, each gateway bucket
	// gets its own generated backend bucket.
	Bucket string `yaml:"bucket"`
}

// EndpointURL builds the backing store's base URL from host/port/insecure.
func (b BackingStoreConfig) EndpointURL() string {
	scheme := "https"
	if b.Insecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// AuthConfig holds the single SigV4 credential pair the gateway issues to
// its own clients, independent of the backing store's own credentials.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// GCConfig holds garbage collection worker settings.
type GCConfig struct {
	// IntervalSeconds is how often the worker drains the GC queues.
	IntervalSeconds int `yaml:"interval_seconds"`
	// BatchSize caps how many GC jobs are drained per tick.
	BatchSize int `yaml:"batch_size"`
}

// ObservabilityConfig holds settings for metrics and health check endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClusterConfig holds clustering and replication settings. Unused by the
// single-process gateway; kept for environments that front it with a
// coordinated node group.
type ClusterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"node_id"`
	BindAddr string   `yaml:"bind_addr"`
	Peers    []string `yaml:"peers"`
}

// Load reads a YAML configuration file from the given path, applies
// S3PROXY_-prefixed environment overrides, and returns a parsed Config.
// If the primary path fails, it falls back to config.example.yaml in the
// same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "config.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "config.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			ShutdownTimeout: 30,
			MaxObjectSize:   5368709120, // 5 GiB
		},
		DB: DBConfig{
			Host:    "localhost",
			Port:    5432,
			DBName:  "bleepstore",
			User:    "bleepstore",
			SSLMode: "disable",
		},
		Storage: BackingStoreConfig{
			Host: "localhost",
			Port: 9001,
		},
		Auth: AuthConfig{
			AccessKey: "bleepstore",
			SecretKey: "bleepstore-secret",
		},
		GC: GCConfig{
			IntervalSeconds: 30,
			BatchSize:       100,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyEnvOverrides applies S3PROXY_-prefixed environment variable
// overrides on top of the YAML-loaded configuration, following the
// section_field naming convention (e.g. S3PROXY_DB_HOST, S3PROXY_API_PORT).
func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	intVal := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	boolVal := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("S3PROXY_API_HOST", &cfg.API.Host)
	intVal("S3PROXY_API_PORT", &cfg.API.Port)
	str("S3PROXY_API_DOMAIN", &cfg.API.Domain)

	str("S3PROXY_DB_HOST", &cfg.DB.Host)
	intVal("S3PROXY_DB_PORT", &cfg.DB.Port)
	str("S3PROXY_DB_DB_NAME", &cfg.DB.DBName)
	str("S3PROXY_DB_USER", &cfg.DB.User)
	str("S3PROXY_DB_PASSWORD", &cfg.DB.Password)

	str("S3PROXY_STORAGE_HOST", &cfg.Storage.Host)
	intVal("S3PROXY_STORAGE_PORT", &cfg.Storage.Port)
	boolVal("S3PROXY_STORAGE_INSECURE", &cfg.Storage.Insecure)
	str("S3PROXY_STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	str("S3PROXY_STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	str("S3PROXY_STORAGE_BUCKET", &cfg.Storage.Bucket)

	str("S3PROXY_AUTH_ACCESS_KEY", &cfg.Auth.AccessKey)
	str("S3PROXY_AUTH_SECRET_KEY", &cfg.Auth.SecretKey)
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling and environment overrides.
func applyDefaults(cfg *Config) {
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 9000
	}
	if cfg.API.Region == "" {
		cfg.API.Region = "us-east-1"
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = 30
	}
	if cfg.API.MaxObjectSize == 0 {
		cfg.API.MaxObjectSize = 5368709120
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = "bleepstore"
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = "bleepstore-secret"
	}
	if cfg.GC.IntervalSeconds == 0 {
		cfg.GC.IntervalSeconds = 30
	}
	if cfg.GC.BatchSize == 0 {
		cfg.GC.BatchSize = 100
	}
}
