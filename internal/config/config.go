package config

import (
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/versioning"
	"Aetherra-Core/pkg/logger"
)

// DefaultPath is used when AETHERRA_CONFIG is unset.
const DefaultPath = "configs/aetherra.yaml"

// Environment variables that override file values.
const (
	EnvConfigPath    = "AETHERRA_CONFIG"
	EnvServerAddress = "AETHERRA_SERVER_ADDRESS"
	EnvJobsDSN       = "AETHERRA_JOBS_DSN"
	EnvLogLevel      = "AETHERRA_LOG_LEVEL"
)

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    logger.Config    `yaml:"logging"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Versioning VersioningConfig `yaml:"versioning"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobsConfig selects the job store and queue.
type JobsConfig struct {
	Store     JobStoreConfig  `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   int             `yaml:"workers"`
	Timeout   time.Duration   `yaml:"timeout"`
	Retention RetentionConfig `yaml:"retention"`
}

// JobStoreConfig picks memory or mysql.
type JobStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig picks memory, redis or rabbitmq.
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// RabbitMQConfig addresses an AMQP broker.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// RetentionConfig drives the job janitor.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	MaxJobs  int           `yaml:"max_jobs"`
	Interval time.Duration `yaml:"interval"`
}

// PluginsConfig points at the plugin manager YAML.
type PluginsConfig struct {
	Config string `yaml:"config"`
	// ScratchDir holds per-plugin working directories for plugins that
	// declare the filesystem capability.
	ScratchDir string `yaml:"scratchDir"`
}

// ScriptsConfig locates the script catalog.
type ScriptsConfig struct {
	Catalog string `yaml:"catalog"`
	Dir     string `yaml:"dir"`
}

// VersioningConfig configures plugin snapshots.
type VersioningConfig struct {
	Driver    string            `yaml:"driver"`
	Path      string            `yaml:"path"`
	LiveDir   string            `yaml:"live_dir"`
	Export    ExportConfig      `yaml:"export"`
	Retention SnapshotRetention `yaml:"retention"`
}

// ExportConfig selects where exported snapshots go.
type ExportConfig struct {
	Driver string                 `yaml:"driver"`
	Dir    string                 `yaml:"dir"`
	MinIO  versioning.MinIOConfig `yaml:"minio"`
}

// SnapshotRetention bounds snapshot history.
type SnapshotRetention struct {
	MaxAge       time.Duration `yaml:"max_age"`
	MaxPerPlugin int           `yaml:"max_per_plugin"`
	Interval     time.Duration `yaml:"interval"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AlertingConfig enables the Redis alert channel next to the log channel.
type AlertingConfig struct {
	Redis AlertRedisConfig `yaml:"redis"`
}

// AlertRedisConfig publishes alerts to a Redis channel.
type AlertRedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Topic    string `yaml:"topic"`
}

// FromEnv loads the file named by AETHERRA_CONFIG, falling back to
// DefaultPath. A missing default file yields the defaults.
func FromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultPath)
	if stdErrors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		cfg.applyEnv()
		cfg.applyDefaults(".")
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Load parses the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "config path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse config")
	}
	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServerAddress)); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJobsDSN)); v != "" {
		c.Jobs.Store.DSN = v
		if c.Jobs.Store.Driver == "" {
			c.Jobs.Store.Driver = "mysql"
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
}

// applyDefaults fills unset fields; relative paths resolve against baseDir.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 40
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, "data/audit.log")
	}

	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = "memory"
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "memory"
	}
	if c.Jobs.Queue.Size == 0 {
		c.Jobs.Queue.Size = 256
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.Retention.Interval == 0 {
		c.Jobs.Retention.Interval = 10 * time.Minute
	}

	if c.Plugins.Config != "" {
		c.Plugins.Config = resolve(baseDir, c.Plugins.Config, "")
	}
	c.Plugins.ScratchDir = resolve(baseDir, c.Plugins.ScratchDir, "data/scratch")
	c.Scripts.Catalog = resolve(baseDir, c.Scripts.Catalog, "scripts/catalog.yaml")
	c.Scripts.Dir = resolve(baseDir, c.Scripts.Dir, "scripts")

	if c.Versioning.Driver == "" {
		c.Versioning.Driver = "sqlite"
	}
	if c.Versioning.Driver == "sqlite" {
		c.Versioning.Path = resolve(baseDir, c.Versioning.Path, "data/snapshots.db")
	} else {
		c.Versioning.Path = resolve(baseDir, c.Versioning.Path, "data/snapshots")
	}
	c.Versioning.LiveDir = resolve(baseDir, c.Versioning.LiveDir, "plugins")
	if c.Versioning.Export.Driver == "" {
		c.Versioning.Export.Driver = "file"
	}
	if c.Versioning.Export.Driver == "file" {
		c.Versioning.Export.Dir = resolve(baseDir, c.Versioning.Export.Dir, "data/exports")
	}
	if c.Versioning.Retention.Interval == 0 {
		c.Versioning.Retention.Interval = time.Hour
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aetherrad"
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate rejects unknown drivers and incomplete connection settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, xerrors.New(xerrors.CodeInvalidArgument, msg))
		}
	}
	switch c.Jobs.Store.Driver {
	case "memory":
	case "mysql":
		check(c.Jobs.Store.DSN != "", "jobs.store.dsn is required for mysql")
	default:
		check(false, "unknown jobs.store.driver "+c.Jobs.Store.Driver)
	}
	switch c.Jobs.Queue.Driver {
	case "memory":
	case "redis":
		check(c.Jobs.Queue.Redis.Address != "", "jobs.queue.redis.address is required")
	case "rabbitmq":
		check(c.Jobs.Queue.RabbitMQ.URL != "", "jobs.queue.rabbitmq.url is required")
	default:
		check(false, "unknown jobs.queue.driver "+c.Jobs.Queue.Driver)
	}
	check(c.Jobs.Workers > 0, "jobs.workers must be positive")
	switch c.Versioning.Driver {
	case "sqlite", "file":
	default:
		check(false, "unknown versioning.driver "+c.Versioning.Driver)
	}
	switch c.Versioning.Export.Driver {
	case "none", "file":
	case "minio":
		check(c.Versioning.Export.MinIO.Endpoint != "" && c.Versioning.Export.MinIO.Bucket != "",
			"versioning.export.minio needs endpoint and bucket")
	default:
		check(false, "unknown versioning.export.driver "+c.Versioning.Export.Driver)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		check(false, "unknown telemetry.exporter "+c.Telemetry.Exporter)
	}
	if c.Alerting.Redis.Enabled {
		check(c.Alerting.Redis.Address != "", "alerting.redis.address is required")
	}
	return stdErrors.Join(errs...)
}
