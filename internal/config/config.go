// Package config loads stockledgerd settings from an optional YAML file and
// STOCKLEDGER_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stockledger/internal/blob"
	"stockledger/internal/core"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOCKLEDGER_"

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
)

// Log formats.
const (
	LogJSON = "json"
	LogText = "text"
)

// Config is the full daemon configuration.
type Config struct {
	Storage StorageConfig       `yaml:"storage"`
	HTTP    HTTPConfig          `yaml:"http"`
	Ledger  LedgerConfig        `yaml:"ledger"`
	Archive ArchiveConfig       `yaml:"archive"`
	Metrics MetricsConfig       `yaml:"metrics"`
	Log     LogConfig           `yaml:"log"`
	Catalog []core.CatalogEntry `yaml:"catalog"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig tunes the allocation engine.
type LedgerConfig struct {
	ExpiryHorizon       time.Duration `yaml:"expiry_horizon"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	RecoveryConcurrency int           `yaml:"recovery_concurrency"`
}

// ArchiveConfig selects where ledger exports are written.
type ArchiveConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config addresses an S3 compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig controls the operation metrics sink.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Config {
	retry := core.DefaultRetryPolicy()
	return Config{
		Storage: StorageConfig{Driver: string(core.StorageSQLite), SQLitePath: "stockledger.db"},
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Ledger: LedgerConfig{
			ExpiryHorizon:       core.DefaultExpiryHorizon,
			RetryMaxAttempts:    retry.MaxAttempts,
			RetryBaseDelay:      retry.BaseDelay,
			RetryMaxDelay:       retry.MaxDelay,
			RecoveryConcurrency: 4,
		},
		Archive: ArchiveConfig{Driver: string(blob.DriverFilesystem), FSRoot: "archive"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Backend: MetricsPrometheus},
		Log:     LogConfig{Level: "info", Format: LogJSON},
	}
}

// Load reads defaults, then path when it is not empty, then the environment,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}
	env.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	env.str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	env.str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	env.str("HTTP_ADDR", &cfg.HTTP.Addr)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	env.duration("EXPIRY_HORIZON", &cfg.Ledger.ExpiryHorizon)
	env.integer("RETRY_MAX_ATTEMPTS", &cfg.Ledger.RetryMaxAttempts)
	env.duration("RETRY_BASE_DELAY", &cfg.Ledger.RetryBaseDelay)
	env.duration("RETRY_MAX_DELAY", &cfg.Ledger.RetryMaxDelay)
	env.integer("RECOVERY_CONCURRENCY", &cfg.Ledger.RecoveryConcurrency)
	env.str("BLOB_DRIVER", &cfg.Archive.Driver)
	env.str("BLOB_FS_ROOT", &cfg.Archive.FSRoot)
	env.str("BLOB_S3_BUCKET", &cfg.Archive.S3.Bucket)
	env.str("BLOB_S3_REGION", &cfg.Archive.S3.Region)
	env.str("BLOB_S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	env.str("BLOB_S3_PREFIX", &cfg.Archive.S3.Prefix)
	env.boolean("BLOB_S3_PATH_STYLE", &cfg.Archive.S3.PathStyle)
	env.str("BLOB_S3_ACCESS_KEY_ID", &cfg.Archive.S3.AccessKeyID)
	env.str("BLOB_S3_SECRET_ACCESS_KEY", &cfg.Archive.S3.SecretAccessKey)
	env.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	env.str("METRICS_PATH", &cfg.Metrics.Path)
	env.str("METRICS_BACKEND", &cfg.Metrics.Backend)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)
	return errors.Join(env.errs...)
}

// envReader overwrites fields from set variables and collects parse errors.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory:
	case "", core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch blob.Driver(c.Archive.Driver) {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.driver: unknown driver %q", c.Archive.Driver))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if c.HTTP.ShutdownTimeout < 0 || c.Ledger.ExpiryHorizon < 0 || c.Ledger.RetryBaseDelay < 0 || c.Ledger.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Ledger.RetryMaxAttempts < 0 || c.Ledger.RecoveryConcurrency < 0 {
		errs = append(errs, errors.New("ledger counts must not be negative"))
	}
	switch c.Metrics.Backend {
	case MetricsPrometheus, MetricsExpvar:
	default:
		errs = append(errs, fmt.Errorf("metrics.backend: unknown backend %q", c.Metrics.Backend))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("metrics.path must start with /"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case LogJSON, LogText:
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if err := core.ValidateCatalogEntries(c.Catalog); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the logger described by the log section. An unparsable
// level falls back to info.
func (c Config) NewLogger(w io.Writer) *core.SlogLogger {
	level, _ := c.LogLevel()
	if c.Log.Format == LogText {
		return core.NewTextLogger(w, level)
	}
	return core.NewJSONLogger(w, level)
}

// StorageConfig converts the storage section for core.OpenPersistentStore.
func (c Config) StorageConfig() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobConfig converts the archive section for blob.Open.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Archive.Driver),
		FSRoot: c.Archive.FSRoot,
		S3: blob.S3Config{
			Region:          c.Archive.S3.Region,
			Bucket:          c.Archive.S3.Bucket,
			Prefix:          c.Archive.S3.Prefix,
			Endpoint:        c.Archive.S3.Endpoint,
			AccessKeyID:     c.Archive.S3.AccessKeyID,
			SecretAccessKey: c.Archive.S3.SecretAccessKey,
			PathStyle:       c.Archive.S3.PathStyle,
		},
	}
}

// RetryPolicy builds the optimistic concurrency policy.
func (c Config) RetryPolicy() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts: c.Ledger.RetryMaxAttempts,
		BaseDelay:   c.Ledger.RetryBaseDelay,
		MaxDelay:    c.Ledger.RetryMaxDelay,
	}
}

// ServiceOptions returns the core options the ledger section implies.
func (c Config) ServiceOptions() []core.ServiceOption {
	return []core.ServiceOption{
		core.WithRetryPolicy(c.RetryPolicy()),
		core.WithExpiryHorizon(c.Ledger.ExpiryHorizon),
		core.WithRecoveryConcurrency(c.Ledger.RecoveryConcurrency),
		core.WithCatalog(core.NewCatalog(c.Catalog...)),
	}
}
