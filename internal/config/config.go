// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package config

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gtm-copilot/gtm-copilot/internal/secrets"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COPILOT_NETWORKING_LISTEN.
const EnvPrefix = "COPILOT"

// Config is the top-level copilot configuration.
type Config struct {
	Networking  NetworkingConfig            `mapstructure:"networking"`
	Storage     StorageConfig               `mapstructure:"storage"`
	Index       IndexConfig                 `mapstructure:"index"`
	Query       QueryConfig                 `mapstructure:"query"`
	Embedding   EmbeddingConfig             `mapstructure:"embedding"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	Collections map[string]CollectionConfig `mapstructure:"collections"`
}

// NetworkingConfig controls how the API server listens.
type NetworkingConfig struct {
	Listen      string          `mapstructure:"listen"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is the per-IP token bucket. Zero requests per second
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects the embedding store backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	DataDir  string         `mapstructure:"data_dir"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// IndexConfig controls in-process indexing.
type IndexConfig struct {
	// Mode is "ann" (in-process snapshot and overlay) or "native" (rank
	// inside the database where the backend supports it).
	Mode            string        `mapstructure:"mode"`
	MergeThreshold  int           `mapstructure:"merge_threshold"`
	MergeInterval   time.Duration `mapstructure:"merge_interval"`
	RebuildSchedule string        `mapstructure:"rebuild_schedule"`
	RebuildRetries  int           `mapstructure:"rebuild_retries"`
	MaxRecords      int           `mapstructure:"max_records"`
	HNSW            HNSWConfig    `mapstructure:"hnsw"`
}

type HNSWConfig struct {
	M              int `mapstructure:"m"`
	EfConstruction int `mapstructure:"ef_construction"`
	EfSearch       int `mapstructure:"ef_search"`
	MinRecords     int `mapstructure:"min_records"`
}

type QueryConfig struct {
	OverFetch          int    `mapstructure:"over_fetch"`
	DefaultConsistency string `mapstructure:"default_consistency"`
}

// EmbeddingConfig selects the optional text embedding provider. An empty
// provider disables text requests.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CollectionConfig declares a collection to create at startup.
type CollectionConfig struct {
	Dimension      int    `mapstructure:"dimension"`
	Metric         string `mapstructure:"metric"`
	MergeThreshold int    `mapstructure:"merge_threshold"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("networking.listen", "127.0.0.1:8000")
	v.SetDefault("networking.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("networking.rate_limit.requests_per_second", 0)
	v.SetDefault("networking.rate_limit.burst", 20)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "data")

	v.SetDefault("index.mode", "ann")
	v.SetDefault("index.merge_threshold", 1000)
	v.SetDefault("index.merge_interval", "1s")
	v.SetDefault("index.rebuild_schedule", "")
	v.SetDefault("index.rebuild_retries", 3)
	v.SetDefault("index.max_records", 0)
	v.SetDefault("index.hnsw.m", 16)
	v.SetDefault("index.hnsw.ef_construction", 200)
	v.SetDefault("index.hnsw.ef_search", 50)
	v.SetDefault("index.hnsw.min_records", 1024)

	v.SetDefault("query.over_fetch", 4)
	v.SetDefault("query.default_consistency", "eventual")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// SetupEnv binds COPILOT_* environment variables, with "." in keys mapped
// to "_".
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults only) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, cperr.Errorf(cperr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper resolves keyring references, decodes, and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	// ALLOWED_ORIGINS is the comma separated origin list the web frontend's
	// compose file sets. COPILOT_NETWORKING_CORS_ORIGINS still wins.
	if raw, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		if _, set := os.LookupEnv(EnvPrefix + "_NETWORKING_CORS_ORIGINS"); !set {
			v.Set("networking.cors_origins", SplitList(raw))
		}
	}

	if err := secrets.ResolveViperSecrets(v, secrets.NewKeyringStore()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, cperr.Errorf(cperr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}
	// Env overrides arrive as one comma separated string.
	if len(cfg.Networking.CORSOrigins) == 1 && strings.Contains(cfg.Networking.CORSOrigins[0], ",") {
		cfg.Networking.CORSOrigins = SplitList(cfg.Networking.CORSOrigins[0])
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, cperr.Errorf(cperr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validateQuery()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateCollections()...)

	return errs
}

func invalid(format string, args ...any) error {
	return cperr.Errorf(cperr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func oneOf(key, got string, valid ...string) error {
	if slices.Contains(valid, got) {
		return nil
	}
	return invalid("%s must be one of [%s], got %q", key, strings.Join(valid, ", "), got)
}

func (c *Config) validateNetworking() []error {
	var errs []error

	if c.Networking.Listen == "" {
		errs = append(errs, invalid("networking.listen must not be empty"))
	} else {
		_, portStr, err := net.SplitHostPort(c.Networking.Listen)
		if err != nil {
			errs = append(errs, invalid("networking.listen must be a valid host:port address, got %q: %w", c.Networking.Listen, err))
		} else if port, err := strconv.Atoi(portStr); err != nil {
			errs = append(errs, invalid("networking.listen port must be a number, got %q", portStr))
		} else if port < 1 || port > 65535 {
			errs = append(errs, invalid("networking.listen port must be between 1 and 65535, got %d", port))
		}
	}

	for i, origin := range c.Networking.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, invalid("networking.cors_origins[%d] must be \"*\" or an http(s) origin, got %q", i, origin))
		}
	}

	rl := c.Networking.RateLimit
	if rl.RequestsPerSecond < 0 {
		errs = append(errs, invalid("networking.rate_limit.requests_per_second must not be negative, got %g", rl.RequestsPerSecond))
	}
	if rl.RequestsPerSecond > 0 && rl.Burst <= 0 {
		errs = append(errs, invalid("networking.rate_limit.burst must be greater than 0 when limiting is enabled, got %d", rl.Burst))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	if err := oneOf("storage.backend", c.Storage.Backend, "sqlite", "postgres", "memory"); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DataDir == "" {
		errs = append(errs, invalid("storage.data_dir must not be empty for the sqlite backend"))
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		errs = append(errs, invalid("storage.postgres.dsn must be set for the postgres backend"))
	}

	return errs
}

func (c *Config) validateIndex() []error {
	var errs []error

	if err := oneOf("index.mode", c.Index.Mode, "ann", "native"); err != nil {
		errs = append(errs, err)
	}
	if c.Index.MergeThreshold <= 0 {
		errs = append(errs, invalid("index.merge_threshold must be greater than 0, got %d", c.Index.MergeThreshold))
	}
	if c.Index.MergeInterval <= 0 {
		errs = append(errs, invalid("index.merge_interval must be a positive duration, got %s", c.Index.MergeInterval))
	}
	if c.Index.RebuildRetries < 0 {
		errs = append(errs, invalid("index.rebuild_retries must not be negative, got %d", c.Index.RebuildRetries))
	}
	if c.Index.MaxRecords < 0 {
		errs = append(errs, invalid("index.max_records must not be negative, got %d", c.Index.MaxRecords))
	}

	h := c.Index.HNSW
	if h.M < 2 {
		errs = append(errs, invalid("index.hnsw.m must be at least 2, got %d", h.M))
	}
	if h.EfConstruction <= 0 {
		errs = append(errs, invalid("index.hnsw.ef_construction must be greater than 0, got %d", h.EfConstruction))
	}
	if h.EfSearch <= 0 {
		errs = append(errs, invalid("index.hnsw.ef_search must be greater than 0, got %d", h.EfSearch))
	}
	if h.MinRecords < 0 {
		errs = append(errs, invalid("index.hnsw.min_records must not be negative, got %d", h.MinRecords))
	}

	return errs
}

func (c *Config) validateQuery() []error {
	var errs []error

	if c.Query.OverFetch < 1 {
		errs = append(errs, invalid("query.over_fetch must be at least 1, got %d", c.Query.OverFetch))
	}
	if err := oneOf("query.default_consistency", c.Query.DefaultConsistency, "eventual", "strong"); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func (c *Config) validateEmbedding() []error {
	e := c.Embedding
	if e.Provider == "" {
		return nil
	}

	var errs []error
	if err := oneOf("embedding.provider", e.Provider, "openai", "google"); err != nil {
		errs = append(errs, err)
	}
	if e.Dimensions < 0 {
		errs = append(errs, invalid("embedding.dimensions must not be negative, got %d", e.Dimensions))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("logging.format", c.Logging.Format, "text", "json"); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func (c *Config) validateCollections() []error {
	var errs []error

	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		col := c.Collections[name]
		if col.Dimension <= 0 {
			errs = append(errs, invalid("collections.%s.dimension must be greater than 0, got %d", name, col.Dimension))
		}
		if col.Metric != "" {
			if err := oneOf("collections."+name+".metric", col.Metric, "cosine", "l2", "dot"); err != nil {
				errs = append(errs, err)
			}
		}
		if col.MergeThreshold < 0 {
			errs = append(errs, invalid("collections.%s.merge_threshold must not be negative, got %d", name, col.MergeThreshold))
		}
	}

	return errs
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, invalid("logging.level must be one of [debug, info, warn, error], got %q", s)
}

// NewLogger builds the process logger described by the logging section.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
