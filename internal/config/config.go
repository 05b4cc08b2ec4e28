// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/incremental-crawler/internal/adapter"
	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/normalize"
	"github.com/JakeFAU/incremental-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/incremental-crawler/internal/storage/gcs"
	"github.com/JakeFAU/incremental-crawler/internal/storage/local"
	"github.com/JakeFAU/incremental-crawler/internal/storage/mongo"
	"github.com/JakeFAU/incremental-crawler/internal/storage/postgres"
	"github.com/JakeFAU/incremental-crawler/internal/storage/redis"
)

// Backend names accepted by the storage selectors.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendBlob     = "blob"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging"`
	Run       RunConfig        `mapstructure:"run"`
	API       APIConfig        `mapstructure:"api"`
	Storage   StorageConfig    `mapstructure:"storage"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Defaults  SourceDefaults   `mapstructure:"defaults"`
	Sources   []SourceConfig   `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig governs the coordinator.
type RunConfig struct {
	Parallelism  int           `mapstructure:"parallelism"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	// Schedule is an optional cron spec; empty means run once and exit.
	Schedule string `mapstructure:"schedule"`
}

// APIConfig controls the read-only ops HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StorageConfig selects and configures backends.
type StorageConfig struct {
	Checkpoints string          `mapstructure:"checkpoints"`
	Dedup       string          `mapstructure:"dedup"`
	Sink        string          `mapstructure:"sink"`
	Blob        string          `mapstructure:"blob"`
	Local       local.Config    `mapstructure:"local"`
	Redis       redis.Config    `mapstructure:"redis"`
	Postgres    postgres.Config `mapstructure:"postgres"`
	Mongo       mongo.Config    `mapstructure:"mongo"`
	GCS         gcs.Config      `mapstructure:"gcs"`
}

// PubSubConfig holds metadata for record notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourceDefaults apply to every source that leaves the field unset.
type SourceDefaults struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Concurrency int           `mapstructure:"per_source_concurrency"`
	PageStep    int           `mapstructure:"page_step"`
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SourceConfig is one crawled site: its adapter settings plus the
// orchestration knobs.
type SourceConfig struct {
	adapter.Config `mapstructure:",squash"`

	Disabled   bool             `mapstructure:"disabled"`
	RecordKind string           `mapstructure:"record_kind"`
	Schema     normalize.Schema `mapstructure:"schema"`
	// MandatoryFields overrides the record kind's mandatory set.
	MandatoryFields []string         `mapstructure:"mandatory_fields"`
	Filter          normalize.Filter `mapstructure:"filter"`

	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is a pointer so an explicit 0 (retry without waiting) is
	// told apart from an unset value that takes the default.
	BaseDelay     *time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration  `mapstructure:"max_delay"`
	Concurrency   int            `mapstructure:"per_source_concurrency"`
	QueueSize     int            `mapstructure:"queue_size"`
	CutoffDate    string         `mapstructure:"cutoff_date"`
	PageStep      int            `mapstructure:"page_step"`
	StartOffset   int            `mapstructure:"start_offset"`
	MaxPages      int            `mapstructure:"max_pages"`
	DownloadDelay time.Duration  `mapstructure:"download_delay"`
	RPS           float64        `mapstructure:"rps"`
}

// RetryDelay returns the base retry delay in effect for the source.
func (s SourceConfig) RetryDelay() time.Duration {
	if s.BaseDelay == nil {
		return 0
	}
	return *s.BaseDelay
}

// Load builds a Config from disk/environment. Any failure is a fatal
// config error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, crawler.NewError(crawler.KindFatalConfig, "read config", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, crawler.NewError(crawler.KindFatalConfig, "unmarshal config", path, err)
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("run.parallelism", 4)
	v.SetDefault("run.grace_period", "30s")
	v.SetDefault("run.flush_timeout", "10s")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("storage.checkpoints", BackendFile)
	v.SetDefault("storage.dedup", BackendFile)
	v.SetDefault("storage.sink", BackendBlob)
	v.SetDefault("storage.blob", BackendLocal)
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.redis.prefix", "crawler:")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.mongo.connect_timeout", "10s")
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.delay", "2s")
	v.SetDefault("rate_limit.jitter", true)
	v.SetDefault("rate_limit.min_rps", 0.1)
	v.SetDefault("defaults.max_attempts", 3)
	v.SetDefault("defaults.base_delay", "5s")
	v.SetDefault("defaults.max_delay", "1m")
	v.SetDefault("defaults.per_source_concurrency", 1)
	v.SetDefault("defaults.page_step", 1)
	v.SetDefault("defaults.user_agent", "incremental-crawler/0.1")
	v.SetDefault("defaults.timeout", "30s")
}

func (c *Config) applySourceDefaults() {
	d := c.Defaults
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.MaxAttempts == 0 {
			s.MaxAttempts = d.MaxAttempts
		}
		if s.BaseDelay == nil {
			delay := d.BaseDelay
			s.BaseDelay = &delay
		}
		if s.MaxDelay == 0 {
			s.MaxDelay = d.MaxDelay
		}
		if s.Concurrency == 0 {
			s.Concurrency = d.Concurrency
		}
		if s.PageStep == 0 {
			s.PageStep = d.PageStep
		}
		if s.UserAgent == "" {
			s.UserAgent = d.UserAgent
		}
		if s.Timeout == 0 {
			s.Timeout = d.Timeout
		}
		s.Config = s.Config.WithDefaults()
	}
}

// Validate enforces required values and reasonable limits. The returned
// error lists every problem and carries the fatal config kind.
func (c Config) Validate() error {
	var errs []error
	if c.Run.Parallelism <= 0 {
		errs = append(errs, errors.New("run.parallelism must be > 0"))
	}
	if c.Run.Schedule != "" {
		if _, err := cron.ParseStandard(c.Run.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("run.schedule: %w", err))
		}
	}
	if c.API.Enabled && c.API.Port <= 0 {
		errs = append(errs, errors.New("api.port must be > 0 when the api is enabled"))
	}
	errs = append(errs, c.Storage.validate()...)

	enabled := c.EnabledSources()
	if len(enabled) == 0 {
		errs = append(errs, errors.New("at least one enabled source is required"))
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if _, dup := seen[s.ID]; dup && s.ID != "" {
			errs = append(errs, fmt.Errorf("sources: duplicate id %q", s.ID))
		}
		seen[s.ID] = struct{}{}
	}
	for _, s := range enabled {
		errs = append(errs, s.validate()...)
	}

	if err := errors.Join(errs...); err != nil {
		return crawler.NewError(crawler.KindFatalConfig, "validate config", "", err)
	}
	return nil
}

// EnabledSources returns the sources that are not disabled.
func (c Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// RateOverrides converts per-source pacing into limiter overrides.
func (c Config) RateOverrides() map[string]ratelimit.Override {
	out := make(map[string]ratelimit.Override)
	for _, s := range c.Sources {
		if s.RPS > 0 || s.DownloadDelay > 0 {
			out[s.ID] = ratelimit.Override{RPS: s.RPS, Delay: s.DownloadDelay}
		}
	}
	return out
}

func (s StorageConfig) validate() []error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("storage.%s: unknown backend %q (want one of %s)",
			name, value, strings.Join(allowed, ", ")))
	}
	check("checkpoints", s.Checkpoints, BackendFile, BackendRedis, BackendPostgres, BackendMemory)
	check("dedup", s.Dedup, BackendFile, BackendRedis, BackendPostgres, BackendMemory)
	check("sink", s.Sink, BackendMongo, BackendPostgres, BackendBlob, BackendMemory)
	if s.Sink == BackendBlob {
		check("blob", s.Blob, BackendLocal, BackendGCS, BackendMemory)
	}

	uses := func(backend string) bool {
		return s.Checkpoints == backend || s.Dedup == backend || s.Sink == backend
	}
	if uses(BackendFile) || (s.Sink == BackendBlob && s.Blob == BackendLocal) {
		if s.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required"))
		}
	}
	if uses(BackendRedis) && s.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.redis.addr is required"))
	}
	if uses(BackendPostgres) && s.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required"))
	}
	if uses(BackendMongo) && (s.Mongo.URI == "" || s.Mongo.Database == "") {
		errs = append(errs, errors.New("storage.mongo.uri and storage.mongo.database are required"))
	}
	if s.Sink == BackendBlob && s.Blob == BackendGCS && s.GCS.Bucket == "" {
		errs = append(errs, errors.New("storage.gcs.bucket is required"))
	}
	return errs
}

func (s SourceConfig) validate() []error {
	var errs []error
	prefix := "source " + s.ID
	if err := s.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s: max_attempts must be >= 1", prefix))
	}
	if s.RetryDelay() < 0 || s.MaxDelay < 0 || s.DownloadDelay < 0 {
		errs = append(errs, fmt.Errorf("%s: delays must be >= 0", prefix))
	}
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%s: per_source_concurrency must be >= 1", prefix))
	}
	if s.PageStep < 1 || s.StartOffset < 0 || s.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("%s: page_step must be >= 1, start_offset and max_pages >= 0", prefix))
	}
	if _, err := s.Cutoff(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
	}
	if _, err := s.ResolveSchema(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ResolveSchema returns the record kind's built-in schema with the source's
// overrides applied.
func (s SourceConfig) ResolveSchema() (normalize.Schema, error) {
	base, ok := normalize.Builtin(s.RecordKind)
	if !ok {
		return normalize.Schema{}, crawler.Errorf(crawler.KindFatalConfig, "schema",
			"source %s: unknown record_kind %q", s.ID, s.RecordKind)
	}
	schema := base.Override(s.Schema)
	if len(s.MandatoryFields) > 0 {
		schema.Mandatory = s.MandatoryFields
	}
	if err := schema.Validate(); err != nil {
		return normalize.Schema{}, fmt.Errorf("source %s: %w", s.ID, err)
	}
	return schema, nil
}

// Cutoff parses cutoff_date; the zero time means no cutoff.
func (s SourceConfig) Cutoff() (time.Time, error) {
	if strings.TrimSpace(s.CutoffDate) == "" {
		return time.Time{}, nil
	}
	t, err := normalize.ParseDate(s.CutoffDate, nil, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("cutoff_date: %w", err)
	}
	return t, nil
}
