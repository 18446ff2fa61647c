package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pulsemarket/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	PostSource PostSourceConfig `mapstructure:"post_source"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// InternalSecret is the shared credential required by callers of the
	// orchestrator entry points when exposed over a transport.
	InternalSecret string `mapstructure:"internal_secret"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RuleSyncEvery   int           `mapstructure:"rule_sync_every"`
}

// PostSourceConfig covers the external post source.
type PostSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Language       string        `mapstructure:"language"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OracleConfig covers the scoring oracle.
type OracleConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	ModelName      string        `mapstructure:"model_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PipelineConfig tunes the per-market refresh loop.
type PipelineConfig struct {
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval"`
	InterMarketDelay   time.Duration `mapstructure:"inter_market_delay"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	IngestBatch        int           `mapstructure:"ingest_batch"`
	ScoreBatch         int           `mapstructure:"score_batch"`
}

// StreamConfig is reserved for a long-lived streaming ingest variant; the
// pull pipeline only validates these values.
type StreamConfig struct {
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PULSEMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pulsemarket")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70756c73))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.rule_sync_every", 10)

	v.SetDefault("post_source.base_url", "https://api.twitter.com/2")
	v.SetDefault("post_source.request_timeout", "10s")
	v.SetDefault("post_source.requests_per_sec", 0.15)
	v.SetDefault("post_source.user_agent", "pulsemarket/1.0")

	v.SetDefault("oracle.request_timeout", "60s")

	v.SetDefault("pipeline.min_refresh_interval", "30s")
	v.SetDefault("pipeline.inter_market_delay", "2s")
	v.SetDefault("pipeline.rate_limit_cooldown", "30s")
	v.SetDefault("pipeline.ingest_batch", 15)
	v.SetDefault("pipeline.score_batch", 8)

	v.SetDefault("stream.reconnect_delay", "5s")
	v.SetDefault("stream.max_reconnect_attempts", 10)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Pipeline.IngestBatch <= 0 || c.Pipeline.IngestBatch > 25 {
		return fmt.Errorf("pipeline.ingest_batch must be in 1..25")
	}
	if c.Pipeline.ScoreBatch <= 0 || c.Pipeline.ScoreBatch > 16 {
		return fmt.Errorf("pipeline.score_batch must be in 1..16")
	}
	if c.Pipeline.MinRefreshInterval < 0 {
		return fmt.Errorf("pipeline.min_refresh_interval cannot be negative")
	}
	if c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than zero")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// RequireIngest checks the settings needed for live ingestion.
func (c *Config) RequireIngest() error {
	if c.PostSource.Token == "" {
		return fmt.Errorf("post_source.token is required for live ingest")
	}
	return nil
}

// RequireScoring checks the settings needed to reach the oracle.
func (c *Config) RequireScoring() error {
	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("oracle.endpoint is required for scoring")
	}
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle.api_key is required for scoring")
	}
	if c.Oracle.ModelName == "" {
		return fmt.Errorf("oracle.model_name is required for scoring")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
