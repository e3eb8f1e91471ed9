// Package config loads the service configuration from a YAML file and lets
// environment variables override individual settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/catalog-search/internal/env"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Elastic   ElasticConfig   `yaml:"elastic"`
	Broker    BrokerConfig    `yaml:"broker"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Reindex   ReindexConfig   `yaml:"reindex"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type HTTPConfig struct {
	Port            int `yaml:"port"`
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

type ElasticConfig struct {
	Nodes          []string      `yaml:"nodes"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ProductsIndex  string        `yaml:"products_index"`
	LogsIndex      string        `yaml:"logs_index"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	ReadyAttempts  int           `yaml:"ready_attempts"`
	ReadyWait      time.Duration `yaml:"ready_wait"`
}

type BrokerConfig struct {
	Kind          string   `yaml:"kind"` // kafka, nats
	Brokers       []string `yaml:"brokers"`
	NATSURL       string   `yaml:"nats_url"`
	GroupID       string   `yaml:"group_id"`
	ClientID      string   `yaml:"client_id"`
	CapturePrefix string   `yaml:"capture_prefix"`
	Schema        string   `yaml:"schema"`
	Table         string   `yaml:"table"`
	// Kafka group liveness tuning.
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
	MaxPollRecords   int           `yaml:"max_poll_records"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	// NATS JetStream settings. The durable consumer is named after GroupID.
	Stream        string        `yaml:"stream"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Topic is the change feed name, <capture-prefix>.<schema>.<table>.
func (b BrokerConfig) Topic() string {
	return b.CapturePrefix + "." + b.Schema + "." + b.Table
}

type SyncConfig struct {
	Enabled           bool          `yaml:"enabled"`
	CommitPolicy      string        `yaml:"commit_policy"` // on_enqueue, on_flush
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MinBackoff        time.Duration `yaml:"min_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MetricsAddr is where the standalone sync binary serves /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // pgx, mysql
	DSN           string `yaml:"dsn"`
	UsersTable    string `yaml:"users_table"`
	ProductsTable string `yaml:"products_table"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	StatusKey string        `yaml:"status_key"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

type TelemetryConfig struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
	// RatePerSecond caps search log writes. Zero leaves them unlimited so
	// only a full queue drops entries.
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type ReindexConfig struct {
	PageSize int           `yaml:"page_size"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Load reads path (when it exists), applies environment overrides and fills
// defaults. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = env.GetInt("PORT", c.HTTP.Port)
	c.Elastic.Nodes = env.List("ELASTIC_NODE", c.Elastic.Nodes)
	c.Elastic.Username = env.Get("ELASTIC_USERNAME", c.Elastic.Username)
	c.Elastic.Password = env.Get("ELASTIC_PASSWORD", c.Elastic.Password)
	c.Broker.Kind = env.Get("BROKER_KIND", c.Broker.Kind)
	c.Broker.Brokers = env.List("KAFKA_BROKERS", c.Broker.Brokers)
	c.Broker.NATSURL = env.Get("NATS_URL", c.Broker.NATSURL)
	c.Broker.GroupID = env.Get("SYNC_GROUP_ID", c.Broker.GroupID)
	c.Broker.CapturePrefix = env.Get("CDC_PREFIX", c.Broker.CapturePrefix)
	c.Sync.Enabled = env.GetBool("SYNC_ENABLED", c.Sync.Enabled)
	c.Sync.CommitPolicy = env.Get("SYNC_COMMIT_POLICY", c.Sync.CommitPolicy)
	c.Database.Driver = env.Get("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = env.Get("PG_DSN", c.Database.DSN)
	c.Redis.Addr = env.Get("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.Get("REDIS_PASSWORD", c.Redis.Password)
	c.Logging.Level = env.Get("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = env.Get("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
	if c.HTTP.RateLimitPerMin == 0 {
		c.HTTP.RateLimitPerMin = 600
	}
	if len(c.Elastic.Nodes) == 0 {
		c.Elastic.Nodes = []string{"http://localhost:9200"}
	}
	if c.Elastic.ProductsIndex == "" {
		c.Elastic.ProductsIndex = "products"
	}
	if c.Elastic.LogsIndex == "" {
		c.Elastic.LogsIndex = "search_logs"
	}
	if c.Elastic.RequestTimeout == 0 {
		c.Elastic.RequestTimeout = 10 * time.Second
	}
	if c.Elastic.MaxRetries == 0 {
		c.Elastic.MaxRetries = 3
	}
	if c.Elastic.ReadyAttempts == 0 {
		c.Elastic.ReadyAttempts = 5
	}
	if c.Elastic.ReadyWait == 0 {
		c.Elastic.ReadyWait = 5 * time.Second
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "kafka"
	}
	if len(c.Broker.Brokers) == 0 {
		c.Broker.Brokers = []string{"localhost:9092"}
	}
	if c.Broker.NATSURL == "" {
		c.Broker.NATSURL = "nats://localhost:4222"
	}
	if c.Broker.GroupID == "" {
		c.Broker.GroupID = "catalog-search-sync"
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "catalog-search-sync"
	}
	if c.Broker.CapturePrefix == "" {
		c.Broker.CapturePrefix = "pgserver"
	}
	if c.Broker.Schema == "" {
		c.Broker.Schema = "public"
	}
	if c.Broker.Table == "" {
		c.Broker.Table = "products"
	}
	if c.Broker.SessionTimeout == 0 {
		c.Broker.SessionTimeout = 30 * time.Second
	}
	if c.Broker.RebalanceTimeout == 0 {
		c.Broker.RebalanceTimeout = 60 * time.Second
	}
	if c.Broker.HeartbeatEvery == 0 {
		c.Broker.HeartbeatEvery = 3 * time.Second
	}
	if c.Broker.MaxPollRecords == 0 {
		c.Broker.MaxPollRecords = 500
	}
	if c.Broker.PollTimeout == 0 {
		c.Broker.PollTimeout = 5 * time.Second
	}
	if c.Broker.AckWait == 0 {
		c.Broker.AckWait = 30 * time.Second
	}
	if c.Broker.MaxReconnect == 0 {
		c.Broker.MaxReconnect = 60
	}
	if c.Broker.ReconnectWait == 0 {
		c.Broker.ReconnectWait = 2 * time.Second
	}
	if c.Sync.CommitPolicy == "" {
		c.Sync.CommitPolicy = "on_enqueue"
	}
	if c.Sync.HeartbeatInterval == 0 {
		c.Sync.HeartbeatInterval = 3 * time.Second
	}
	if c.Sync.MinBackoff == 0 {
		c.Sync.MinBackoff = 500 * time.Millisecond
	}
	if c.Sync.MaxBackoff == 0 {
		c.Sync.MaxBackoff = 30 * time.Second
	}
	if c.Sync.ShutdownTimeout == 0 {
		c.Sync.ShutdownTimeout = 15 * time.Second
	}
	if c.Sync.MetricsAddr == "" {
		c.Sync.MetricsAddr = ":9102"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgx"
	}
	if c.Database.UsersTable == "" {
		c.Database.UsersTable = "users"
	}
	if c.Database.ProductsTable == "" {
		c.Database.ProductsTable = "products"
	}
	if c.Redis.StatusKey == "" {
		c.Redis.StatusKey = "catalog-search:sync:status"
	}
	if c.Redis.StatusTTL == 0 {
		c.Redis.StatusTTL = 10 * time.Minute
	}
	if c.Telemetry.Workers == 0 {
		c.Telemetry.Workers = 2
	}
	if c.Telemetry.Capacity == 0 {
		c.Telemetry.Capacity = 256
	}
	if c.Telemetry.WriteTimeout == 0 {
		c.Telemetry.WriteTimeout = 5 * time.Second
	}
	if c.Reindex.PageSize == 0 {
		c.Reindex.PageSize = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Broker.Kind) {
	case "kafka", "nats":
	default:
		return fmt.Errorf("unsupported broker kind %q", c.Broker.Kind)
	}
	switch c.Sync.CommitPolicy {
	case "on_enqueue", "on_flush":
	default:
		return fmt.Errorf("unsupported commit policy %q", c.Sync.CommitPolicy)
	}
	switch c.Database.Driver {
	case "pgx", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
