package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "HIDESEEK_"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Kafka    KafkaConfig    `yaml:"kafka" envPrefix:"KAFKA_"`
	Cleanup  CleanupConfig  `yaml:"cleanup" envPrefix:"CLEANUP_"`
	Guess    GuessConfig    `yaml:"guess" envPrefix:"GUESS_"`
	Rank     RankConfig     `yaml:"rank" envPrefix:"RANK_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	LogLevel     string        `yaml:"log_level" env:"LOG_LEVEL"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ReadRetries  int           `yaml:"read_retries" env:"READ_RETRIES"`
}

// PostgresConfig holds PostgreSQL connection configuration for the archive
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MinConnections  int           `yaml:"min_connections" env:"MIN_CONNECTIONS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"BROKERS"`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	GroupID      string        `yaml:"group_id" env:"GROUP_ID"`
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
}

// CleanupConfig holds expiration sweeper configuration
type CleanupConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	RetryAttempts    int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryDelay       time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	HistorySize      int           `yaml:"history_size" env:"HISTORY_SIZE"`
	HealthSampleSize int           `yaml:"health_sample_size" env:"HEALTH_SAMPLE_SIZE"`
}

// GuessConfig holds guess ingestion configuration
type GuessConfig struct {
	RateWindow time.Duration `yaml:"rate_window" env:"RATE_WINDOW"`
}

// RankConfig holds rank progression configuration
type RankConfig struct {
	AllowTierSkip bool `yaml:"allow_tier_skip" env:"ALLOW_TIER_SKIP"`
}

// Load reads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	return cfg, nil
}

// ApplyEnv overrides fields from HIDESEEK_* environment variables
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.ReadRetries == 0 {
		c.Redis.ReadRetries = 3
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "hideseek-guesses"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "hideseek-guess-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Cleanup defaults
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 24 * time.Hour
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 100
	}
	if c.Cleanup.RetryAttempts == 0 {
		c.Cleanup.RetryAttempts = 3
	}
	if c.Cleanup.RetryDelay == 0 {
		c.Cleanup.RetryDelay = 1 * time.Second
	}
	if c.Cleanup.HistorySize == 0 {
		c.Cleanup.HistorySize = 10
	}
	if c.Cleanup.HealthSampleSize == 0 {
		c.Cleanup.HealthSampleSize = 20
	}

	// Guess defaults
	if c.Guess.RateWindow == 0 {
		c.Guess.RateWindow = 2 * time.Second
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig seeds the defaults a zero value cannot express. YAML and env
// only overwrite keys that are present, so these survive a partial file.
func newConfig() *Config {
	return &Config{
		Cleanup: CleanupConfig{Enabled: true},
	}
}
