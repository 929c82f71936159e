package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	User                   string `mapstructure:"user"`
	Password               string `mapstructure:"password"`
	Name                   string `mapstructure:"name"`
	SSLMode                string `mapstructure:"sslmode"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
}

// BrokerConfig selects and tunes the message bus. Type is "rabbitmq" in
// every deployed environment; "redis" exists for local development.
type BrokerConfig struct {
	Type                  string `mapstructure:"type"`
	URL                   string `mapstructure:"url"`
	RedisURL              string `mapstructure:"redis_url"`
	ConfirmTimeoutSeconds int    `mapstructure:"confirm_timeout_seconds"`
	ReconnectBaseSeconds  int    `mapstructure:"reconnect_base_seconds"`
	ReconnectCapSeconds   int    `mapstructure:"reconnect_cap_seconds"`
	Prefetch              int    `mapstructure:"prefetch"`
}

type RelayConfig struct {
	PollIntervalSeconds  int     `mapstructure:"poll_interval_seconds"`
	BatchSize            int     `mapstructure:"batch_size"`
	MaxRetries           int     `mapstructure:"max_retries"`
	RetryBaseSeconds     int     `mapstructure:"retry_base_seconds"`
	RetryCapSeconds      int     `mapstructure:"retry_cap_seconds"`
	LeaseTTLSeconds      int     `mapstructure:"lease_ttl_seconds"`
	Partition            int     `mapstructure:"partition"`
	Partitions           int     `mapstructure:"partitions"`
	PublishRatePerSecond float64 `mapstructure:"publish_rate_per_second"`
	RetentionDays        int     `mapstructure:"retention_days"`
	RetentionSchedule    string  `mapstructure:"retention_schedule"`
}

type CoordinatorConfig struct {
	DedupTTLMinutes int `mapstructure:"dedup_ttl_minutes"`
	MutexStripes    int `mapstructure:"mutex_stripes"`
}

type LoggerConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// envOverrides holds the values that come from the environment in deployed
// setups, secrets stay out of the yaml file.
type envOverrides struct {
	DatabasePassword string `envconfig:"DB_PASSWORD"`
	BrokerURL        string `envconfig:"BROKER_URL"`
	RedisURL         string `envconfig:"REDIS_URL"`
}

func LoadConfig(paths ...string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	for _, p := range paths {
		viper.AddConfigPath(p)
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("swifttrack", &env); err != nil {
		return nil, fmt.Errorf("failed to read env overrides: %w", err)
	}
	if env.DatabasePassword != "" {
		config.Database.Password = env.DatabasePassword
	}
	if env.BrokerURL != "" {
		config.Broker.URL = env.BrokerURL
	}
	if env.RedisURL != "" {
		config.Broker.RedisURL = env.RedisURL
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Broker.Type == "" {
		c.Broker.Type = "rabbitmq"
	}
	if c.Relay.PollIntervalSeconds <= 0 {
		c.Relay.PollIntervalSeconds = 1
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = 100
	}
	if c.Relay.MaxRetries <= 0 {
		c.Relay.MaxRetries = 5
	}
	if c.Relay.RetryBaseSeconds <= 0 {
		c.Relay.RetryBaseSeconds = 2
	}
	if c.Relay.RetryCapSeconds <= 0 {
		c.Relay.RetryCapSeconds = 300
	}
	if c.Relay.LeaseTTLSeconds <= 0 {
		c.Relay.LeaseTTLSeconds = 60
	}
	if c.Relay.Partitions <= 0 {
		c.Relay.Partitions = 1
	}
	if c.Relay.RetentionDays <= 0 {
		c.Relay.RetentionDays = 7
	}
	if c.Relay.RetentionSchedule == "" {
		c.Relay.RetentionSchedule = "0 3 * * *"
	}
	if c.Coordinator.DedupTTLMinutes <= 0 {
		c.Coordinator.DedupTTLMinutes = 60
	}
	if c.Coordinator.MutexStripes <= 0 {
		c.Coordinator.MutexStripes = 64
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

func validate(c *Config) error {
	switch c.Broker.Type {
	case "rabbitmq":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for rabbitmq")
		}
	case "redis":
		if c.Broker.RedisURL == "" {
			return fmt.Errorf("broker.redis_url is required for redis")
		}
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.Relay.Partition < 0 || c.Relay.Partition >= c.Relay.Partitions {
		return fmt.Errorf("relay.partition %d out of range for %d partitions",
			c.Relay.Partition, c.Relay.Partitions)
	}
	return nil
}
