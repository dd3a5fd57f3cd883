// Package config provides configuration management using viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Market     MarketConfig     `mapstructure:"market"`
	Tickers    []string         `mapstructure:"tickers"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Server     ServerConfig     `mapstructure:"server"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Rate       RateConfig       `mapstructure:"rate"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// BrokerConfig holds broker endpoints and optional credentials for auto-connect.
type BrokerConfig struct {
	LoginURL  string `mapstructure:"login_url"`
	StreamURL string `mapstructure:"stream_url"`
	Login     string `mapstructure:"login"`
	Password  string `mapstructure:"password"`
	SID       string `mapstructure:"sid"`
}

// SupervisorConfig holds connection supervision settings.
type SupervisorConfig struct {
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	WatchdogTimeout      time.Duration `mapstructure:"watchdog_timeout"`
	ResubscribeInterval  time.Duration `mapstructure:"resubscribe_interval"`
	FastCyclesPerMinute  int           `mapstructure:"fast_cycles_per_minute"`
	StoreTimeout         time.Duration `mapstructure:"store_timeout"`
	ReadLimit            int64         `mapstructure:"read_limit"`
	OptionMarker         string        `mapstructure:"option_marker"`
	OptionMultiplier     float64       `mapstructure:"option_multiplier"`
}

// MarketConfig selects the exchange calendar.
type MarketConfig struct {
	MIC string `mapstructure:"mic"`
}

// StoreConfig selects the price cache engine.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, sqlite, mysql, redis
	Path          string        `mapstructure:"path"`   // sqlite file
	Timeout       time.Duration `mapstructure:"timeout"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RedisKey      string        `mapstructure:"redis_key"`
}

// DatabaseConfig holds MySQL database settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ServerConfig holds local API settings.
type ServerConfig struct {
	HTTPPort   int    `mapstructure:"http_port"`
	GRPCPort   int    `mapstructure:"grpc_port"`
	StreamPort int    `mapstructure:"stream_port"` // 0 disables the WebSocket feed
	Host       string `mapstructure:"host"`
}

// FanoutConfig holds fan-out hub settings.
type FanoutConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	EmitterSize int `mapstructure:"emitter_size"`
}

// RateConfig holds local API rate limiter settings.
type RateConfig struct {
	DefaultRPS      int           `mapstructure:"default_rps"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// PoolConfig sizes the I/O worker pool.
type PoolConfig struct {
	Size int `mapstructure:"size"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradernet-relay")
	}

	v.SetEnvPrefix("TRADERNET_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Broker.StreamURL == "" {
		return errors.New("broker.stream_url is required")
	}
	if c.Supervisor.MaxReconnectAttempts < 0 {
		return errors.New("supervisor.max_reconnect_attempts must not be negative")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "mysql", "redis":
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Broker defaults
	v.SetDefault("broker.login_url", "https://tradernet.com/api/check-login-password")
	v.SetDefault("broker.stream_url", "wss://wss.tradernet.com/")

	// Supervisor defaults
	v.SetDefault("supervisor.connect_timeout", "10s")
	v.SetDefault("supervisor.reconnect_base_delay", "1s")
	v.SetDefault("supervisor.max_reconnect_attempts", 8)
	v.SetDefault("supervisor.watchdog_timeout", "2s")
	v.SetDefault("supervisor.resubscribe_interval", "7s")
	v.SetDefault("supervisor.fast_cycles_per_minute", 0)
	v.SetDefault("supervisor.store_timeout", "250ms")
	v.SetDefault("supervisor.read_limit", 1<<20)
	v.SetDefault("supervisor.option_marker", "+")
	v.SetDefault("supervisor.option_multiplier", 100)

	// Market defaults
	v.SetDefault("market.mic", "xnys")

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "prices.db")
	v.SetDefault("store.timeout", "2s")
	v.SetDefault("store.flush_interval", "5s")
	v.SetDefault("store.redis_key", "tradernet:prices")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.database", "tradernet")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 1)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.stream_port", 8081)
	v.SetDefault("server.host", "127.0.0.1")

	// Fanout defaults
	v.SetDefault("fanout.queue_size", 1024)
	v.SetDefault("fanout.emitter_size", 64)

	// Rate limiter defaults
	v.SetDefault("rate.default_rps", 50)
	v.SetDefault("rate.burst_multiplier", 2.0)
	v.SetDefault("rate.cleanup_interval", "5m")

	// Pool defaults
	v.SetDefault("pool.size", 16)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
