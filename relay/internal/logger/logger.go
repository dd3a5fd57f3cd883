// Package logger provides the zap logger shared by the relay components.
package logger

import (
	"os"

	"go_tradernet/relay/pkg/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global logger instance.
	Log = zap.NewNop()
	// Sugar is the sugared logger for convenience.
	Sugar = Log.Sugar()
)

// Config holds logger configuration.
type Config struct {
	Level       string `mapstructure:"level"`       // debug, info, warn, error
	Development bool   `mapstructure:"development"` // console-friendly output
	Encoding    string `mapstructure:"encoding"`    // json or console
}

// New builds a logger without touching the global one.
func New(cfg *Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		config.Encoding = cfg.Encoding
	}

	return config.Build(zap.AddCaller())
}

// Init initializes the global logger.
func Init(cfg *Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Log = l
	Sugar = Log.Sugar()
	return nil
}

// InitDefault initializes with default settings based on environment.
func InitDefault() {
	env := os.Getenv("ENV")
	cfg := &Config{
		Level:       "info",
		Development: env != "production",
		Encoding:    "json",
	}
	if cfg.Development {
		cfg.Level = "debug"
		cfg.Encoding = "console"
	}
	if err := Init(cfg); err != nil {
		panic(err)
	}
}

// Component returns a named child of the global logger.
func Component(name string) *zap.Logger {
	return Log.Named(name)
}

// Symbol is a field for a ticker symbol.
func Symbol(symbol string) zap.Field {
	return zap.String("symbol", symbol)
}

// State is a field for a connection state.
func State(state types.ConnectionState) zap.Field {
	return zap.Stringer("state", state)
}

// Attempt is a field for a reconnect attempt number.
func Attempt(n int) zap.Field {
	return zap.Int("attempt", n)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return Log.Sync()
}
