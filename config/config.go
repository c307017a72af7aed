// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"    validate:"required"`
	Log       LogConfig       `yaml:"log"       validate:"required"`
	Storage   StorageConfig   `yaml:"storage"   validate:"required"`
	Policy    PolicyConfig    `yaml:"policy"    validate:"required"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"            env:"SERVER_ADDR"            env-default:":8080" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout"    env:"SERVER_READ_TIMEOUT"    env-default:"10s"   validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout"   env:"SERVER_WRITE_TIMEOUT"   env-default:"10s"   validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"    env:"SERVER_IDLE_TIMEOUT"    env-default:"60s"   validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS" env-default:"http://localhost:3000,http://localhost:5173"`
	// DemoScenarios exposes /api/scenarios. Never enable in production.
	DemoScenarios bool `yaml:"demo_scenarios" env:"SERVER_DEMO_SCENARIOS" env-default:"false"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info" validate:"required,oneof=debug info warn error"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text" validate:"required,oneof=text json"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"       env:"STORAGE_DRIVER"    env-default:"sqlite"    validate:"required,oneof=memory sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path"  env:"SQLITE_PATH"       env-default:"studio.db" validate:"required_if=Driver sqlite"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"                              validate:"required_if=Driver postgres"`
	MaxConns    int32  `yaml:"max_conns"    env:"POSTGRES_MAX_CONNS" env-default:"10"       validate:"min=1"`
}

type PolicyConfig struct {
	Currency      string `yaml:"currency"       env:"POLICY_CURRENCY"       env-default:"CHF"  validate:"required,len=3,uppercase"`
	ProcessingFee string `yaml:"processing_fee" env:"POLICY_PROCESSING_FEE" env-default:"2.50" validate:"required,numeric"`
	// File is an optional JSON refund policy, see package factory.
	File string `yaml:"file" env:"POLICY_FILE"`
}

// Fee parses ProcessingFee. Load has already validated it.
func (p PolicyConfig) Fee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(p.ProcessingFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("processing fee: %w", err)
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("processing fee must not be negative, got %s", fee)
	}
	return fee, nil
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"  env:"SCHEDULER_ENABLED"  env-default:"true"`
	Interval time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL" env-default:"1m" validate:"gt=0"`
}

// Load reads .env (if present), then path (if set), then the environment,
// and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Policy.Fee(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c LogConfig) level() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
