// Package config loads service configuration from defaults, an optional
// YAML file and FILLEDGER_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/fill-ledger/internal/fillsim"
	"github.com/atmx/fill-ledger/internal/jobs"
	"github.com/atmx/fill-ledger/internal/ledger"
)

// EnvPrefix prefixes every environment override, e.g. FILLEDGER_DATABASE_URL.
const EnvPrefix = "FILLEDGER"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Simulator fillsim.Config `mapstructure:"simulator"`
	Ledger    ledger.Config  `mapstructure:"ledger"`
	Jobs      jobs.Config    `mapstructure:"jobs"`
	Broker    BrokerConfig   `mapstructure:"broker"`
	Limits    LimitsConfig   `mapstructure:"limits"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type DatabaseConfig struct {
	// URL is a PostgreSQL connection string. Empty selects the in-memory store.
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	// URL enables the read-through cache in front of PostgreSQL.
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type BrokerConfig struct {
	// SnapshotPath is a JSON array of broker positions used by seed and
	// reconcile jobs.
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// LimitsConfig bounds paper order exposure. Zero disables a limit.
type LimitsConfig struct {
	MaxPerSymbol  decimal.Decimal `mapstructure:"max_per_symbol"`
	MaxCorrelated decimal.Decimal `mapstructure:"max_correlated"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// Load reads configuration. With an empty path it looks for config.yaml in
// ./config and /etc/fill-ledger and carries on with defaults when none
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fill-ledger")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	sim := fillsim.DefaultConfig()
	v.SetDefault("simulator.slippage_bps", sim.SlippageBps.String())
	v.SetDefault("simulator.fee_per_contract", sim.FeePerContract.String())
	v.SetDefault("simulator.min_fee", sim.MinFee.String())
	v.SetDefault("simulator.bias", string(sim.Bias))
	v.SetDefault("simulator.partial_fill_chance", sim.PartialFillChance)
	v.SetDefault("simulator.partial_fill_min_qty", sim.PartialFillMinQty.String())
	v.SetDefault("simulator.default_multiplier", sim.DefaultMultiplier.String())

	led := ledger.DefaultConfig()
	v.SetDefault("ledger.op_timeout", led.OpTimeout.String())
	v.SetDefault("ledger.max_retries", led.MaxRetries)
	v.SetDefault("ledger.backoff_min", led.BackoffMin.String())
	v.SetDefault("ledger.backoff_max", led.BackoffMax.String())
	v.SetDefault("ledger.jitter", led.Jitter)

	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("broker.snapshot_path", "")

	v.SetDefault("limits.max_per_symbol", "0")
	v.SetDefault("limits.max_correlated", "0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	case c.Jobs.Concurrency <= 0:
		return fmt.Errorf("config: jobs.concurrency must be positive")
	case c.Simulator.PartialFillChance < 0 || c.Simulator.PartialFillChance > 1:
		return fmt.Errorf("config: simulator.partial_fill_chance must be within [0,1]")
	case c.Limits.MaxPerSymbol.IsNegative() || c.Limits.MaxCorrelated.IsNegative():
		return fmt.Errorf("config: limits must not be negative")
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML numbers and env strings into decimal.Decimal.
func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// Logger builds the process logger described by the logging section.
func (l LoggingConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.level()}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (l LoggingConfig) level() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
