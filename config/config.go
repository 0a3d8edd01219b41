/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Built-in defaults (below)
  2. Optional config file (YAML/TOML/JSON, any format viper reads)
  3. .env in the working directory, loaded into the environment
  4. Environment variables prefixed WALLET_, e.g. WALLET_SETTLEMENT_DELAY=1h
  5. Command-line flags, applied by cmd/server after Load

Durations are Go duration strings ("90s", "24h").
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/wallet-ledger/ledger"
)

const EnvPrefix = "WALLET"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTPPort  int    `mapstructure:"http_port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	DBDriver    string `mapstructure:"db_driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	PostgresMax int32  `mapstructure:"postgres_max_conns"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisSettings bool   `mapstructure:"redis_settings"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroup   string   `mapstructure:"kafka_group"`

	StorageTimeout       time.Duration `mapstructure:"storage_timeout"`
	CreditValidityMonths int           `mapstructure:"credit_validity_months"`

	SettlementInterval    time.Duration `mapstructure:"settlement_interval"`
	SettlementDelay       time.Duration `mapstructure:"settlement_delay"`
	SettlementBatchSize   int           `mapstructure:"settlement_batch_size"`
	SettlementClaimLease  time.Duration `mapstructure:"settlement_claim_lease"`
	SettlementMaxAttempts int           `mapstructure:"settlement_max_attempts"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatchSize    int           `mapstructure:"reconcile_batch_size"`

	// Used until an admin writes the program settings.
	ReferralActiveDefault   bool   `mapstructure:"referral_active_default"`
	ReferralRewardDefault   string `mapstructure:"referral_reward_default"`
	ReferralCurrencyDefault string `mapstructure:"referral_currency_default"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("db_driver", DriverSQLite)
	v.SetDefault("sqlite_path", "./data/wallet.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("postgres_max_conns", 10)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_settings", false)

	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "activity.completed")
	v.SetDefault("kafka_group", "wallet-referrals")

	v.SetDefault("storage_timeout", 5*time.Second)
	v.SetDefault("credit_validity_months", 12)

	v.SetDefault("settlement_interval", time.Minute)
	v.SetDefault("settlement_delay", 24*time.Hour)
	v.SetDefault("settlement_batch_size", 100)
	v.SetDefault("settlement_claim_lease", 10*time.Minute)
	v.SetDefault("settlement_max_attempts", 5)
	v.SetDefault("reconcile_interval", time.Hour)
	v.SetDefault("reconcile_batch_size", 200)

	v.SetDefault("referral_active_default", false)
	v.SetDefault("referral_reward_default", "0")
	v.SetDefault("referral_currency_default", "primary")
}

// Load reads configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Env values arrive as one string.
	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: postgres_dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown db_driver %q", c.DBDriver)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http_port %d", c.HTTPPort)
	}
	if c.SettlementInterval <= 0 {
		return errors.New("config: settlement_interval must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("config: reconcile_interval must be positive")
	}
	if c.SettlementDelay < 0 {
		return errors.New("config: settlement_delay must not be negative")
	}
	if c.RedisSettings && c.RedisAddr == "" {
		return errors.New("config: redis_settings requires redis_addr")
	}
	reward, err := decimal.NewFromString(c.ReferralRewardDefault)
	if err != nil {
		return fmt.Errorf("config: referral_reward_default %q: %w", c.ReferralRewardDefault, err)
	}
	if reward.IsNegative() || !ledger.HasValidScale(reward) {
		return fmt.Errorf("config: referral_reward_default %q must be non-negative with at most %d decimals", c.ReferralRewardDefault, ledger.AmountScale)
	}
	if _, err := ledger.ParseCurrency(c.ReferralCurrencyDefault); err != nil {
		return fmt.Errorf("config: referral_currency_default: %w", err)
	}
	return nil
}

// ReferralCurrency returns the default reward currency. Validate has checked it.
func (c *Config) ReferralCurrency() ledger.Currency {
	cur, _ := ledger.ParseCurrency(c.ReferralCurrencyDefault)
	return cur
}

// ReferralReward returns the default reward amount. Validate has checked it.
func (c *Config) ReferralReward() decimal.Decimal {
	d, _ := decimal.NewFromString(c.ReferralRewardDefault)
	return d
}
