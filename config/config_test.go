package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 24*time.Hour, cfg.SettlementDelay)
	assert.Equal(t, time.Minute, cfg.SettlementInterval)
	assert.Equal(t, 5, cfg.SettlementMaxAttempts)
	assert.Equal(t, 12, cfg.CreditValidityMonths)
	assert.False(t, cfg.ReferralActiveDefault)
	assert.True(t, cfg.ReferralReward().IsZero())
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WALLET_HTTP_PORT", "9090")
	t.Setenv("WALLET_DB_DRIVER", "memory")
	t.Setenv("WALLET_SETTLEMENT_DELAY", "90s")
	t.Setenv("WALLET_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("WALLET_REFERRAL_ACTIVE_DEFAULT", "true")
	t.Setenv("WALLET_REFERRAL_REWARD_DEFAULT", "50")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, 90*time.Second, cfg.SettlementDelay)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.ReferralActiveDefault)
	assert.Equal(t, "50", cfg.ReferralReward().String())
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 7070
db_driver: postgres
postgres_dsn: postgres://wallet@localhost/wallet
settlement_claim_lease: 2m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 2*time.Minute, cfg.SettlementClaimLease)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			HTTPPort:              8080,
			DBDriver:              DriverSQLite,
			SQLitePath:            "./data/wallet.db",
			SettlementInterval:    time.Minute,
			ReconcileInterval:     time.Hour,
			ReferralRewardDefault: "0",
		}
	}

	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.DBDriver = DriverPostgres }, false},
		{"sqlite without path", func(c *Config) { c.SQLitePath = "" }, false},
		{"bad port", func(c *Config) { c.HTTPPort = 0 }, false},
		{"zero settlement interval", func(c *Config) { c.SettlementInterval = 0 }, false},
		{"negative delay", func(c *Config) { c.SettlementDelay = -time.Second }, false},
		{"redis settings without redis", func(c *Config) { c.RedisSettings = true }, false},
		{"bad reward", func(c *Config) { c.ReferralRewardDefault = "fifty" }, false},
		{"negative reward", func(c *Config) { c.ReferralRewardDefault = "-5" }, false},
		{"over-precise reward", func(c *Config) { c.ReferralRewardDefault = "0.00001" }, false},
		{"bad currency", func(c *Config) { c.ReferralCurrencyDefault = "usd" }, false},
		{"secondary currency", func(c *Config) { c.ReferralCurrencyDefault = "secondary" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mut(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
