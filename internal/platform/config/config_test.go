package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "be-expense-approvals", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Verification.TTL)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("VERIFICATION_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.Verification.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Server:       ServerConfig{Port: 0, GRPCPort: 0},
		Storage:      StorageConfig{Driver: "sqlite"},
		Verification: VerificationConfig{Driver: "memcached"},
		Telemetry:    TelemetryConfig{Exporter: "otlp"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "storage.driver \"sqlite\"")
	assert.Contains(t, msg, "verification.driver \"memcached\"")
	assert.Contains(t, msg, "verification.ttl")
	assert.Contains(t, msg, "telemetry.endpoint")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "x", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=x sslmode=disable", d.DSN())
}
