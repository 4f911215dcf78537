// Package config loads service configuration from defaults, an optional
// config file, a .env file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Verification VerificationConfig `mapstructure:"verification"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"name"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	Migrate     bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type TelemetryConfig struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type VerificationConfig struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. A missing .env or config file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-expense-approvals")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "expense_approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")

	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "")

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("verification.driver", "memory")
	v.SetDefault("verification.ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, "server.grpc_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, "server.grpc_port must differ from server.port")
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres storage driver")
		}
		if c.Database.Database == "" {
			errs = append(errs, "database.name is required for the postgres storage driver")
		}
		if c.Database.MinConns > c.Database.MaxConns {
			errs = append(errs, "database.min_conns must not exceed database.max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (postgres, memory)", c.Storage.Driver))
	}

	switch c.Verification.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis verification driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("verification.driver %q is not supported (memory, redis)", c.Verification.Driver))
	}
	if c.Verification.TTL <= 0 {
		errs = append(errs, "verification.ttl must be positive")
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, "telemetry.endpoint is required for the otlp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("telemetry.exporter %q is not supported (none, stdout, otlp)", c.Telemetry.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DSN builds a libpq connection string for pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}
