// Package config loads rolloutd's configuration from a YAML file plus
// environment variable overrides, the way fleetd's control server reads
// config.toml through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all rolloutd configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Monitor  MonitorConfig
	Rollout  RolloutDefaults
}

// ServerConfig contains HTTP listener settings for the reconciliation,
// webhook intake, and admin API surfaces.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the advisory lock backing single-instance
// Monitor execution.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig contains device bearer-key, admin JWT, and webhook
// signature settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTTTL        time.Duration `mapstructure:"jwt_ttl"`
	BCryptCost    int           `mapstructure:"bcrypt_cost"`
	WebhookSecret string        `mapstructure:"webhook_secret"` // empty disables signature verification
}

// MonitorConfig controls the rollout Monitor's tick cadence.
type MonitorConfig struct {
	TickSchedule string        `mapstructure:"tick_schedule"` // cron expression
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// RolloutDefaults holds rollout tuning values. Only HealthCheckWorkers
// and RollbackWorkers are read (by control.NewServer); the other fields
// are loaded and validated but not applied to policies, which take the
// policy store's own defaults for unset fields.
type RolloutDefaults struct {
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	MaxFailureRate     float64       `mapstructure:"max_failure_rate"`
	ConvergenceTimeout time.Duration `mapstructure:"convergence_timeout"`
	HealthCheckWorkers int           `mapstructure:"health_check_workers"`
	RollbackWorkers    int           `mapstructure:"rollback_workers"`
}

// Load reads config.yaml (if present) from the working directory and
// overlays environment variables prefixed ROLLOUTD_, e.g.
// ROLLOUTD_SERVER_PORT overrides server.port.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROLLOUTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "rolloutd.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_ttl", 30*time.Minute)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("monitor.tick_schedule", "@every 30s")
	v.SetDefault("monitor.lock_ttl", 30*time.Second)

	v.SetDefault("rollout.batch_delay", 5*time.Minute)
	v.SetDefault("rollout.max_failure_rate", 0.2)
	v.SetDefault("rollout.convergence_timeout", 15*time.Minute)
	v.SetDefault("rollout.health_check_workers", 5)
	v.SetDefault("rollout.rollback_workers", 10)
}

// Validate checks invariants that defaults alone can't guarantee.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Auth.BCryptCost < 10 || c.Auth.BCryptCost > 31 {
		return fmt.Errorf("invalid bcrypt cost: %d (must be 10-31)", c.Auth.BCryptCost)
	}
	if c.Rollout.MaxFailureRate <= 0 || c.Rollout.MaxFailureRate > 1 {
		return fmt.Errorf("invalid max failure rate: %v (must be in (0,1])", c.Rollout.MaxFailureRate)
	}
	return nil
}
