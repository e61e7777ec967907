// Package config loads and exposes application configuration (TOML).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "relaybot"
	DefaultPGSSLMode         = "disable"
	DefaultReconcileInterval = 30 * time.Second
	DefaultHealthInterval    = time.Minute
	DefaultStartTimeout      = 15 * time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultSessionTTL        = 30 * time.Minute
	DefaultRestartCeiling    = 5
	DefaultRestartBackoff    = 2 * time.Second
	DefaultBroadcastRate     = 20 // messages per second across one broadcast
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Vault      VaultConfig      `toml:"vault"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Sessions   SessionConfig    `toml:"sessions"`
	Broadcast  BroadcastConfig  `toml:"broadcast"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the admin HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AuthConfig holds the JWT secret for the admin API.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// VaultConfig holds the credential vault master key (64 hex chars, 32 bytes).
type VaultConfig struct {
	MasterKey string `toml:"master_key"`
}

// Duration is a time.Duration that unmarshals from TOML strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SupervisorConfig holds listener lifecycle timing parameters.
type SupervisorConfig struct {
	ReconcileInterval Duration `toml:"reconcile_interval"`
	HealthInterval    Duration `toml:"health_interval"`
	StartTimeout      Duration `toml:"start_timeout"`
	StopTimeout       Duration `toml:"stop_timeout"`
	RestartCeiling    int      `toml:"restart_ceiling"`
	RestartBackoff    Duration `toml:"restart_backoff"`
}

// SessionConfig holds operator session expiry.
type SessionConfig struct {
	TTL Duration `toml:"ttl"`
}

// BroadcastConfig holds the per-broadcast send rate limit (messages per second).
type BroadcastConfig struct {
	RatePerSecond int `toml:"rate_per_second"`
}

// Load reads and parses the TOML config file at path and applies defaults for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPGHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPGPort
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = DefaultPGUser
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = DefaultPGDatabase
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = DefaultPGSSLMode
	}
	if cfg.Supervisor.ReconcileInterval == 0 {
		cfg.Supervisor.ReconcileInterval = Duration(DefaultReconcileInterval)
	}
	if cfg.Supervisor.HealthInterval == 0 {
		cfg.Supervisor.HealthInterval = Duration(DefaultHealthInterval)
	}
	if cfg.Supervisor.StartTimeout == 0 {
		cfg.Supervisor.StartTimeout = Duration(DefaultStartTimeout)
	}
	if cfg.Supervisor.StopTimeout == 0 {
		cfg.Supervisor.StopTimeout = Duration(DefaultStopTimeout)
	}
	if cfg.Supervisor.RestartCeiling == 0 {
		cfg.Supervisor.RestartCeiling = DefaultRestartCeiling
	}
	if cfg.Supervisor.RestartBackoff == 0 {
		cfg.Supervisor.RestartBackoff = Duration(DefaultRestartBackoff)
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = Duration(DefaultSessionTTL)
	}
	if cfg.Broadcast.RatePerSecond == 0 {
		cfg.Broadcast.RatePerSecond = DefaultBroadcastRate
	}
}
