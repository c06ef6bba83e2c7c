// Package config loads gateway configuration from a YAML file with
// environment-variable overrides (struct tags pairing yaml and env keys,
// a Default constructor per subsystem).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
}

// HTTPConfig controls the listening address and request timeouts.
type HTTPConfig struct {
	Host         string        `yaml:"host" env:"GATEWAY_HOST"`
	Port         int           `yaml:"port" env:"GATEWAY_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"GATEWAY_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"GATEWAY_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"GATEWAY_IDLE_TIMEOUT"`
}

// AuthConfig controls token lifetime and send-grace defaults.
type AuthConfig struct {
	TokenTTL        time.Duration `yaml:"token_ttl" env:"GATEWAY_TOKEN_TTL"`
	ClientSendGrace time.Duration `yaml:"client_send_grace" env:"GATEWAY_SEND_GRACE"`
	AdminUsername   string        `yaml:"admin_username" env:"GATEWAY_ADMIN_USERNAME"`
	AdminPassword   string        `yaml:"admin_password" env:"GATEWAY_ADMIN_PASSWORD"`
}

// PostgresConfig is disabled by default, so the gateway can run entirely
// in-memory for local dev/tests. Setting PG_DSN in the environment enables
// it; so do PG_ENABLED and `enabled: true` in YAML. A dsn given only in YAML
// does not enable it.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_CONN_MAX_LIFETIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_QUERY_TIMEOUT"`
	Enabled         bool          `yaml:"enabled" env:"PG_ENABLED"`
}

// RedisConfig is optional: when Enabled, book updates are mirrored to Redis
// Pub/Sub for multi-replica fan-out. The in-memory cache remains canonical.
type RedisConfig struct {
	Addr    string `yaml:"addr" env:"REDIS_ADDR"`
	DB      int    `yaml:"db" env:"REDIS_DB"`
	Enabled bool   `yaml:"enabled" env:"REDIS_ENABLED"`
}

// ExchangesConfig holds the REST timeout and total budget, the stream idle
// timeout and the reconnect backoff cap shared by all exchanges.
type ExchangesConfig struct {
	RESTTimeout         time.Duration `yaml:"rest_timeout" env:"GATEWAY_REST_TIMEOUT"`
	RESTBudget          time.Duration `yaml:"rest_budget" env:"GATEWAY_REST_BUDGET"`
	StreamIdleTimeout   time.Duration `yaml:"stream_idle_timeout" env:"GATEWAY_STREAM_IDLE_TIMEOUT"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff" env:"GATEWAY_RECONNECT_MAX_BACKOFF"`
}

// Default returns the gateway's baseline configuration: 30 min token TTL,
// 30 s send grace, 10 s/120 s REST timeout/budget, 60 s stream idle, 30 s
// backoff cap.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:        30 * time.Minute,
			ClientSendGrace: 30 * time.Second,
			AdminUsername:   "admin",
			AdminPassword:   "admin",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
			Enabled:         false,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Enabled: false,
		},
		Exchanges: ExchangesConfig{
			RESTTimeout:         10 * time.Second,
			RESTBudget:          120 * time.Second,
			StreamIdleTimeout:   60 * time.Second,
			ReconnectMaxBackoff: 30 * time.Second,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides. Only GATEWAY_HOST, GATEWAY_PORT, GATEWAY_TOKEN_TTL,
// GATEWAY_ADMIN_USERNAME, GATEWAY_ADMIN_PASSWORD, PG_DSN, PG_ENABLED,
// REDIS_ADDR and REDIS_ENABLED are read; the other env names in the struct
// tags are not consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("GATEWAY_HOST"); ok {
		cfg.HTTP.Host = v
	}
	if v, ok := os.LookupEnv("GATEWAY_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v, ok := os.LookupEnv("GATEWAY_TOKEN_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = d
		}
	}
	if v, ok := os.LookupEnv("GATEWAY_ADMIN_USERNAME"); ok {
		cfg.Auth.AdminUsername = v
	}
	if v, ok := os.LookupEnv("GATEWAY_ADMIN_PASSWORD"); ok {
		cfg.Auth.AdminPassword = v
	}
	if v, ok := os.LookupEnv("PG_DSN"); ok {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v, ok := os.LookupEnv("PG_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("REDIS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
}
