// Package config loads coordinator settings: defaults, then a .env file,
// then LINGUALINK_* environment variables, then an optional YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	dbconfig "lingualink/pkg/database"
)

const envPrefix = "LINGUALINK_"

type Config struct {
	Environment string            `yaml:"environment"`
	Directory   *DirectoryConfig  `yaml:"directory"`
	HTTP        *HTTPConfig       `yaml:"http"`
	WebSocket   *WebSocketConfig  `yaml:"websocket"`
	Heartbeat   *HeartbeatConfig  `yaml:"heartbeat"`
	Matching    *MatchingConfig   `yaml:"matching"`
	Settlement  *SettlementConfig `yaml:"settlement"`
	Auth        *AuthConfig       `yaml:"auth"`
}

// DirectoryConfig selects the directory store backend and its SQLite settings.
type DirectoryConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	MaxConns     int           `yaml:"max_connections"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	PurgeEvery   string        `yaml:"purge_schedule"`
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	RetryQueue   int           `yaml:"retry_queue"`
	// RateLimit caps inbound events per party per minute. Zero disables it.
	RateLimit int `yaml:"rate_limit"`
}

// HeartbeatConfig controls session liveness. Timeout is normally twice Interval.
type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	MaxSkew         time.Duration `yaml:"max_skew"`
}

// MatchingConfig holds availability and request lifetimes. Zero RequestTTL
// means requests stay pending until accepted or cancelled.
type MatchingConfig struct {
	AvailabilityTTL time.Duration `yaml:"availability_ttl"`
	RequestTTL      time.Duration `yaml:"request_ttl"`
	ExpirySchedule  string        `yaml:"expiry_schedule"`
}

type SettlementConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	LedgerDriver      string        `yaml:"ledger_driver"`
	LedgerDSN         string        `yaml:"ledger_dsn"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Directory: &DirectoryConfig{
			Backend:      "sqlite",
			Path:         "./data/lingualink.db",
			MaxConns:     10,
			WriteTimeout: 10 * time.Second,
			RetryDelay:   250 * time.Millisecond,
			PurgeEvery:   "@every 5m",
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			RetryQueue:   32,
			RateLimit:    100,
		},
		Heartbeat: &HeartbeatConfig{
			Interval:        5 * time.Second,
			Timeout:         10 * time.Second,
			MonitorInterval: 5 * time.Second,
			DisconnectGrace: 30 * time.Second,
			MaxSkew:         30 * time.Second,
		},
		Matching: &MatchingConfig{
			AvailabilityTTL: 60 * time.Second,
			RequestTTL:      0,
			ExpirySchedule:  "@every 15s",
		},
		Settlement: &SettlementConfig{
			BaseURL:           "http://localhost:9090",
			Timeout:           10 * time.Second,
			LedgerDriver:      "sqlite",
			LedgerDSN:         "./data/settlement.db",
			ReconcileSchedule: "@every 1m",
		},
		Auth: &AuthConfig{
			JWTSecret: "",
			TokenTTL:  24 * time.Hour,
		},
	}
}

// Database returns the SQLite settings for the directory store.
func (c *Config) Database() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.DatabasePath = c.Directory.Path
	db.MaxConnections = c.Directory.MaxConns
	db.WriteTimeout = c.Directory.WriteTimeout
	db.RetryDelay = c.Directory.RetryDelay
	return db
}

// Validate collects every problem into one error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Directory == nil || c.HTTP == nil || c.WebSocket == nil || c.Heartbeat == nil ||
		c.Matching == nil || c.Settlement == nil || c.Auth == nil {
		return fmt.Errorf("config: all sections are required")
	}

	switch c.Directory.Backend {
	case "sqlite":
		if c.Directory.Path == "" {
			add("directory.path is required for the sqlite backend")
		}
		if c.Directory.MaxConns <= 0 {
			add("directory.max_connections must be positive")
		}
		if c.Directory.WriteTimeout <= 0 {
			add("directory.write_timeout must be positive")
		}
	case "memory":
	default:
		add("directory.backend must be sqlite or memory, got %q", c.Directory.Backend)
	}
	if c.Directory.RetryDelay < 0 {
		add("directory.retry_delay cannot be negative")
	}
	checkSchedule := func(name, spec string) {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("%s: %v", name, err)
		}
	}
	checkSchedule("directory.purge_schedule", c.Directory.PurgeEvery)

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		add("http.port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		add("http.host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		add("http timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		add("websocket intervals must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		add("websocket.buffer_size must be positive")
	}
	if c.WebSocket.RetryQueue < 0 {
		add("websocket.retry_queue cannot be negative")
	}
	if c.WebSocket.RateLimit < 0 {
		add("websocket.rate_limit cannot be negative")
	}

	hb := c.Heartbeat
	if hb.Interval <= 0 || hb.MonitorInterval <= 0 {
		add("heartbeat.interval and heartbeat.monitor_interval must be positive")
	}
	if hb.Timeout <= hb.Interval {
		add("heartbeat.timeout must exceed heartbeat.interval")
	}
	if hb.DisconnectGrace < 0 {
		add("heartbeat.disconnect_grace cannot be negative")
	}
	if hb.MaxSkew <= 0 {
		add("heartbeat.max_skew must be positive")
	}

	if c.Matching.AvailabilityTTL < 0 || c.Matching.RequestTTL < 0 {
		add("matching TTLs cannot be negative")
	}
	checkSchedule("matching.expiry_schedule", c.Matching.ExpirySchedule)

	if u, err := url.Parse(c.Settlement.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("settlement.base_url must be an absolute URL")
	}
	if c.Settlement.Timeout <= 0 {
		add("settlement.timeout must be positive")
	}
	if c.Settlement.LedgerDriver != "sqlite" && c.Settlement.LedgerDriver != "postgres" {
		add("settlement.ledger_driver must be sqlite or postgres, got %q", c.Settlement.LedgerDriver)
	}
	if c.Settlement.LedgerDSN == "" {
		add("settlement.ledger_dsn is required")
	}
	checkSchedule("settlement.reconcile_schedule", c.Settlement.ReconcileSchedule)

	if c.Environment == "production" && len(c.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret must be at least 32 bytes in production")
	}
	if c.Auth.TokenTTL <= 0 {
		add("auth.token_ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ApplyEnv overrides fields from LINGUALINK_* variables. Unparseable values
// are reported rather than silently ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ENV", &c.Environment)
	str("DIRECTORY_BACKEND", &c.Directory.Backend)
	str("DIRECTORY_PATH", &c.Directory.Path)
	num("DIRECTORY_MAX_CONNECTIONS", &c.Directory.MaxConns)
	num("HTTP_PORT", &c.HTTP.Port)
	str("HTTP_HOST", &c.HTTP.Host)
	dur("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	dur("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	num("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	num("WEBSOCKET_RATE_LIMIT", &c.WebSocket.RateLimit)
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	dur("HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)
	dur("HEARTBEAT_MONITOR_INTERVAL", &c.Heartbeat.MonitorInterval)
	dur("HEARTBEAT_DISCONNECT_GRACE", &c.Heartbeat.DisconnectGrace)
	dur("MATCHING_AVAILABILITY_TTL", &c.Matching.AvailabilityTTL)
	dur("MATCHING_REQUEST_TTL", &c.Matching.RequestTTL)
	str("SETTLEMENT_BASE_URL", &c.Settlement.BaseURL)
	dur("SETTLEMENT_TIMEOUT", &c.Settlement.Timeout)
	str("SETTLEMENT_LEDGER_DRIVER", &c.Settlement.LedgerDriver)
	str("SETTLEMENT_LEDGER_DSN", &c.Settlement.LedgerDSN)
	str("SETTLEMENT_RECONCILE_SCHEDULE", &c.Settlement.ReconcileSchedule)
	str("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	dur("AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ApplyYAML overlays the YAML document onto c. Keys absent from the file keep
// their current values.
func (c *Config) ApplyYAML(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

// Load resolves the full precedence chain and validates the result. An empty
// path skips the file step; a missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.ApplyYAML(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
