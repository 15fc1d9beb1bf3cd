// Package config defines the engine's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by POSENGINE_* environment variables.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Venues    []VenueConfig   `toml:"venues"`
	Scopes    []ScopeConfig   `toml:"scopes"`
	Exits     ExitsConfig     `toml:"exits"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Balance   BalanceConfig   `toml:"balance"`
	Risk      RiskConfig      `toml:"risk"`
	Nonce     NonceConfig     `toml:"nonce"`
	Retry     RetryConfig     `toml:"retry"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Archive   ArchiveConfig   `toml:"archive"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// StorageConfig selects where the ledger, tokens and execution records live.
type StorageConfig struct {
	Backend string `toml:"backend"` // "file" or "postgres"
	Dir     string `toml:"dir"`     // file backend root
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it there is no mark cache, event bus, cross-process token lock or order
// rate limit.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	MarkTTL    duration `toml:"mark_ttl"`
}

// S3Config holds archive bucket parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VenueConfig describes one venue connection.
type VenueConfig struct {
	Name            string   `toml:"name"`
	Kind            string   `toml:"kind"` // "paper" or "rest"
	BaseURL         string   `toml:"base_url"`
	Symbols         []string `toml:"symbols"`
	Timeout         duration `toml:"timeout"`
	MaxOrdersPerSec int      `toml:"max_orders_per_sec"`

	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	SecretPath         string `toml:"secret_path"` // sealed with crypto.EncryptSecret
	SecretPassword     string `toml:"secret_password"`
	CredentialOverride string `toml:"credential"` // token scope, defaults to name

	Paper PaperConfig `toml:"paper"`
}

// Credential is the token scope for orders sent through this venue.
func (v VenueConfig) Credential() string {
	if v.CredentialOverride != "" {
		return v.CredentialOverride
	}
	return v.Name
}

// PaperConfig seeds a paper venue.
type PaperConfig struct {
	Cash        float64            `toml:"cash"`
	Marks       map[string]float64 `toml:"marks"`
	Holdings    map[string]float64 `toml:"holdings"`
	SlippageBps float64            `toml:"slippage_bps"`
}

// ScopeConfig is one isolated ledger traded through one venue.
type ScopeConfig struct {
	ID                string   `toml:"id"`
	Venue             string   `toml:"venue"`
	TickInterval      duration `toml:"tick_interval"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	EntryNotional     float64  `toml:"entry_notional"`
	MinStrength       float64  `toml:"min_strength"`
	// Zero values fall back to the [risk] section.
	MaxPositions    int      `toml:"max_positions"`
	ReentryCooldown duration `toml:"reentry_cooldown"`
}

// ExitsConfig holds the exit rule thresholds. Percentages are of entry.
type ExitsConfig struct {
	CatastrophicStopPct float64   `toml:"catastrophic_stop_pct"`
	ProfitTiersPct      []float64 `toml:"profit_tiers_pct"`
	PrimaryStopPct      float64   `toml:"primary_stop_pct"`
	LossGrace           duration  `toml:"loss_grace"`
	LossMaxHold         duration  `toml:"loss_max_hold"`
	MaxHold             duration  `toml:"max_hold"`
}

// ReconcileConfig tunes the ledger/venue reconciliation loop.
type ReconcileConfig struct {
	Interval      duration `toml:"interval"`
	DustNotional  float64  `toml:"dust_notional"`
	IgnoreSymbols []string `toml:"ignore_symbols"`
}

// BalanceConfig tunes the balance monitor.
type BalanceConfig struct {
	Interval   duration `toml:"interval"`
	StaleAfter duration `toml:"stale_after"`
}

// RiskConfig holds default entry gate limits.
type RiskConfig struct {
	MaxPositions    int      `toml:"max_positions"`
	ReentryCooldown duration `toml:"reentry_cooldown"`
}

// NonceConfig tunes the idempotency token generator.
type NonceConfig struct {
	SafetyMargin duration `toml:"safety_margin"`
	StaleJump    duration `toml:"stale_jump"`
	LockTTL      duration `toml:"lock_ttl"`
}

// RetryConfig is the shared retry policy.
type RetryConfig struct {
	Attempts  int      `toml:"attempts"`
	BaseDelay duration `toml:"base_delay"`
	MaxDelay  duration `toml:"max_delay"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIToken     string   `toml:"api_token"` // required for POST routes when set
	RateLimitRPS int      `toml:"rate_limit_rps"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// ArchiveConfig controls S3 archival of execution records.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

// Duration builds a config duration.
func Duration(d time.Duration) duration { return duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Backend: "file", Dir: "data"},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "posengine",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{10 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "posengine:",
			MarkTTL:    duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "posengine-archive",
			ForcePathStyle: true,
		},
		Exits: ExitsConfig{
			CatastrophicStopPct: -5,
			ProfitTiersPct:      []float64{3, 2, 1, 0.5},
			PrimaryStopPct:      -1,
			LossGrace:           duration{5 * time.Minute},
			LossMaxHold:         duration{30 * time.Minute},
			MaxHold:             duration{10 * time.Hour},
		},
		Reconcile: ReconcileConfig{
			Interval:     duration{5 * time.Minute},
			DustNotional: 1.0,
		},
		Balance: BalanceConfig{
			Interval:   duration{30 * time.Second},
			StaleAfter: duration{2 * time.Minute},
		},
		Risk: RiskConfig{
			MaxPositions:    5,
			ReentryCooldown: duration{15 * time.Minute},
		},
		Nonce: NonceConfig{
			SafetyMargin: duration{time.Second},
			StaleJump:    duration{60 * time.Second},
			LockTTL:      duration{5 * time.Second},
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: duration{500 * time.Millisecond},
			MaxDelay:  duration{5 * time.Second},
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimitRPS: 20,
		},
		Notify: NotifyConfig{
			Events:   []string{"order_ambiguous", "exit_only", "catastrophic_stop", "liquidation", "reconcile_drift"},
			Cooldown: duration{5 * time.Minute},
		},
		Archive:  ArchiveConfig{Interval: duration{time.Hour}},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true, // supervise, reconcile and serve
	"monitor": true, // read-only: balances, reconciliation report, server
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Venue returns the venue named name.
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// Validate checks every section and returns one error listing all problems.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			add("storage: dir must not be empty for the file backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		add("storage: unknown backend %q (valid: file, postgres)", c.Storage.Backend)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty when archive is enabled")
	}

	venues := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if v.Name == "" {
			add("venues[%d]: name must not be empty", i)
			continue
		}
		if venues[v.Name] {
			add("venues: duplicate name %q", v.Name)
		}
		venues[v.Name] = true
		switch v.Kind {
		case "paper":
		case "rest":
			if v.BaseURL == "" {
				add("venues.%s: base_url must not be empty", v.Name)
			}
			if v.APIKey == "" {
				add("venues.%s: api_key must not be empty", v.Name)
			}
			if v.APISecret == "" && v.SecretPath == "" {
				add("venues.%s: api_secret or secret_path must be set", v.Name)
			}
			if v.SecretPath != "" && v.SecretPassword == "" {
				add("venues.%s: secret_password is required with secret_path", v.Name)
			}
		default:
			add("venues.%s: unknown kind %q (valid: paper, rest)", v.Name, v.Kind)
		}
		if v.MaxOrdersPerSec < 0 {
			add("venues.%s: max_orders_per_sec must be >= 0", v.Name)
		}
	}

	if len(c.Scopes) == 0 {
		add("scopes: at least one scope is required")
	}
	scopes := make(map[string]bool, len(c.Scopes))
	for i, s := range c.Scopes {
		if s.ID == "" {
			add("scopes[%d]: id must not be empty", i)
			continue
		}
		if scopes[s.ID] {
			add("scopes: duplicate id %q", s.ID)
		}
		scopes[s.ID] = true
		if !venues[s.Venue] {
			add("scopes.%s: unknown venue %q", s.ID, s.Venue)
		}
		if s.EntryNotional < 0 {
			add("scopes.%s: entry_notional must be >= 0", s.ID)
		}
		if s.MinStrength < 0 || s.MinStrength > 1 {
			add("scopes.%s: min_strength must be within [0, 1]", s.ID)
		}
		if s.MaxPositions < 0 {
			add("scopes.%s: max_positions must be >= 0", s.ID)
		}
	}

	if c.Exits.CatastrophicStopPct >= 0 {
		add("exits: catastrophic_stop_pct must be negative")
	}
	if c.Exits.PrimaryStopPct < c.Exits.CatastrophicStopPct {
		add("exits: primary_stop_pct must not be below catastrophic_stop_pct")
	}
	if c.Reconcile.DustNotional < 0 {
		add("reconcile: dust_notional must be >= 0")
	}
	if c.Balance.StaleAfter.Duration <= 0 {
		add("balance: stale_after must be > 0")
	}
	if c.Retry.Attempts < 1 {
		add("retry: attempts must be >= 1")
	}
	if c.Nonce.StaleJump.Duration <= 0 {
		add("nonce: stale_jump must be > 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
