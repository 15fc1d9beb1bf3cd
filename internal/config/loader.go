package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, loads .env when present,
// and applies POSENGINE_* overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and deployment settings
// without editing the TOML file. Venue credentials are keyed by venue name:
// POSENGINE_VENUE_<NAME>_API_KEY, _API_SECRET, _SECRET_PASSWORD.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Backend, "POSENGINE_STORAGE_BACKEND")
	setStr(&cfg.Storage.Dir, "POSENGINE_STORAGE_DIR")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSENGINE_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POSENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POSENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSENGINE_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POSENGINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POSENGINE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POSENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POSENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "POSENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POSENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POSENGINE_S3_SECRET_KEY")

	// ── Venues ──
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		prefix := "POSENGINE_VENUE_" + envName(v.Name) + "_"
		setStr(&v.BaseURL, prefix+"BASE_URL")
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.APISecret, prefix+"API_SECRET")
		setStr(&v.SecretPath, prefix+"SECRET_PATH")
		setStr(&v.SecretPassword, prefix+"SECRET_PASSWORD")
	}

	// ── Engine ──
	setFloat64(&cfg.Reconcile.DustNotional, "POSENGINE_RECONCILE_DUST_NOTIONAL")
	setDuration(&cfg.Reconcile.Interval, "POSENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Balance.StaleAfter, "POSENGINE_BALANCE_STALE_AFTER")
	setInt(&cfg.Retry.Attempts, "POSENGINE_RETRY_ATTEMPTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POSENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POSENGINE_SERVER_PORT")
	setStr(&cfg.Server.APIToken, "POSENGINE_SERVER_API_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "POSENGINE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POSENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POSENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POSENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POSENGINE_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POSENGINE_ARCHIVE_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "POSENGINE_MODE")
	setStr(&cfg.LogLevel, "POSENGINE_LOG_LEVEL")
}

// envName upper-cases a venue name and maps non-alphanumerics to '_'.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
