package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/posengine/internal/blob/s3"
	"github.com/alanyoungcy/posengine/internal/cache/redis"
	"github.com/alanyoungcy/posengine/internal/config"
	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/metrics"
	"github.com/alanyoungcy/posengine/internal/nonce"
	"github.com/alanyoungcy/posengine/internal/notify"
	"github.com/alanyoungcy/posengine/internal/retry"
	"github.com/alanyoungcy/posengine/internal/server/handler"
	"github.com/alanyoungcy/posengine/internal/service"
	filestore "github.com/alanyoungcy/posengine/internal/store/file"
	"github.com/alanyoungcy/posengine/internal/store/postgres"
)

// Dependencies bundles the process-wide dependencies shared by every scope.
// Optional infrastructure (redis, s3, notifications) is left nil when it is
// not configured.
type Dependencies struct {
	// Stores
	Ledgers    domain.LedgerStore
	Tokens     domain.TokenStore
	Executions domain.ExecutionStore
	Audit      domain.AuditStore

	// Redis
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver *s3blob.Archiver

	Alerter service.Alerter
	Metrics *metrics.Metrics
	Nonces  *nonce.Registry
	Retry   retry.Policy

	// Checks back the readiness endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Retry: retry.Policy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay.Duration,
			MaxDelay:  cfg.Retry.MaxDelay.Duration,
		},
		Checks: make(map[string]handler.Check),
	}

	// --- Durable stores ---
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			ApplicationName:  "posengine",
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pg.Pool()
		deps.Ledgers = postgres.NewLedgerStore(pool)
		deps.Tokens = postgres.NewTokenStore(pool)
		deps.Executions = postgres.NewExecutionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pg.Ping

	default:
		fc, err := filestore.New(cfg.Storage.Dir)
		if err != nil {
			return fail(fmt.Errorf("wire: file store: %w", err))
		}
		closers = append(closers, fc.Close)

		deps.Ledgers = filestore.NewLedgerStore(fc)
		deps.Tokens = filestore.NewTokenStore(fc)
		deps.Executions = filestore.NewExecutionStore(fc)
		deps.Audit = filestore.NewAuditStore(fc)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.MarkTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc.Ping
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(sc),
			s3blob.NewReader(sc),
			deps.Executions,
			deps.Audit,
			logger,
		)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Alerter = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)
	}

	// --- Idempotency tokens, one generator per credential ---
	opts := []nonce.Option{nonce.WithObserver(deps.Metrics)}
	if deps.LockManager != nil {
		opts = append(opts, nonce.WithLock(deps.LockManager))
	}
	deps.Nonces = nonce.NewRegistry(deps.Tokens, nonce.Config{
		SafetyMargin: cfg.Nonce.SafetyMargin.Duration,
		StaleJump:    cfg.Nonce.StaleJump.Duration,
		LockTTL:      cfg.Nonce.LockTTL.Duration,
		Retry:        deps.Retry,
	}, logger, opts...)

	return deps, cleanup, nil
}
