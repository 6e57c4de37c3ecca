package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polywallet/internal/blob/s3"
	"github.com/alanyoungcy/polywallet/internal/cache/redis"
	"github.com/alanyoungcy/polywallet/internal/config"
	"github.com/alanyoungcy/polywallet/internal/domain"
	"github.com/alanyoungcy/polywallet/internal/notify"
	"github.com/alanyoungcy/polywallet/internal/store/postgres"
)

// Dependencies bundles the infrastructure the application modes build on. It
// is constructed by Wire and torn down by the returned cleanup function.
// Optional backends are left nil when not configured.
type Dependencies struct {
	// Stores
	WalletStore domain.WalletStore
	TradeStore  domain.TradeStore
	AuditStore  domain.AuditStore

	// Caches (Redis, optional)
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage (S3, optional)
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.LedgerArchiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	trades := postgres.NewTradeStore(pool)
	audit := postgres.NewAuditStore(pool)
	deps.WalletStore = postgres.NewWalletStore(pool)
	deps.TradeStore = trades
	deps.AuditStore = audit

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
	} else {
		logger.Info("redis disabled; locks, rate limits and events stay in-process")
	}

	// --- S3 blob storage ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:             cfg.S3.Endpoint,
			Region:               cfg.S3.Region,
			Bucket:               cfg.S3.Bucket,
			AccessKey:            cfg.S3.AccessKey,
			SecretKey:            cfg.S3.SecretKey,
			UseSSL:               cfg.S3.UseSSL,
			ForcePathStyle:       cfg.S3.ForcePathStyle,
			Prefix:               cfg.S3.Prefix,
			ServerSideEncryption: cfg.S3.SSE,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		if err := s3Client.Health(ctx); err != nil {
			logger.Warn("s3 health check failed",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.Archiver = s3blob.NewLedgerArchiver(writer, trades, audit)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
