package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/predictlens/predictlens/internal/blob/s3"
	"github.com/predictlens/predictlens/internal/cache/redis"
	"github.com/predictlens/predictlens/internal/config"
	"github.com/predictlens/predictlens/internal/crypto"
	"github.com/predictlens/predictlens/internal/custody"
	"github.com/predictlens/predictlens/internal/domain"
	"github.com/predictlens/predictlens/internal/engine"
	"github.com/predictlens/predictlens/internal/notify"
	"github.com/predictlens/predictlens/internal/server/handler"
	"github.com/predictlens/predictlens/internal/service"
	"github.com/predictlens/predictlens/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore *postgres.MarketStore
	IntentStore domain.IntentStore
	AuditStore  domain.AuditStore

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus
	ReplayStore *redis.ReplayStore

	// Archive; nil when no bucket is configured.
	Archiver domain.Archiver

	Markets  *service.MarketService
	Notifier *notify.Notifier

	// Health checks keyed by dependency name.
	Checks map[string]handler.Check
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
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.IntentStore = postgres.NewIntentStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.ReadLimit, limitWindow)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.ReplayStore = redis.NewReplayStore(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 archive (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.MarketStore,
			deps.AuditStore,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Market service ---
	markets, err := service.NewMarketService(
		engine.Config{
			FeeBps:            cfg.Engine.ProtocolFeeBps,
			VoiceCreditBudget: cfg.Engine.VoiceCreditBudget,
			MinimumStake:      cfg.Engine.MinimumStake,
			Treasury:          cfg.Engine.TreasuryAccount,
		},
		deps.MarketStore,
		deps.MarketCache,
		deps.LockManager,
		deps.SignalBus,
		logger,
		service.WithLockTTL(cfg.Redis.LockTTL.Duration),
	)
	if err != nil {
		return fail("market service", err)
	}
	deps.Markets = markets

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, ""))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// newDispatcher builds the custody outbox dispatcher for the configured
// transport. The returned close function releases the publisher.
func newDispatcher(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*custody.Dispatcher, func(), error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Custody.PrivateKey,
		EncryptedKeyPath: cfg.Custody.EncryptedKeyPath,
		KeyPassword:      cfg.Custody.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("custody key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Custody.ChainID, cfg.Custody.ContractAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("custody signer: %w", err)
	}

	var publisher custody.Publisher
	switch strings.ToLower(cfg.Custody.Transport) {
	case "kafka":
		kp, err := custody.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		if err != nil {
			return nil, nil, err
		}
		publisher = kp
	case "redis":
		publisher = custody.NewStreamPublisher(deps.SignalBus)
	case "log":
		publisher = custody.NewLoggingPublisher(logger)
	default:
		return nil, nil, fmt.Errorf("custody: unsupported transport %q", cfg.Custody.Transport)
	}

	logger.Info("custody dispatcher configured",
		slog.String("transport", cfg.Custody.Transport),
		slog.String("signer", signer.Address().Hex()),
	)

	d := custody.NewDispatcher(
		deps.IntentStore,
		publisher,
		signer,
		signer.Address().Hex(),
		custody.DispatcherConfig{
			BatchSize: cfg.Custody.BatchSize,
			PerSecond: float64(cfg.Custody.PerSecond),
			Burst:     cfg.Custody.PerSecond,
		},
		logger,
	)
	return d, func() { _ = publisher.Close() }, nil
}
