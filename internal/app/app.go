// Package app wires the pipeline components from configuration. The server
// and the worker binaries share it so both see the same graph.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"partnerlink/internal/config"
	"partnerlink/internal/handlers"
	"partnerlink/internal/metrics"
	"partnerlink/internal/models"
	"partnerlink/internal/queue"
	"partnerlink/internal/repository"
	"partnerlink/internal/services"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	DB       *gorm.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Broker is set when no Kafka brokers are configured.
	Broker    *queue.Broker
	Publisher queue.Publisher

	Audit       *services.AuditService
	GeoIP       *services.GeoIPService
	Attention   *services.AttentionService
	Store       *repository.LinkStore
	Cache       *repository.LinkCache
	Clicks      *services.ClickRecorder
	Links       *services.LinkService
	Resolver    *services.Resolver
	Ingestor    *services.Ingestor
	Commissions *services.CommissionEngine
	Emitter     *services.WebhookEmitter
	Payouts     *services.PayoutAggregator
	Commerce    *services.CommerceBridge
	Worker      *services.CommissionWorker
	Scheduler   *services.Scheduler

	sentry bool
}

// NewLogger returns JSON logs in production and debug-level text otherwise,
// and installs the logger as the slog default.
func NewLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.AppEnv == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// New connects the stores, migrates the schema and builds every service.
// Redis being down is tolerated; the database is not.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.AppEnv,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("Failed to initialize Sentry", "error", err)
		} else {
			a.sentry = true
		}
	}

	db, err := repository.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	if err := repository.Migrate(cfg, db); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	rdb, err := repository.InitRedis(cfg.RedisURL, cfg.RedisPassword, 0)
	if err != nil {
		logger.Warn("Failed to connect to Redis, running without edge cache", "error", err)
		rdb = nil
	}
	a.Redis = rdb

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		pub, err := queue.NewKafkaPublisher(brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.Publisher = pub
	} else {
		a.Broker = queue.NewBroker()
		a.Publisher = a.Broker
	}

	a.build()
	return a, nil
}

func (a *App) build() {
	cfg, logger, db, m := a.Config, a.Logger, a.DB, a.Metrics

	a.Audit = services.NewAuditService(db, logger)
	a.GeoIP = services.NewGeoIPService(cfg, logger)
	a.Attention = services.NewAttentionService(db, logger, m)
	a.Store = repository.NewLinkStore(db)
	a.Cache = repository.NewLinkCache(a.Redis, cfg.CacheTTL)

	a.Clicks = services.NewClickRecorder(db, a.Redis, a.GeoIP, a.Attention, services.ClickRecorderOptions{
		QueueSize:    cfg.ClickQueueSize,
		Workers:      cfg.ClickWorkers,
		MaxAttempts:  cfg.ClickMaxAttempts,
		RetryBase:    cfg.ClickRetryBase,
		DedupeWindow: cfg.ClickDedupeWindow,
		IdentitySalt: cfg.IdentitySalt,
	}, logger, m)
	a.Clicks.PublishPartnerClicks(a.Publisher, cfg.ConversionTopic)

	a.Links = services.NewLinkService(db, a.Store, a.Cache, a.Audit, cfg.DefaultDomain, logger)
	a.Resolver = services.NewResolver(a.Store, a.Cache, a.GeoIP, a.Clicks, services.ResolverOptions{
		StoreTimeout:       cfg.StoreTimeout,
		ExpiredRedirectURL: cfg.ExpiredRedirectURL,
	}, logger, m)
	a.Ingestor = services.NewIngestor(db, a.Store, a.Clicks, a.Publisher, cfg.ConversionTopic, cfg.IdentitySalt, logger, m)
	a.Commerce = services.NewCommerceBridge(db, a.Ingestor, logger)

	a.Commissions = services.NewCommissionEngine(db, a.Audit, logger, m)
	a.Emitter = services.NewWebhookEmitter(db, a.Publisher, cfg.WebhookTopic, logger)
	a.Worker = services.NewCommissionWorker(a.Commissions, a.Emitter, a.Attention, logger)

	a.Payouts = services.NewPayoutAggregator(db, Rails(cfg), a.Attention, a.Audit, a.Emitter, services.PayoutOptions{
		MaxAttempts: cfg.PayoutMaxAttempts,
		RetryBase:   cfg.PayoutRetryBase,
	}, logger, m)
	a.Scheduler = services.NewScheduler(a.Payouts, a.Links, services.SchedulerOptions{
		PayoutSchedule:   cfg.PayoutSchedule,
		DispatchSchedule: cfg.PayoutDispatchSchedule,
		UsageSchedule:    cfg.UsageSyncSchedule,
	}, logger)
}

// HandlerServices exposes the components the HTTP surface drives.
func (a *App) HandlerServices() handlers.Services {
	return handlers.Services{
		Store:       a.Store,
		Resolver:    a.Resolver,
		Links:       a.Links,
		Clicks:      a.Clicks,
		Ingestor:    a.Ingestor,
		Commissions: a.Commissions,
		Payouts:     a.Payouts,
		Attention:   a.Attention,
		Commerce:    a.Commerce,
		Audit:       a.Audit,
	}
}

// Rails returns the payout rails that have credentials configured.
func Rails(cfg config.Config) map[models.PayoutMethod]services.Rail {
	rails := make(map[models.PayoutMethod]services.Rail)
	if cfg.StripeSecretKey != "" {
		rails[models.PayoutMethodBank] = services.NewStripeRail(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}
	if cfg.WalletRailURL != "" {
		rails[models.PayoutMethodWallet] = services.NewHTTPRail("wallet", cfg.WalletRailURL, cfg.WalletRailSecret)
	}
	if cfg.StablecoinRailURL != "" {
		rails[models.PayoutMethodStablecoin] = services.NewHTTPRail("stablecoin", cfg.StablecoinRailURL, cfg.StablecoinRailSecret)
	}
	return rails
}

// ConversionConsumer reads attributed events from Kafka, or from the
// in-process broker when Kafka is not configured.
func (a *App) ConversionConsumer() (queue.Consumer, error) {
	if a.Broker != nil {
		return a.Broker.Consumer(a.Config.ConversionTopic), nil
	}
	return queue.NewKafkaConsumer(a.Config.Brokers(), a.Config.KafkaGroupID, a.Config.ConversionTopic)
}

// RunCommissionWorker consumes attributed events until ctx is canceled.
func (a *App) RunCommissionWorker(ctx context.Context) error {
	consumer, err := a.ConversionConsumer()
	if err != nil {
		return fmt.Errorf("failed to create conversion consumer: %w", err)
	}
	defer consumer.Close()

	w := queue.NewWorker(consumer, a.Worker.Handle, queue.WorkerOptions{
		MaxAttempts: a.Config.QueueMaxAttempts,
		RetryBase:   a.Config.QueueRetryBase,
		DeadLetter:  a.Worker.DeadLetter,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
	})
	a.Logger.Info("Commission worker starting", "topic", a.Config.ConversionTopic, "kafka", a.Broker == nil)
	return w.Run(ctx)
}

// RunWebhookRelay drains the in-process webhook topic until ctx is canceled.
// Envelopes are logged and dropped; the outbound_events rows stay the durable
// record for a delivery service. With Kafka the topic belongs to that service.
func (a *App) RunWebhookRelay(ctx context.Context) error {
	if a.Broker == nil {
		return nil
	}
	w := queue.NewWorker(a.Broker.Consumer(a.Config.WebhookTopic), a.relayWebhook, queue.WorkerOptions{
		MaxAttempts: 1,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
	})
	return w.Run(ctx)
}

func (a *App) relayWebhook(_ context.Context, msg queue.Message) error {
	var env services.WebhookEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		a.Logger.Warn("Dropping malformed webhook envelope", "key", msg.Key, "error", err)
		return nil
	}
	a.Logger.Info("Outbound webhook", "id", env.ID, "event", env.Kind, "key", msg.Key)
	return nil
}

// Close releases connections. Call after every goroutine using them has stopped.
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Error("Failed to close publisher", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
}
