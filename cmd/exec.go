package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"concert-tickets/config"
	"concert-tickets/internal/handlers"
	"concert-tickets/internal/services"
	"concert-tickets/internal/store"
	"concert-tickets/internal/store/memory"
	"concert-tickets/internal/store/pbstore"
	"concert-tickets/internal/store/postgres"
	"concert-tickets/internal/store/redisstore"
	"concert-tickets/internal/telemetry"
	_ "concert-tickets/migrations"
	"concert-tickets/monitoring"
	"concert-tickets/security"
	"concert-tickets/utils"
)

const version = "1.0.0"

func Start() error {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	app := pocketbase.New()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: !cfg.IsProduction(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "concert-tickets",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		CollectorAddr:  cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	// Redis backs the inventory counter and the scan throttle. Without it the
	// throttle fails open and inventory stays in the primary store.
	var redisClient *redis.Client
	if cfg.InventoryBackend == "redis" || cfg.ScanRateLimit > 0 {
		redisClient, err = utils.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			if cfg.InventoryBackend == "redis" {
				return err
			}
			logger.Warn("redis unavailable, scan throttle disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
		}
	}

	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pn := pubnub.NewPubNub(pnConfig)

	go handleShutdown(cancel, logger)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		st, closeStore, err := openStore(ctx, app, cfg, redisClient)
		if err != nil {
			return err
		}
		app.OnTerminate().BindFunc(func(te *core.TerminateEvent) error {
			cancel()
			closeStore()
			return te.Next()
		})

		signer, err := services.NewSigner([]byte(cfg.TicketSigningSecret), cfg.TicketValidity)
		if err != nil {
			return err
		}
		encoder := services.NewCodeEncoder(cfg.QRSize)
		monitor := monitoring.NewMonitor(st, cfg.DeliveryMaxAttempts, logger)
		ledger := services.NewInventoryLedger(st, monitor, logger)

		breaker := utils.NewCircuitBreaker("ticket-delivery", utils.BreakerSettings{
			OnStateChange: func(name string, from, to utils.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})

		coordinator := services.NewIssuanceCoordinator(services.IssuanceDeps{
			Store:   st,
			Ledger:  ledger,
			Signer:  signer,
			Encoder: encoder,
			Sender:  services.NewPubNubNotifier(services.NewPubNubPublisher(pn)),
			Breaker: breaker,
			Monitor: monitor,
			Logger:  logger,
		}, services.IssuanceConfig{
			ClaimLease:        cfg.ClaimLease,
			PollInterval:      cfg.ClaimPollInterval,
			MaxTicketsPerLine: cfg.MaxTicketsPerLine,
			DeliveryTimeout:   cfg.RequestTimeout,
		})
		verifier := services.NewVerificationService(st, signer, encoder, monitor, logger)

		routes := &handlers.Routes{
			Payments:       handlers.NewPaymentHandler(coordinator, cfg.WebhookSecret, logger),
			Orders:         handlers.NewOrderHandler(coordinator, logger),
			Tickets:        handlers.NewTicketHandler(verifier, ledger),
			GateKeys:       security.ParseGateKeys(cfg.GateAPIKeys),
			Store:          st,
			EnableMetrics:  cfg.EnableMetrics,
			RequestTimeout: cfg.RequestTimeout,
		}
		if redisClient != nil {
			routes.Redis = redisClient
			routes.Limiter = security.NewRateLimiter(redisClient, cfg.ScanRateLimit, logger)
		}
		routes.Register(se.Router)

		go services.NewDeliveryRetrier(coordinator, cfg.DeliveryRetryInterval, cfg.DeliveryMaxAttempts, logger).Run(ctx)
		go monitor.Run(ctx, 15*time.Second)

		if cfg.PubNubSubscribeKey != "" {
			listener := services.NewPaymentListener(pn, cfg.PaymentChannel, []byte(cfg.WebhookSecret), coordinator, logger)
			go listener.Run(ctx)
		}

		if len(cfg.KafkaBrokers) > 0 {
			consumer, err := services.NewPaymentConsumer(ctx, cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic, coordinator, logger)
			if err != nil {
				return err
			}
			go func() {
				defer consumer.Close()
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("payment consumer stopped", zap.Error(err))
				}
			}()
		}

		logger.Info("server routes registered",
			zap.String("store", cfg.StoreBackend),
			zap.String("inventory", cfg.InventoryBackend),
			zap.Bool("pubnub_ingest", cfg.PubNubSubscribeKey != ""),
			zap.Int("kafka_brokers", len(cfg.KafkaBrokers)))

		return se.Next()
	})

	return app.Start()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// openStore builds the configured backend. The returned func releases its
// connections.
func openStore(ctx context.Context, app core.App, cfg *config.Config, redisClient *redis.Client) (store.Store, func(), error) {
	var (
		st        store.Store
		closeFunc = func() {}
	)

	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pg := postgres.NewStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st, closeFunc = pg, pool.Close
	case "memory":
		st = memory.New()
	default:
		st = pbstore.New(app)
	}

	if cfg.InventoryBackend == "redis" {
		st = store.WithInventory(st, redisstore.New(redisClient, st))
	}
	return st, closeFunc, nil
}

// handleShutdown cancels background work on SIGINT or SIGTERM.
func handleShutdown(cancel context.CancelFunc, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutdown signal received, cleaning up")
	cancel()
}
