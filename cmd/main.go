/**
 * @description
 * This is the main entry point for the rewards service. It loads configuration,
 * connects the ledger database, the optional Redis and MongoDB backends and the
 * RabbitMQ broker, wires the application services and the cron scheduler, and
 * serves the HTTP API until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading for local development.
 * - github.com/jackc/pgx/v5: PostgreSQL ledger store.
 * - github.com/redis/go-redis/v9: risk signal counters and the wallet read cache.
 * - internal/api, internal/app, internal/catalog, internal/config, internal/store.
 * - pkg/payoutclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/api"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/app"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/config"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/bossboothsa-ai/trendle-app-sub001/pkg/payoutclient"
	rmrabbit "github.com/bossboothsa-ai/trendle-app-sub001/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting rewards-service\" port=%s", cfg.ServerPort)

	defaultLocation, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		defaultLocation = time.UTC
	}

	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"catalog load failed\" path=%s err=%v", cfg.CatalogPath, err)
	}

	// Ledger store. Without DATABASE_URL the service runs on the in-memory
	// repository, which is only suitable for local development.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory ledger\" env=DATABASE_URL")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgRepo.EnsureSchema(schemaCtx); err != nil {
			cancelSchema()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		cancelSchema()
		repository = pgRepo
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	}

	// Redis backs the risk counters and the wallet cache. Counters fall back to
	// process memory, the cache is disabled.
	var counter app.SignalCounter = app.NewMemorySignalCounter()
	var walletCache app.WalletCache = app.NoopWalletCache{}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; risk counters are per-process and wallet cache is disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory counters\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory counters\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				counter = app.NewRedisSignalCounter(redisClient, cfg.RedisKeyPrefix)
				if cfg.WalletCacheTTL() > 0 {
					walletCache = app.NewRedisWalletCache(redisClient, cfg.RedisKeyPrefix, cfg.WalletCacheTTL())
				}
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// MongoDB keeps the verification attempt log and the risk flag queue.
	var riskStore store.RiskStore = store.NewMemoryRiskStore()
	if cfg.MongoURI == "" {
		log.Println("level=warn component=bootstrap msg=\"mongo uri missing; risk store is in-memory\" env=MONGO_URI")
	} else {
		mongoCtx, cancelMongo := context.WithTimeout(context.Background(), 15*time.Second)
		mongoStore, mongoErr := store.NewMongoRiskStore(mongoCtx, cfg.MongoURI, cfg.MongoDatabase)
		cancelMongo()
		if mongoErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"mongo connection failed; risk store is in-memory\" err=%v", mongoErr)
		} else {
			defer func() {
				closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelClose()
				if err := mongoStore.Close(closeCtx); err != nil {
					log.Printf("level=warn component=bootstrap msg=\"mongo disconnect failed\" err=%v", err)
				}
			}()
			riskStore = mongoStore
			log.Println("level=info component=bootstrap msg=\"mongo connected\"")
		}
	}

	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	events := app.NewEventBus(publisher, cfg.EventsExchange)

	var payouts app.PayoutInitiator
	if strings.TrimSpace(cfg.PayoutAPIBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"payout rail not configured; approved cashouts wait for reconciliation\" env=PAYOUT_API_BASE_URL")
	} else {
		payouts = payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey)
	}

	riskPolicy := app.DefaultRiskPolicy()
	riskPolicy.EarnVelocityMax = cfg.EarnVelocityMax
	riskPolicy.EarnVelocityWindow = time.Duration(cfg.EarnVelocityWindowSeconds) * time.Second
	riskPolicy.RedeemVelocityMax = cfg.RedeemVelocityMax
	riskPolicy.RedeemVelocityWindow = time.Duration(cfg.RedeemVelocityWindowSeconds) * time.Second
	riskPolicy.DuplicateDeviceThreshold = cfg.DuplicateDeviceThreshold
	riskPolicy.GeofenceMissThreshold = cfg.GeofenceMissThreshold

	ledger := app.NewLedger(repository, walletCache)
	risk := app.NewRiskEmitter(riskStore, counter, events, riskPolicy, 0)
	verifier := app.NewVerifier(cat, repository, repository, counter, risk, app.VerifierConfig{
		PinMaxAttempts:            cfg.PinMaxAttempts,
		PinLockout:                cfg.PinLockout(),
		DefaultPinLength:          cfg.PinLength,
		FallbackMaxAccuracyMeters: cfg.FallbackMaxAccuracyMeters,
	})
	recorder := app.NewActivityRecorder(repository, cat, verifier, ledger, risk, events, app.RecorderOptions{
		DefaultLocation:   defaultLocation,
		VelocityHardBlock: cfg.VelocityHardBlock,
	})
	cashouts := app.NewCashoutManager(repository, cat, payouts, ledger, events, cfg.MinCashoutPoints)
	redemptions := app.NewRedemptionManager(repository, cat, ledger, risk, events, cfg.VelocityHardBlock)

	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(cat, repository, cashouts, events, jobLogger, app.JobsConfig{
		DefaultPinLength:    cfg.PinLength,
		PayoutEscalateAfter: cfg.PayoutEscalateAfter(),
	})

	riskCtx, stopRisk := context.WithCancel(context.Background())
	riskDone := make(chan struct{})
	go func() {
		defer close(riskDone)
		risk.Run(riskCtx)
	}()

	scheduler := app.NewScheduler(jobs, jobLogger, app.ScheduleConfig{
		PinRotation:     cfg.PinRotationCron,
		PayoutReconcile: cfg.PayoutReconcileCron,
	})
	scheduler.Start()

	// Payout verdicts arrive on the rail's exchange. Without a broker the
	// internal callback route is the only way to settle a payout.
	var rabbitConsumer *rmrabbit.Consumer
	if rabbitProducer != nil {
		rabbitConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer init failed; payout events disabled\" err=%v", err)
			rabbitConsumer = nil
		} else {
			payoutConsumer := app.NewPayoutStatusConsumer(cashouts)
			if err := rabbitConsumer.ConsumeWithBindings(cfg.PayoutEventsExchange, cfg.PayoutEventQueue, payoutConsumer.Bindings()); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"payout consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"payout consumer started\" exchange=%s queue=%s", cfg.PayoutEventsExchange, cfg.PayoutEventQueue)
		}
	}

	handler := api.NewHandler(api.Services{
		Identity:    app.NewIdentity(repository),
		Recorder:    recorder,
		Ledger:      ledger,
		Cashouts:    cashouts,
		Redemptions: redemptions,
		Risk:        risk,
		Moderation:  app.NewModeration(repository),
		Jobs:        jobs,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: strings.TrimSpace(cfg.ClerkAudience),
			Issuer:   strings.TrimSpace(cfg.ClerkIssuer),
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"running jobs did not finish before shutdown deadline\"")
	}

	stopRisk()
	select {
	case <-riskDone:
	case <-ctx.Done():
		log.Println("level=warn component=risk msg=\"risk worker did not drain before shutdown deadline\"")
	}

	if rabbitConsumer != nil {
		rabbitConsumer.Close()
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
