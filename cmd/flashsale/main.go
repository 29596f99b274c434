package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/broker"
	"github.com/flashsale/reservation/internal/cache"
	"github.com/flashsale/reservation/internal/config"
	"github.com/flashsale/reservation/internal/discovery"
	"github.com/flashsale/reservation/internal/discovery/consul"
	"github.com/flashsale/reservation/internal/httpapi"
	"github.com/flashsale/reservation/internal/logger"
	"github.com/flashsale/reservation/internal/metrics"
	"github.com/flashsale/reservation/internal/notify"
	"github.com/flashsale/reservation/internal/ratelimit"
	"github.com/flashsale/reservation/internal/reservation"
	"github.com/flashsale/reservation/internal/storage/postgres"
	"github.com/flashsale/reservation/internal/stock"
	"github.com/flashsale/reservation/internal/supervisor"
	"github.com/flashsale/reservation/internal/sweeper"
	"github.com/flashsale/reservation/internal/tracing"
)

const serviceName = "flashsale"

var (
	httpAddr   = config.GetEnv("HTTP_ADDR", "localhost:8080")
	grpcAddr   = config.GetEnv("GRPC_ADDR", "localhost:8081")
	consulAddr = config.GetEnv("CONSUL_ADDR", "")

	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "flashsale")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "flashsale123")
	postgresDB   = config.GetEnv("POSTGRES_DB", "flashsale")

	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")

	amqpUser = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort = config.GetEnv("RABBITMQ_PORT", "5672")

	smtpHost = config.GetEnv("SMTP_HOST", "localhost")
	smtpPort = config.GetEnv("SMTP_PORT", "1025")
	smtpUser = config.GetEnv("SMTP_USER", "")
	smtpPass = config.GetEnv("SMTP_PASSWORD", "")
	smtpFrom = config.GetEnv("SMTP_FROM", "noreply@flashsale.local")

	reservationTTL  = config.GetEnvDuration("RESERVATION_TTL", reservation.DefaultTTL)
	sweeperInterval = config.GetEnvDuration("SWEEPER_INTERVAL", 60*time.Second)
	sweeperBatch    = config.GetEnvInt("SWEEPER_BATCH", 200)

	cacheTTL = config.GetEnvDuration("CACHE_TTL", 30*time.Minute)

	apiLimit     = config.GetEnvInt("RATE_LIMIT_API_MAX", 100)
	apiWindow    = config.GetEnvDuration("RATE_LIMIT_API_WINDOW", time.Minute)
	createLimit  = config.GetEnvInt("RATE_LIMIT_RESERVATION_MAX", 10)
	createWindow = config.GetEnvDuration("RATE_LIMIT_RESERVATION_WINDOW", time.Minute)
	drainTimeout = config.GetEnvDuration("DRAIN_TIMEOUT", 15*time.Second)
)

func main() {
	zlog, err := logger.NewZap(serviceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	olog := logger.NewSlog(serviceName)

	flush, err := tracing.Init(serviceName)
	if err != nil {
		// Tracing is non-critical; run without it rather than refuse to start.
		zlog.Warn("tracing init failed, continuing without traces", zap.Error(err))
	} else {
		defer flush()
	}

	registry := createRegistry(olog)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)
	store, err := postgres.Open(dsn)
	if err != nil {
		zlog.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("connected to postgres", zap.String("database", postgresDB))

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	dedupe, err := cache.New(redisAddr, cacheTTL)
	if err != nil {
		zlog.Warn("redis unavailable, consumers run without dedup", zap.Error(err))
		dedupe = nil
	} else {
		defer dedupe.Close()
	}

	limiter := ratelimit.New(redisClient, metrics.NewLimiter(serviceName),
		ratelimit.Policy{Name: httpapi.PolicyAPI, Limit: int64(apiLimit), Window: apiWindow, SkipAdmin: true},
		ratelimit.Policy{Name: httpapi.PolicyReservationCreate, Limit: int64(createLimit), Window: createWindow},
	)

	accountant := stock.New(zlog.Named("stock"))
	engineOpts := []reservation.Option{reservation.WithTTL(reservationTTL)}

	// The broker is non-critical: without it the engine still serves, it
	// just stops fanning out events and email.
	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	var consumers []supervisor.Runnable
	if err != nil {
		zlog.Warn("broker unavailable, running without event fan-out", zap.Error(err))
		closeBroker = nil
	} else {
		engineOpts = append(engineOpts, reservation.WithPublisher(broker.NewPublisher(ch)))

		mailer := notify.NewMailer(smtpHost, smtpPort, smtpUser, smtpPass, smtpFrom)
		worker := notify.NewWorker(mailer, olog.With("component", "notify"))
		for _, key := range []string{
			broker.EmailVerification,
			broker.EmailPasswordReset,
			broker.EmailPasswordChanged,
			broker.EmailAccountApproval,
		} {
			queue, err := broker.DeclareConsumerQueue(ch, key, key)
			if err != nil {
				zlog.Fatal("failed to declare consumer queue", zap.String("key", key), zap.Error(err))
			}
			var dedup broker.Deduper
			if dedupe != nil {
				dedup = dedupe
			}
			consumers = append(consumers, broker.NewConsumer(ch, queue, key, dedup, worker.Handle))
		}
	}

	engine := reservation.New(store, accountant, metrics.NewReservation(serviceName), zlog.Named("reservation"), engineOpts...)
	traced := reservation.NewTelemetryMiddleware(engine)

	sw := sweeper.New(store, engine, metrics.NewSweeper(serviceName), zlog.Named("sweeper"),
		sweeper.WithInterval(sweeperInterval), sweeper.WithBatchSize(sweeperBatch))

	api := httpapi.New(traced, sw, store, limiter, metrics.NewHTTP(serviceName), olog.With("component", "http"))

	sup := supervisor.New(supervisor.Config{
		ServiceName:  serviceName,
		InstanceID:   discovery.GenerateInstanceID(serviceName),
		HTTPAddr:     httpAddr,
		GRPCAddr:     grpcAddr,
		Registry:     registry,
		HTTPHandler:  api.Routes(),
		Sweeper:      sw,
		Consumers:    consumers,
		CloseBroker:  closeBroker,
		DrainTimeout: drainTimeout,
	}, olog)

	if err := sup.Run(context.Background()); err != nil {
		zlog.Fatal("supervisor exited", zap.Error(err))
	}
}

func createRegistry(log *slog.Logger) discovery.Registry {
	if consulAddr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil
	}
	registry, err := consul.NewRegistry(consulAddr)
	if err != nil {
		log.Warn("consul unavailable, service discovery disabled", "error", err)
		return nil
	}
	return registry
}
