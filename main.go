package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mailprobe/config"
	"mailprobe/controllers"
	"mailprobe/credits"
	"mailprobe/ratelimit"
	"mailprobe/routes"
	"mailprobe/throttle"
	"mailprobe/verifier"
	"mailprobe/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.LoadConfig()
	if cfg.Environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}

	redisClient, err := config.NewRedisClient(cfg)
	if err != nil {
		logger.WithError(err).Fatal("redis connection failed")
	}

	// With Redis the throttle, backoff, cache and limiter coordinate
	// across instances; without it everything degrades to in-process.
	var domainThrottle throttle.DomainThrottle
	var domainBackoff throttle.DomainBackoff
	var limiter ratelimit.Limiter
	if redisClient != nil {
		domainThrottle = throttle.NewRedisThrottle(redisClient, throttle.RedisThrottleConfig{
			MaxSlots: cfg.DomainConcurrency,
			SlotTTL:  cfg.SlotTTL,
			FailOpen: cfg.ThrottleFailOpen,
		}, logger)
		domainBackoff = throttle.NewRedisBackoff(redisClient, cfg.BaseBackoff, cfg.MaxBackoffWait, logger)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitFailOpen, logger)
	} else {
		logger.Warn("running without redis, using in-process throttle and limiter")
		domainThrottle = throttle.NewMemoryThrottle(cfg.DomainConcurrency)
		domainBackoff = throttle.NewMemoryBackoff(cfg.BaseBackoff, cfg.MaxBackoffWait)
		limiter = ratelimit.NewMemoryLimiter()
	}

	resolver := verifier.NewResolver(cfg.SMTPTimeout, cfg.MXCacheTTL)
	prober := verifier.NewProber(verifier.ProberConfig{
		HeloDomain:  cfg.HeloDomain,
		MailFrom:    cfg.MailFrom,
		Timeout:     cfg.SMTPTimeout,
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: cfg.BaseBackoff,
		Port:        cfg.SMTPPort,
	}, domainThrottle, logger)
	cache := verifier.NewResultCache(redisClient, cfg.ResultCacheTTL, logger)
	reputation := verifier.NewReputation(redisClient, logger)
	verifierService := verifier.NewService(db, resolver, prober, domainBackoff, cache, reputation,
		verifier.ServiceConfig{MaxBackoffWait: cfg.MaxBackoffWait}, logger)

	ledger := credits.NewLedger(db, cfg.ReservationTTL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bulkWorker := worker.NewBulkWorker(db, verifierService, ledger, nil, logger,
		cfg.WorkerPollInterval, cfg.WorkerConcurrency, cfg.VerifyCost)
	sweepWorker := worker.NewSweepWorker(ledger, cfg.SweepInterval, logger)
	go bulkWorker.Start(ctx)
	go sweepWorker.Start(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			logger.WithError(err).Warn("metrics listener stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "mailprobe",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(cors.New())

	vc := controllers.NewVerificationController(db, verifierService, ledger, cfg.VerifyCost, logger)
	routes.SetupRoutes(app, vc, limiter, routes.RateLimitConfig{
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow,
	}, logger)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
		app.ShutdownWithTimeout(10 * time.Second)
	}()

	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
