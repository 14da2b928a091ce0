package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/turetske/etpelican/internal/audit"
	"github.com/turetske/etpelican/internal/invalidation"
	jwttoken "github.com/turetske/etpelican/internal/jwt_token"
	"github.com/turetske/etpelican/internal/platform/config"
	"github.com/turetske/etpelican/internal/platform/httpserver"
	"github.com/turetske/etpelican/internal/platform/logger"
	platformmetrics "github.com/turetske/etpelican/internal/platform/metrics"
	platformredis "github.com/turetske/etpelican/internal/platform/redis"
	"github.com/turetske/etpelican/internal/registry/handler"
	regmetrics "github.com/turetske/etpelican/internal/registry/metrics"
	"github.com/turetske/etpelican/internal/registry/service"
	"github.com/turetske/etpelican/internal/registry/store"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence: postgres when configured, in-memory otherwise. The
	// in-memory store is for local development only.
	var registryStore service.Store
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("failed to ensure registry schema", "error", err)
			os.Exit(1)
		}
		registryStore = pg
		log.Info("using postgres registry store")
	} else {
		registryStore = store.NewInMemory()
		log.Warn("no database configured, using in-memory registry store")
	}

	// Cache invalidation: redis when configured, no-op otherwise.
	var invalidator invalidation.Invalidator = invalidation.Noop{}
	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		invalidator = invalidation.NewRedis(redisClient.Client)
		log.Info("using redis cache invalidation")
	}

	// Audit: events are buffered through a channel publisher so a slow sink
	// never blocks a moderation request. Kafka when configured, structured
	// logs otherwise.
	var auditSink audit.Publisher = audit.NewLogPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := audit.NewKafka(ctx, cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			log.Error("failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		auditSink = kafka
		log.Info("publishing audit events to kafka", "topic", cfg.AuditTopic)
	}
	auditPublisher := audit.NewChannelPublisher(256, log)

	registryService := service.New(registryStore,
		service.WithLogger(log),
		service.WithMetrics(regmetrics.New()),
		service.WithInvalidator(invalidator),
		service.WithAuditPublisher(auditPublisher),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer)

	router := chi.NewRouter()
	registryHandler := handler.New(registryService, log, platformmetrics.New(), jwttoken.NewJWTServiceAdapter(jwtService))
	registryHandler.Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting registry server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := auditPublisher.Run(gCtx, auditSink); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("registry exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("registry stopped")
}
