package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"pagewise/api/internal/app"
	"pagewise/api/internal/cache"
	"pagewise/api/internal/config"
	"pagewise/api/internal/email"
	"pagewise/api/internal/logging"
	"pagewise/api/internal/metrics"
	"pagewise/api/internal/ratelimit"
	"pagewise/api/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAGEWISE_CONFIG"), "path to a YAML config file; environment variables override it")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpenConns: cfg.DBMaxConns})
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	if len(applied) > 0 {
		log.WithField("versions", applied).Info("applied migrations")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	opts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(m),
		app.WithMailer(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rollupCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.RollupCacheTTL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer rollupCache.Close()
		opts = append(opts, app.WithRollupCache(rollupCache))
		log.Info("rollup cache enabled")
	} else {
		log.Info("rollup cache disabled")
	}

	service, err := app.New(cfg, store.NewPostgresStore(db), opts...)
	if err != nil {
		log.WithError(err).Fatal("service setup failed")
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.InvitationPurgeSchedule, func() {
		purgeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := service.PurgeExpiredInvitations(purgeCtx); err != nil {
			log.WithError(err).Warn("invitation purge failed")
		}
	})
	if err != nil {
		log.WithError(err).WithField("schedule", cfg.InvitationPurgeSchedule).Fatal("failed to schedule invitation purge")
	}
	scheduler.Start()

	limiter := ratelimit.New(ratelimit.Config{
		Limit:      cfg.RateLimitPerMinute,
		Window:     time.Minute,
		MaxKeys:    cfg.RateLimitMaxKeys,
		TrustProxy: cfg.RateLimitTrustProxy,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithRateLimiter(limiter),
		app.WithPrometheus(m, registry),
		app.WithAccessLog(log.WithField("component", "http")),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("Pagewise API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	<-scheduler.Stop().Done()
}
