package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/groupbuy-ledger/internal/api"
	"github.com/example/groupbuy-ledger/internal/config"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/kafka"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reconcile"
	"github.com/example/groupbuy-ledger/internal/reservation"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("info", "json").WithError(err).Fatal("invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.WithFields(logrus.Fields{
		"store":  cfg.StoreBackend,
		"kafka":  cfg.KafkaBrokers,
		"topic":  cfg.KafkaTopic,
		"listen": cfg.HTTPAddr,
	}).Info("starting groupbuy ledger api")

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer
	}

	jobOpts := []reconcile.Option{
		reconcile.WithLogger(log),
		reconcile.WithPublisher(publisher),
		reconcile.WithRetryPolicy(cfg.RetryPolicy()),
		reconcile.WithPageSize(cfg.ReconcilePageSize),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		jobOpts = append(jobOpts, reconcile.WithLocker(reconcile.NewRedisLocker(rdb), 0))
	}

	reservationSvc := reservation.NewService(st,
		reservation.WithLogger(log),
		reservation.WithPublisher(publisher),
		reservation.WithRetryPolicy(cfg.RetryPolicy()),
	)
	lifecycleSvc := lifecycle.NewService(st,
		lifecycle.WithLogger(log),
		lifecycle.WithPublisher(publisher),
		lifecycle.WithRetryPolicy(cfg.RetryPolicy()),
		lifecycle.WithSweepBatch(cfg.ReconcilePageSize),
	)
	job := reconcile.NewJob(st, jobOpts...)

	handlers := api.NewHandlers(st, reservationSvc, lifecycleSvc, job, log)
	router := api.NewRouter(api.RouterConfig{
		Handlers:       handlers,
		Logger:         log,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server started")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
}
