package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/groupbuy-ledger/internal/config"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reconcile"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	log     *logrus.Logger
	job     *reconcile.Job
	sweeper *lifecycle.Service
)

// Response is what one scheduled invocation returns.
type Response struct {
	Sweep     lifecycle.SweepResult `json:"sweep"`
	Reconcile reconcile.Report      `json:"reconcile"`
}

func init() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("info", "json").WithError(err).Fatal("invalid configuration")
	}
	log = config.NewLogger(cfg.LogLevel, "json")

	if cfg.StoreBackend == store.BackendMemory {
		log.Warn("memory store selected, each cold start reconciles an empty store")
	}
	st, err := store.Open(context.Background(), cfg.StoreOptions())
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}

	jobOpts := []reconcile.Option{
		reconcile.WithLogger(log),
		reconcile.WithRetryPolicy(cfg.RetryPolicy()),
		reconcile.WithPageSize(cfg.ReconcilePageSize),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		jobOpts = append(jobOpts, reconcile.WithLocker(reconcile.NewRedisLocker(rdb), 0))
	}
	job = reconcile.NewJob(st, jobOpts...)
	sweeper = lifecycle.NewService(st,
		lifecycle.WithLogger(log),
		lifecycle.WithRetryPolicy(cfg.RetryPolicy()),
		lifecycle.WithSweepBatch(cfg.ReconcilePageSize),
	)
	log.Info("reconciler lambda initialized")
}

func handler(ctx context.Context, e events.CloudWatchEvent) (Response, error) {
	log.WithFields(logrus.Fields{
		"event_id": e.ID,
		"source":   e.Source,
	}).Info("scheduled reconciliation")

	var resp Response
	sweep, err := sweeper.SweepNoShows(ctx, time.Now().UTC())
	if err != nil {
		return resp, err
	}
	resp.Sweep = sweep

	report, err := job.Run(ctx)
	resp.Reconcile = report
	return resp, err
}

func main() {
	lambda.Start(handler)
}
