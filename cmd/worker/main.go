package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/groupbuy-ledger/internal/config"
	"github.com/example/groupbuy-ledger/internal/events"
	"github.com/example/groupbuy-ledger/internal/infrastructure/kafka"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reconcile"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// The worker runs the no-show sweep and reconciliation on a schedule, and
// on demand whenever a ReconcileRequested event shows up on the topic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("info", "json").WithError(err).Fatal("invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

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
	} else {
		log.Warn("REDIS_ADDR not set, reconciliation runs are not guarded across replicas")
	}
	job := reconcile.NewJob(st, jobOpts...)

	sweeper := lifecycle.NewService(st,
		lifecycle.WithLogger(log),
		lifecycle.WithPublisher(publisher),
		lifecycle.WithRetryPolicy(cfg.RetryPolicy()),
		lifecycle.WithSweepBatch(cfg.ReconcilePageSize),
	)
	scheduler := reconcile.NewScheduler(job, sweeper, cfg.ReconcileInterval, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start(ctx)
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup, log)
		defer consumer.Close()
		g.Go(func() error {
			log.Info("listening for reconcile requests")
			if err := consumer.Consume(ctx, job.HandleTrigger); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	log.WithField("interval", cfg.ReconcileInterval.String()).Info("worker started")
	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("worker stopped")
	}
	log.Info("worker stopped")
}
