package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/groupbuy-ledger/internal/config"
	"github.com/example/groupbuy-ledger/internal/infrastructure/kafka"
	"github.com/example/groupbuy-ledger/internal/infrastructure/kinesis"
	"github.com/sirupsen/logrus"
)

var (
	log       *logrus.Logger
	publisher *kafka.Producer
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("info", "json").WithError(err).Fatal("invalid configuration")
	}
	log = config.NewLogger(cfg.LogLevel, "json")
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}
	publisher = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	log.Info("order feed lambda initialized")
}

// handler publishes one bus event per status-changing write to the orders
// table. Failed records are reported back so Kinesis redelivers them.
func handler(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	log.WithField("records", len(kinesisEvent.Records)).Info("received order changes")

	var batchItemFailures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord, err error, msg string) {
		log.WithError(err).WithField("event_id", record.EventID).Error(msg)
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range kinesisEvent.Records {
		change, err := kinesis.ConvertFromKinesisRecord(record)
		if err != nil {
			fail(record, err, "failed to convert record")
			continue
		}
		if change == nil {
			continue
		}

		e, ok, err := change.Event()
		if err != nil {
			fail(record, err, "failed to build event")
			continue
		}
		if !ok {
			continue
		}

		if err := publisher.Publish(ctx, e); err != nil {
			fail(record, err, "failed to publish event")
			continue
		}
		log.WithFields(logrus.Fields{
			"order_id":   change.New.ID,
			"event_type": e.Type,
		}).Debug("published order change")
	}

	return events.KinesisEventResponse{BatchItemFailures: batchItemFailures}, nil
}

func main() {
	lambda.Start(handler)
}
