package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

type Consumer struct {
	reader *kafka.Reader
	log    logrus.FieldLogger
}

func NewConsumer(brokers []string, topic, groupID string, log logrus.FieldLogger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader: reader,
		log:    log.WithFields(logrus.Fields{"component": "kafka-consumer", "topic": topic, "group": groupID}),
	}
}

// Consume reads until ctx is canceled. Handler errors are logged and the
// message is committed anyway; the handlers it drives are idempotent.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.WithError(err).Error("error reading message")
				continue
			}

			if err := handler(ctx, msg.Key, msg.Value); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Error("error handling message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
