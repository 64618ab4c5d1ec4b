// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
)

const kafkaBatchTimeout = 10 * time.Millisecond

// MessageWriter is the part of kafka.Writer used by the Kafka notifier
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a Kafka topic. Messages are keyed by the
// notification key, so that notifications of one device stay in order.
type Kafka struct {
	writer MessageWriter
}

// NewKafka returns a notifier writing to topic on brokers
func NewKafka(brokers []string, topic string) *Kafka {
	if len(brokers) == 0 {
		panic("kafka brokers missing")
	}
	return NewKafkaWithWriter(newKafkaWriter(brokers, topic))
}

// newKafkaWriter returns an asynchronous writer, so that Notify never waits for a batch to fill
// up. Delivery failures are logged.
func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           kafkaBatchTimeout,
		Async:                  true,
		Completion:             logKafkaFailures,
	}
}

func logKafkaFailures(messages []kafka.Message, err error) {
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot deliver", len(messages), "notifications to kafka")
	}
}

// NewKafkaWithWriter returns a notifier using writer
func NewKafkaWithWriter(writer MessageWriter) *Kafka {
	return &Kafka{writer: writer}
}

// Notify implements core.Notifier
func (k *Kafka) Notify(ctx context.Context, n core.Notification) error {
	if err := k.writer.WriteMessages(ctx, kafkaMessage(ctx, n)); err != nil {
		return fmt.Errorf("cannot write %s %s notification to kafka: %w", n.Resource, n.Operation, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func kafkaMessage(ctx context.Context, n core.Notification) kafka.Message {
	return kafka.Message{
		Key:   []byte(n.Key),
		Value: n.Payload,
		Headers: []kafka.Header{
			{Key: "resource", Value: []byte(n.Resource)},
			{Key: "operation", Value: []byte(n.Operation)},
			{Key: "logger", Value: logger.SerializeLoggerContext(ctx)},
		},
	}
}
