package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/berniyo/condo-qrpay/internal/config"
	"github.com/berniyo/condo-qrpay/internal/qrpay"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes session outcomes keyed by payment id.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	retry  RetryConfig
	log    logrus.FieldLogger
}

// NewKafkaPublisher builds a publisher. Zero retry settings get the
// RetryConfig defaults.
func NewKafkaPublisher(writer MessageWriter, topic string, retry RetryConfig, log logrus.FieldLogger) *KafkaPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KafkaPublisher{writer: writer, topic: topic, retry: retry.withDefaults(), log: log}
}

// NewKafkaWriter builds a writer for cfg's brokers and topic.
func NewKafkaWriter(cfg config.Kafka) (*kafka.Writer, error) {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, nil
}

// Notify publishes resp as JSON, retrying failed writes.
func (p *KafkaPublisher) Notify(ctx context.Context, resp qrpay.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(resp.PaymentID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(resp.Status)},
			{Key: "idempotency-key", Value: []byte(idempotencyKey(resp))},
		},
	}

	log := p.log.WithFields(logrus.Fields{"topic": p.topic, "payment_id": resp.PaymentID})
	return deliver(ctx, p.retry, log, fmt.Sprintf("topic %q", p.topic), func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
}
