package mqx

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kaapeh-copiloto/shared/config"
)

// Publisher is the narrow surface the outbox dispatcher depends on.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		MaxAttempts:            max(cfg.KafkaRetryMax, 1),
		WriteTimeout:           time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: !isProd(cfg.Env),
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

// Publish writes one message; keys hash to a stable partition so events of
// one aggregate stay ordered.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()

	err := p.writer.WriteMessages(ctx, Message(topic, key, value, headers))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	return err
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func Message(topic string, key []byte, value []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return msg
}

func isProd(env string) bool {
	return env == "prod" || env == "production"
}
