// Package custody delivers custody intents from the outbox to the token
// custody collaborator.
package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/predictlens/predictlens/internal/domain"
)

// Message is the signed form of an intent handed to a transport.
type Message struct {
	Intent    domain.CustodyIntent `json:"intent"`
	Signature string               `json:"signature"`
	Signer    string               `json:"signer"`
}

// Publisher sends one intent message. Implementations must tolerate
// redelivery; custody deduplicates on the intent key.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

func encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("custody: marshal intent %s: %w", msg.Intent.Key, err)
	}
	return data, nil
}

// KafkaPublisher writes intents to one topic per intent kind, keyed by market
// so that a market's intents stay ordered within a partition.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

// NewKafkaPublisher creates a KafkaPublisher. Topics are named
// "<prefix>.<kind>", for example "custody.payout".
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("custody: kafka publisher requires at least one broker")
	}
	if topicPrefix == "" {
		topicPrefix = "custody"
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topicPrefix: topicPrefix,
	}, nil
}

// Topic returns the topic an intent of kind is written to.
func (p *KafkaPublisher) Topic(kind domain.IntentKind) string {
	return p.topicPrefix + "." + string(kind)
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(msg.Intent.Kind),
		Key:   []byte(msg.Intent.MarketID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "intent-key", Value: []byte(msg.Intent.Key)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("custody: kafka publish %s: %w", msg.Intent.Key, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// StreamAppender is the subset of the signal bus used by StreamPublisher.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// StreamPublisher appends intents to a Redis stream.
type StreamPublisher struct {
	bus    StreamAppender
	stream string
}

// NewStreamPublisher creates a StreamPublisher on domain.StreamCustody.
func NewStreamPublisher(bus StreamAppender) *StreamPublisher {
	return &StreamPublisher{bus: bus, stream: domain.StreamCustody}
}

func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return p.bus.StreamAppend(ctx, p.stream, data)
}

func (p *StreamPublisher) Close() error { return nil }

// LoggingPublisher only logs. It is used when no transport is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger.With(slog.String("component", "custody-log"))}
}

func (p *LoggingPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "custody intent",
		slog.String("key", msg.Intent.Key),
		slog.String("kind", string(msg.Intent.Kind)),
		slog.String("market_id", msg.Intent.MarketID),
		slog.String("account", msg.Intent.Account),
		slog.Int64("amount", msg.Intent.Amount),
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*StreamPublisher)(nil)
	_ Publisher = (*LoggingPublisher)(nil)
)
