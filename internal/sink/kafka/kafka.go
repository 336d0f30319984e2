// Package kafka publishes flushed tenant batches to a Kafka topic.
//
// Each flush becomes one record keyed by the tenant token, so a tenant's
// batches stay ordered within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"logsnarf/internal/kafkaopt"
	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/sink/encoding"
)

// Config configures a Sink.
type Config struct {
	Conn    kafkaopt.Config
	Topic   string
	Encoder encoding.Encoder // defaults to JSON
	Logger  *slog.Logger
}

// Sink produces one record per flush.
type Sink struct {
	client *kgo.Client
	enc    encoding.Encoder
	topic  string
	logger *slog.Logger
}

// New creates the producer client. Brokers are contacted lazily.
func New(cfg Config) (*Sink, error) {
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	if cfg.Encoder == nil {
		cfg.Encoder = encoding.JSON{}
	}
	opts, err := kafkaopt.Options(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression(), kgo.NoCompression()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Sink{
		client: client,
		enc:    cfg.Encoder,
		topic:  cfg.Topic,
		logger: logging.Default(cfg.Logger).With("component", "kafka-sink", "topic", cfg.Topic),
	}, nil
}

func (s *Sink) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	body, err := s.enc.Encode(metrics)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	rec := newRecord(token, body, s.enc.ContentType(), len(metrics))
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	s.logger.Debug("produced batch", "metrics", len(metrics), "bytes", len(body))
	return nil
}

// Close flushes buffered records and closes the client.
func (s *Sink) Close() {
	s.client.Close()
}

func newRecord(token string, value []byte, contentType string, count int) *kgo.Record {
	return &kgo.Record{
		Key:   []byte(token),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(contentType)},
			{Key: "metrics", Value: []byte(strconv.Itoa(count))},
		},
	}
}
