// Package kafka provides a Kafka consumer ingester using franz-go.
//
// Each record carries one drain payload: the record key is the tenant
// token and the value is the raw batch of syslog lines.
package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"logsnarf/internal/kafkaopt"
	"logsnarf/internal/logging"
	"logsnarf/internal/pipeline"
)

// DefaultGroup is the consumer group used when none is configured.
const DefaultGroup = "logsnarf"

// Ingester runs one payload through the metric pipeline.
type Ingester interface {
	IngestBytes(ctx context.Context, token string, data []byte) (pipeline.Stats, error)
}

// Config holds Kafka ingester configuration.
type Config struct {
	Conn  kafkaopt.Config
	Topic string
	Group string

	// Token is used for records without a key.
	Token string

	Pipeline Ingester
	Logger   *slog.Logger
}

// Consumer consumes drain payloads from a Kafka topic.
type Consumer struct {
	cfg      Config
	pipeline Ingester
	logger   *slog.Logger

	mu      sync.Mutex
	stats   pipeline.Stats
	dropped int
}

// New validates cfg and creates a consumer. Brokers are contacted by Run.
func New(cfg Config) (*Consumer, error) {
	if len(cfg.Conn.Brokers) == 0 {
		return nil, errors.New("kafka ingester: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka ingester: topic is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("kafka ingester: pipeline is required")
	}
	cfg.Group = cmp.Or(cfg.Group, DefaultGroup)
	return &Consumer{
		cfg:      cfg,
		pipeline: cfg.Pipeline,
		logger:   logging.Default(cfg.Logger).With("component", "ingester", "type", "kafka"),
	}, nil
}

// Run connects to Kafka and polls records until ctx is cancelled. Offsets
// are committed on the way out.
func (c *Consumer) Run(ctx context.Context) error {
	opts, err := kafkaopt.Options(c.cfg.Conn)
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.ConsumerGroup(c.cfg.Group),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	c.logger.Info("kafka consumer started",
		"brokers", c.cfg.Conn.Brokers,
		"topic", c.cfg.Topic,
		"group", c.cfg.Group,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.logger.Info("kafka consumer stopping")
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			c.handle(ctx, rec)
		})
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	token := c.tokenFor(rec)
	if token == "" {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Debug("record without token", "partition", rec.Partition, "offset", rec.Offset)
		return
	}

	st, err := c.pipeline.IngestBytes(ctx, token, rec.Value)
	c.mu.Lock()
	c.stats.Add(st)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("kafka record dropped",
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
	}
}

func (c *Consumer) tokenFor(rec *kgo.Record) string {
	if len(rec.Key) > 0 {
		return string(rec.Key)
	}
	return c.cfg.Token
}

// Stats returns the accumulated line statistics and the number of records
// dropped for lack of a token.
func (c *Consumer) Stats() (pipeline.Stats, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.dropped
}
