// Package mqtt publishes flushed tenant batches to an MQTT broker, one
// message per flush on a per-tenant topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/sink/encoding"
)

// Config configures a Sink. Encoder defaults to JSON.
type Config struct {
	Broker      string // e.g. tcp://mqtt.example.com:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string //nolint:gosec // G117: config field, not a hardcoded credential
	Encoder     encoding.Encoder
	Logger      *slog.Logger
}

// Sink publishes to <prefix>/<token>.
type Sink struct {
	client paho.Client
	prefix string
	qos    byte
	enc    encoding.Encoder
	logger *slog.Logger

	connMu sync.Mutex
}

// New creates the client. The broker is contacted on the first Write.
func New(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt sink: broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt sink: invalid qos %d", cfg.QoS)
	}
	if cfg.Encoder == nil {
		cfg.Encoder = encoding.JSON{}
	}
	logger := logging.Default(cfg.Logger).With("component", "mqtt-sink", "broker", cfg.Broker)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})

	return &Sink{
		client: paho.NewClient(opts),
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		enc:    cfg.Encoder,
		logger: logger,
	}, nil
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Topic returns the topic a token's batches are published on. Wildcard and
// level separators in the token are replaced.
func (s *Sink) Topic(token string) string {
	t := topicEscaper.Replace(token)
	if s.prefix == "" {
		return t
	}
	return s.prefix + "/" + t
}

func (s *Sink) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	body, err := s.enc.Encode(metrics)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := s.connect(ctx); err != nil {
		return err
	}
	topic := s.Topic(token)
	if err := wait(ctx, s.client.Publish(topic, s.qos, false, body)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	s.logger.Debug("published batch", "topic", topic, "metrics", len(metrics), "bytes", len(body))
	return nil
}

func (s *Sink) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	s.logger.Info("connected")
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, waiting briefly for in-flight messages.
func (s *Sink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
