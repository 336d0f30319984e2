// Package kafkaopt builds franz-go client options shared by the Kafka
// ingester and the Kafka sink.
package kafkaopt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string `koanf:"mechanism"` // "plain", "scram-sha-256", "scram-sha-512"
	User      string `koanf:"user"`
	Password  string `koanf:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config is the connection part of a Kafka client.
type Config struct {
	Brokers  []string
	ClientID string
	TLS      bool
	SASL     *SASLConfig
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var out []string
	for b := range strings.SplitSeq(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Options returns the connection options for cfg.
func Options(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mech, err := Mechanism(*cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// Mechanism constructs the SASL mechanism named by cfg.Mechanism.
func Mechanism(cfg SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToLower(cfg.Mechanism) {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", cfg.Mechanism)
	}
}
