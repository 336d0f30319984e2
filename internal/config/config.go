// Package config loads the service configuration.
//
// Sources are layered, later ones winning:
//
//  1. built-in defaults
//  2. an optional YAML file
//  3. LOGSNARF_* environment variables, with "__" separating levels
//     (LOGSNARF_BUFFER__TIMEOUT=5s sets buffer.timeout)
//
// A .env file in the working directory is read into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"logsnarf/internal/credentials"
	"logsnarf/internal/decoder"
	"logsnarf/internal/kafkaopt"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOGSNARF_"

// Config is the complete service configuration.
type Config struct {
	Instance    string            `koanf:"instance"`
	Log         LogConfig         `koanf:"log"`
	Buffer      BufferConfig      `koanf:"buffer"`
	Decoders    DecodersConfig    `koanf:"decoders"`
	HTTP        HTTPConfig        `koanf:"http"`
	Syslog      SyslogConfig      `koanf:"syslog"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Sinks       SinksConfig       `koanf:"sinks"`
	Stats       StatsConfig       `koanf:"stats"`
}

type LogConfig struct {
	Level      string            `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format     string            `koanf:"format" validate:"oneof=text json"`
	Components map[string]string `koanf:"components"`
}

// BufferConfig controls the per-tenant metric buffers.
type BufferConfig struct {
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxPending   int           `koanf:"max_pending" validate:"min=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// DecodersConfig replaces the built-in Heroku decoder table when List is
// non-empty.
type DecodersConfig struct {
	Strict bool           `koanf:"strict"`
	List   []decoder.Spec `koanf:"list" validate:"dive"`
}

type HTTPConfig struct {
	Enabled            bool    `koanf:"enabled"`
	Addr               string  `koanf:"addr" validate:"required_if=Enabled true"`
	MaxBody            int64   `koanf:"max_body" validate:"gt=0"`
	Rate               float64 `koanf:"rate" validate:"min=0"`
	Burst              int     `koanf:"burst" validate:"min=0"`
	RequireCredentials bool    `koanf:"require_credentials"`
	LimiterCleanup     string  `koanf:"limiter_cleanup"`
}

// SyslogConfig enables syslog ingress when either address is set.
type SyslogConfig struct {
	TCPAddr string `koanf:"tcp_addr"`
	UDPAddr string `koanf:"udp_addr"`
	Token   string `koanf:"token" validate:"required_with=TCPAddr UDPAddr"`
}

// Enabled reports whether any syslog listener is configured.
func (c SyslogConfig) Enabled() bool { return c.TCPAddr != "" || c.UDPAddr != "" }

// KafkaConfig enables Kafka ingress when Brokers is set.
type KafkaConfig struct {
	Brokers string              `koanf:"brokers"`
	Topic   string              `koanf:"topic" validate:"required_with=Brokers"`
	Group   string              `koanf:"group"`
	Token   string              `koanf:"token"`
	TLS     bool                `koanf:"tls"`
	SASL    kafkaopt.SASLConfig `koanf:"sasl"`
}

// Enabled reports whether Kafka ingress is configured.
func (c KafkaConfig) Enabled() bool { return c.Brokers != "" }

type CredentialsConfig struct {
	Source      string                    `koanf:"source" validate:"oneof=memory file postgres"`
	File        string                    `koanf:"file" validate:"required_if=Source file"`
	DatabaseURL string                    `koanf:"database_url" validate:"required_if=Source postgres"`
	Migrate     bool                      `koanf:"migrate"`
	TTL         time.Duration             `koanf:"ttl" validate:"gt=0"`
	Sweep       string                    `koanf:"sweep"`
	Static      []credentials.Credentials `koanf:"static"`
}

type SinksConfig struct {
	InfluxDB InfluxDBSinkConfig `koanf:"influxdb"`
	Kafka    KafkaSinkConfig    `koanf:"kafka"`
	MQTT     MQTTSinkConfig     `koanf:"mqtt"`
	S3       S3SinkConfig       `koanf:"s3"`
}

type InfluxDBSinkConfig struct {
	Enabled bool          `koanf:"enabled"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	Gzip    bool          `koanf:"gzip"`
}

type KafkaSinkConfig struct {
	Enabled  bool                `koanf:"enabled"`
	Brokers  string              `koanf:"brokers" validate:"required_if=Enabled true"`
	Topic    string              `koanf:"topic" validate:"required_if=Enabled true"`
	TLS      bool                `koanf:"tls"`
	SASL     kafkaopt.SASLConfig `koanf:"sasl"`
	Encoding string              `koanf:"encoding" validate:"oneof=json msgpack line"`
}

type MQTTSinkConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Broker      string `koanf:"broker" validate:"required_if=Enabled true"`
	TopicPrefix string `koanf:"topic_prefix"`
	QoS         int    `koanf:"qos" validate:"min=0,max=2"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
	Encoding    string `koanf:"encoding" validate:"oneof=json msgpack line"`
}

type S3SinkConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Bucket    string `koanf:"bucket" validate:"required_if=Enabled true"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"` //nolint:gosec // G117: config field, not a hardcoded credential
	Prefix    string `koanf:"prefix"`
	PathStyle bool   `koanf:"path_style"`
}

// StatsConfig schedules the periodic stats log line (Report, empty
// disables) and the self-metrics emitter, which files process and store
// counters under Token every Interval. An empty Token disables it.
// Cron expressions throughout have six fields, seconds first.
type StatsConfig struct {
	Report   string        `koanf:"report"`
	Token    string        `koanf:"token"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

// Defaults returns the built-in configuration as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":               "info",
		"log.format":              "text",
		"buffer.timeout":          "10s",
		"buffer.max_pending":      0,
		"buffer.write_timeout":    "30s",
		"decoders.strict":         false,
		"http.enabled":            true,
		"http.addr":               ":8080",
		"http.max_body":           10 << 20,
		"http.limiter_cleanup":    "0 */5 * * * *",
		"credentials.source":      "memory",
		"credentials.ttl":         "5m",
		"credentials.sweep":       "0 * * * * *",
		"sinks.influxdb.enabled":  true,
		"sinks.influxdb.timeout":  "10s",
		"sinks.kafka.encoding":    "json",
		"sinks.mqtt.encoding":     "json",
		"sinks.mqtt.topic_prefix": "logsnarf",
		"sinks.s3.region":         "us-east-1",
		"stats.report":            "0 * * * * *",
		"stats.interval":          "30s",
	}
}

// Load reads .env (if present), the defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Instance == "" {
		cfg.Instance = petname.Generate(2, "-")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps LOGSNARF_SINKS__S3__BUCKET to sinks.s3.bucket.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks struct constraints and the decoder table.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.DecoderTable(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DecoderTable returns the configured decoders, or the built-in table when
// none are configured.
func (c *Config) DecoderTable() ([]decoder.Decoder, error) {
	if len(c.Decoders.List) == 0 {
		return decoder.Defaults(), nil
	}
	return decoder.Build(c.Decoders.List)
}

// KafkaConn returns the connection settings of the Kafka ingress.
func (c *Config) KafkaConn() kafkaopt.Config {
	return kafkaConn(c.Kafka.Brokers, c.Instance, c.Kafka.TLS, c.Kafka.SASL)
}

// KafkaConn returns the connection settings of the Kafka sink.
func (c KafkaSinkConfig) KafkaConn(instance string) kafkaopt.Config {
	return kafkaConn(c.Brokers, instance, c.TLS, c.SASL)
}

func kafkaConn(brokers, clientID string, tls bool, sasl kafkaopt.SASLConfig) kafkaopt.Config {
	conn := kafkaopt.Config{
		Brokers:  kafkaopt.ParseBrokers(brokers),
		ClientID: clientID,
		TLS:      tls,
	}
	if sasl.Mechanism != "" {
		conn.SASL = &sasl
	}
	return conn
}
