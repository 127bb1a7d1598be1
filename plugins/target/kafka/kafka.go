package kafkaoutput

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/pkg/tlsconfig"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("kafka", NewKafkaOutputFromConfig)
}

// Config represents Kafka output configuration values supplied via YAML.
type Config struct {
	Brokers      []string         `yaml:"brokers"`
	Topic        string           `yaml:"topic"`
	KeyProperty  string           `yaml:"key_property,omitempty"` // property used as message key
	Format       string           `yaml:"format,omitempty"`       // "json" (default) or "text"
	RequiredAcks string           `yaml:"required_acks,omitempty"`
	Compression  string           `yaml:"compression,omitempty"`
	ClientID     string           `yaml:"client_id,omitempty"`
	Username     string           `yaml:"username,omitempty"`
	Password     string           `yaml:"password,omitempty"`
	Timeout      time.Duration    `yaml:"timeout,omitempty"`
	TLS          tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Brokers, validation.Required),
		validation.Field(&c.Topic, validation.Required),
		validation.Field(&c.Format, validation.In("", format.Text, format.JSON)),
		validation.Field(&c.RequiredAcks, validation.In("", "none", "one", "all")),
		validation.Field(&c.Compression, validation.In("", "none", "gzip", "snappy", "lz4", "zstd")),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.TLS),
	)
}

// messageWriter is the part of *kafka.Writer used by the output
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOutput produces one record per entry; a batch is one WriteMessages call
type KafkaOutput struct {
	config     Config
	writer     messageWriter
	dialer     *kafka.Dialer
	logger     *zap.Logger
	closeMutex sync.Mutex
	closed     bool
}

// NewKafkaOutputFromConfig builds a Kafka output plugin from generic configuration.
func NewKafkaOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewKafkaOutput(cfg)
}

// NewKafkaOutput creates a Kafka output with a kafka.Writer
func NewKafkaOutput(cfg Config) (*KafkaOutput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = format.JSON
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := &kafka.Transport{
		ClientID:    cfg.ClientID,
		DialTimeout: cfg.Timeout,
	}
	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.Timeout,
		DualStack: true,
	}

	// Configure TLS
	tlsConfig, err := cfg.TLS.NewTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	transport.TLS = tlsConfig
	dialer.TLS = tlsConfig

	// Configure SASL
	if cfg.Username != "" && cfg.Password != "" {
		mechanism := plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
		transport.SASL = mechanism
		dialer.SASLMechanism = mechanism
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: parseRequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		// Batches are formed by the target; the writer must not wait for more
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    core.DefaultBatchSize,
		WriteTimeout: cfg.Timeout,
		Transport:    transport,
	}

	return newKafkaOutput(cfg, writer, dialer), nil
}

func newKafkaOutput(cfg Config, writer messageWriter, dialer *kafka.Dialer) *KafkaOutput {
	return &KafkaOutput{
		config: cfg,
		writer: writer,
		dialer: dialer,
		logger: core.Logger().Named("kafka").With(zap.String("topic", cfg.Topic)),
	}
}

// WriteBatch produces every entry of the batch in one call
func (k *KafkaOutput) WriteBatch(entries []*core.LogEntry) error {
	k.closeMutex.Lock()
	closed := k.closed
	k.closeMutex.Unlock()
	if closed {
		return fmt.Errorf("kafka output is closed")
	}
	if len(entries) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := k.buildMessage(entry)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.config.Timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		var writeErrs kafka.WriteErrors
		if errors.As(err, &writeErrs) {
			return fmt.Errorf("kafka write failed for %d/%d messages: %w", writeErrs.Count(), len(msgs), err)
		}
		return fmt.Errorf("kafka write failed: %w", err)
	}

	k.logger.Debug("produced batch", zap.Int("entries", len(msgs)))
	return nil
}

// buildMessage renders the entry as the record value with categories as headers
func (k *KafkaOutput) buildMessage(entry *core.LogEntry) (kafka.Message, error) {
	value, err := format.Line(k.config.Format, entry)
	if err != nil {
		return kafka.Message{}, err
	}

	msg := kafka.Message{
		Value: value[:len(value)-1], // records carry no line terminator
		Time:  entry.OccurredOn(),
	}
	if k.config.KeyProperty != "" {
		if key, ok := entry.Properties().GetString(k.config.KeyProperty); ok {
			msg.Key = []byte(key)
		}
	}
	for _, category := range entry.Categories() {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "category", Value: []byte(category)})
	}
	return msg, nil
}

// CheckHealth dials the first reachable broker
func (k *KafkaOutput) CheckHealth(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.config.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close flushes and closes the writer
func (k *KafkaOutput) Close() error {
	k.closeMutex.Lock()
	defer k.closeMutex.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}

func parseRequiredAcks(raw string) kafka.RequiredAcks {
	switch raw {
	case "none":
		return kafka.RequireNone
	case "all":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

func parseCompression(raw string) kafka.Compression {
	switch raw {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}
