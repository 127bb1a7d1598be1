package kafkasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/pkg/tlsconfig"
)

func init() {
	core.RegisterSourcePlugin("kafka", NewKafkaSourceFromConfig)
}

// Config represents Kafka source configuration values supplied via YAML.
type Config struct {
	Brokers     []string         `yaml:"brokers"`
	Topic       string           `yaml:"topic"`
	GroupID     string           `yaml:"group_id,omitempty"`
	StartOffset string           `yaml:"start_offset,omitempty"`
	MinBytes    int              `yaml:"min_bytes,omitempty"`
	MaxBytes    int              `yaml:"max_bytes,omitempty"`
	ClientID    string           `yaml:"client_id,omitempty"`
	Username    string           `yaml:"username,omitempty"`
	Password    string           `yaml:"password,omitempty"`
	Categories  []string         `yaml:"categories,omitempty"` // categories added to every entry
	TLS         tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Brokers, validation.Required.Error("kafka source requires at least one broker")),
		validation.Field(&c.Topic, validation.Required.Error("kafka source requires a topic")),
		validation.Field(&c.MinBytes, validation.Min(0)),
		validation.Field(&c.MaxBytes, validation.Min(0)),
		validation.Field(&c.TLS),
	)
}

// messageReader is the part of *kafka.Reader used by the source
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaSourceFromConfig builds a Kafka source plugin from generic configuration.
func NewKafkaSourceFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewKafkaSource(cfg)
}

// NewKafkaSource creates a Kafka source backed by a kafka.Reader
func NewKafkaSource(cfg Config) (*KafkaSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	startOffset, err := parseStartOffset(cfg.StartOffset)
	if err != nil {
		return nil, err
	}

	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MiB
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	tlsConfig, err := cfg.TLS.NewTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	dialer.TLS = tlsConfig

	if cfg.Username != "" && cfg.Password != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: startOffset,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		Dialer:      dialer,
	})

	return newKafkaSource(cfg, reader), nil
}

func newKafkaSource(cfg Config, reader messageReader) *KafkaSource {
	return &KafkaSource{
		config: cfg,
		reader: reader,
		logger: core.Logger().Named("kafka-source").With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID)),
	}
}

// KafkaSource consumes records from a Kafka topic and logs them as entries.
type KafkaSource struct {
	config Config
	reader messageReader
	sink   core.EntrySink
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// SetSink stores the sink receiving the entries.
func (k *KafkaSource) SetSink(sink core.EntrySink) {
	k.sink = sink
}

// Start launches the background goroutine that reads from Kafka.
func (k *KafkaSource) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.sink == nil {
		return fmt.Errorf("kafka source has no sink")
	}
	if k.ctx != nil {
		return fmt.Errorf("kafka source already started")
	}

	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.wg.Add(1)
	go k.consumeLoop()

	k.logger.Info("kafka source started", zap.Strings("brokers", k.config.Brokers))
	return nil
}

// Stop cancels consumption and waits for the goroutine to finish.
func (k *KafkaSource) Stop() error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil
	}
	k.stopped = true
	cancel := k.cancel
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	k.wg.Wait()

	err := k.reader.Close()
	k.logger.Info("kafka source stopped")
	return err
}

// newFetchBackOff paces fetch retries while the brokers are unreachable
func newFetchBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (k *KafkaSource) consumeLoop() {
	defer k.wg.Done()

	pause := newFetchBackOff()
	for {
		msg, err := k.reader.FetchMessage(k.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || k.ctx.Err() != nil {
				return
			}

			wait := pause.NextBackOff()
			k.logger.Warn("fetch error", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
			case <-k.ctx.Done():
				return
			}
			continue
		}
		pause.Reset()

		k.sink.Log(buildEntry(msg, k.config.Categories))

		if k.config.GroupID != "" {
			if err := k.reader.CommitMessages(k.ctx, msg); err != nil {
				if k.ctx.Err() != nil {
					return
				}
				k.logger.Warn("commit error", zap.Error(err))
			}
		}
	}
}

// buildEntry maps a record to an entry; a "level" header becomes the first category
func buildEntry(msg kafka.Message, categories []string) *core.LogEntry {
	cats := make([]string, 0, len(categories)+1)
	for _, header := range msg.Headers {
		if strings.EqualFold(header.Key, "level") {
			cats = append(cats, strings.ToLower(string(header.Value)))
		}
	}
	cats = append(cats, categories...)

	entry := core.NewLogEntry(string(msg.Value), cats...).
		WithProperty("source", "kafka").
		WithProperty("topic", msg.Topic).
		WithProperty("partition", strconv.Itoa(msg.Partition)).
		WithProperty("offset", strconv.FormatInt(msg.Offset, 10))

	if len(msg.Key) > 0 {
		entry.WithProperty("key", string(msg.Key))
	}
	for _, header := range msg.Headers {
		entry.WithProperty("header."+strings.ToLower(header.Key), string(header.Value))
	}
	return entry
}

func parseStartOffset(raw string) (int64, error) {
	if raw == "" {
		return kafka.LastOffset, nil
	}

	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "earliest", "first", "beginning":
		return kafka.FirstOffset, nil
	case "latest", "last", "end":
		return kafka.LastOffset, nil
	}

	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid start_offset value: %s", raw)
	}

	return offset, nil
}
