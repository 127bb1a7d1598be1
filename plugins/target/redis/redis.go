package redisoutput

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/pkg/tlsconfig"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("redis", NewRedisOutputFromConfig)
}

// Write modes
const (
	ModeStream = "stream" // XADD one stream entry per log entry
	ModeList   = "list"   // RPUSH one rendered line per log entry
)

// Config represents Redis output configuration
type Config struct {
	Addr     string           `yaml:"addr"`
	Username string           `yaml:"username,omitempty"`
	Password string           `yaml:"password,omitempty"`
	DB       int              `yaml:"db,omitempty"`
	Mode     string           `yaml:"mode,omitempty"`    // "stream" (default) or "list"
	Key      string           `yaml:"key"`               // stream or list key
	MaxLen   int64            `yaml:"max_len,omitempty"` // approximate stream trim length, 0 = unbounded
	Format   string           `yaml:"format,omitempty"`  // list mode only
	Timeout  time.Duration    `yaml:"timeout,omitempty"`
	TLS      tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Key, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
		validation.Field(&c.Mode, validation.In("", ModeStream, ModeList).Error("must be 'stream' or 'list'")),
		validation.Field(&c.MaxLen, validation.Min(int64(0))),
		validation.Field(&c.Format, validation.In("", format.Text, format.JSON)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.TLS),
	)
}

// RedisOutput appends batches to a Redis stream or list through one pipeline per batch
type RedisOutput struct {
	config     Config
	client     *redis.Client
	logger     *zap.Logger
	closeMutex sync.Mutex
	closed     bool
}

// NewRedisOutputFromConfig creates a Redis output from configuration map
func NewRedisOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewRedisOutput(cfg)
}

// NewRedisOutput creates a new Redis output plugin
func NewRedisOutput(config Config) (*RedisOutput, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.Mode == "" {
		config.Mode = ModeStream
	}
	if config.Format == "" {
		config.Format = format.JSON
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	tlsCfg, err := config.TLS.NewTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid tls configuration: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		TLSConfig:    tlsCfg,
	})

	return &RedisOutput{
		config: config,
		client: client,
		logger: core.Logger().Named("redis").With(zap.String("key", config.Key), zap.String("mode", config.Mode)),
	}, nil
}

// WriteBatch queues one command per entry in a pipeline and executes it
func (r *RedisOutput) WriteBatch(entries []*core.LogEntry) error {
	r.closeMutex.Lock()
	closed := r.closed
	r.closeMutex.Unlock()
	if closed {
		return fmt.Errorf("redis output is closed")
	}
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	if r.config.Mode == ModeList {
		values := make([]any, 0, len(entries))
		for _, entry := range entries {
			line, err := format.Line(r.config.Format, entry)
			if err != nil {
				return err
			}
			values = append(values, string(line[:len(line)-1]))
		}
		pipe.RPush(ctx, r.config.Key, values...)
	} else {
		for _, entry := range entries {
			values, err := streamValues(entry)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: r.config.Key,
				MaxLen: r.config.MaxLen,
				Approx: r.config.MaxLen > 0,
				Values: values,
			})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	r.logger.Debug("appended batch", zap.Int("entries", len(entries)))
	return nil
}

// streamValues flattens an entry into stream fields
func streamValues(entry *core.LogEntry) (map[string]any, error) {
	values := map[string]any{
		"message":     entry.Text(),
		"occurred_on": entry.OccurredOn().Format(time.RFC3339Nano),
	}
	if cats := entry.Categories(); len(cats) > 0 {
		values["categories"] = strings.Join(cats, ",")
	}
	if entry.Properties().Len() > 0 {
		props, err := json.Marshal(entry.Properties())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties: %w", err)
		}
		values["properties"] = string(props)
	}
	return values, nil
}

// CheckHealth implements core.HealthChecker
func (r *RedisOutput) CheckHealth(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisOutput) Close() error {
	r.closeMutex.Lock()
	defer r.closeMutex.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
