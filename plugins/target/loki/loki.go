package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("loki", NewLokiOutputFromConfig)
}

const pushPath = "/loki/api/v1/push"

// Config represents Loki output configuration
type Config struct {
	URL      string            `yaml:"url"`                 // Loki base URL
	Labels   map[string]string `yaml:"labels,omitempty"`    // static labels added to every stream
	TenantID string            `yaml:"tenant_id,omitempty"` // X-Scope-OrgID
	Username string            `yaml:"username,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Format   string            `yaml:"format,omitempty"` // line format, "text" (default) or "json"
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Format, validation.In("", format.Text, format.JSON)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// Stream is one labeled stream of the push payload
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Payload is the Loki push request body
type Payload struct {
	Streams []Stream `json:"streams"`
}

// LokiOutput pushes each batch as one request, one stream per first category
type LokiOutput struct {
	config     Config
	client     *http.Client
	closeMutex sync.Mutex
	closed     bool
}

// NewLokiOutputFromConfig creates a Loki output from configuration map
func NewLokiOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewLokiOutput(cfg)
}

// NewLokiOutput creates a new Loki output plugin
func NewLokiOutput(config Config) (*LokiOutput, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Format == "" {
		config.Format = format.Text
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	config.URL = strings.TrimSuffix(config.URL, "/")

	return &LokiOutput{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// WriteBatch pushes the batch to Loki
func (l *LokiOutput) WriteBatch(entries []*core.LogEntry) error {
	l.closeMutex.Lock()
	closed := l.closed
	l.closeMutex.Unlock()
	if closed {
		return fmt.Errorf("loki output is closed")
	}
	if len(entries) == 0 {
		return nil
	}

	payload, err := l.createPayload(entries)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.config.Timeout)
	defer cancel()

	return l.sendRequest(ctx, body)
}

// createPayload groups entries into streams by their first category
func (l *LokiOutput) createPayload(entries []*core.LogEntry) (Payload, error) {
	streams := make(map[string]*Stream)

	for _, entry := range entries {
		category := "none"
		if cats := entry.Categories(); len(cats) > 0 {
			category = strings.ToLower(cats[0])
		}

		stream, ok := streams[category]
		if !ok {
			stream = &Stream{Stream: l.createLabels(category), Values: [][2]string{}}
			streams[category] = stream
		}

		line, err := format.Line(l.config.Format, entry)
		if err != nil {
			return Payload{}, err
		}
		timestamp := strconv.FormatInt(entry.OccurredOn().UnixNano(), 10)
		stream.Values = append(stream.Values, [2]string{timestamp, string(line[:len(line)-1])})
	}

	keys := make([]string, 0, len(streams))
	for key := range streams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	payload := Payload{Streams: make([]Stream, 0, len(streams))}
	for _, key := range keys {
		payload.Streams = append(payload.Streams, *streams[key])
	}
	return payload, nil
}

func (l *LokiOutput) createLabels(category string) map[string]string {
	labels := map[string]string{
		"job": "logfanout",
	}
	for k, v := range l.config.Labels {
		labels[k] = v
	}
	labels["category"] = category
	return labels
}

func (l *LokiOutput) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.URL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if l.config.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.config.TenantID)
	}
	if l.config.Username != "" {
		req.SetBasicAuth(l.config.Username, l.config.Password)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	return nil
}

// CheckHealth queries the Loki readiness endpoint
func (l *LokiOutput) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.config.URL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("loki health check failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki is not ready: status %d", resp.StatusCode)
	}
	return nil
}

// Close closes the Loki output
func (l *LokiOutput) Close() error {
	l.closeMutex.Lock()
	defer l.closeMutex.Unlock()

	l.closed = true
	return nil
}
