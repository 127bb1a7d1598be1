package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/pkg/tlsconfig"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("elasticsearch", NewElasticsearchOutputFromConfig)
}

// Config represents Elasticsearch output configuration
type Config struct {
	Addresses []string         `yaml:"addresses"`          // Elasticsearch addresses
	Username  string           `yaml:"username,omitempty"` // Basic auth username
	Password  string           `yaml:"password,omitempty"` // Basic auth password
	APIKey    string           `yaml:"api_key,omitempty"`  // API key authentication
	Index     string           `yaml:"index"`              // Index name (supports date templates)
	Timeout   time.Duration    `yaml:"timeout,omitempty"`  // Request timeout
	TLS       tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Index, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.TLS),
	)
}

// ElasticsearchOutput indexes batches of entries through the bulk API.
// Batching itself is owned by the target.
type ElasticsearchOutput struct {
	config     Config
	client     *elasticsearch.Client
	logger     *zap.Logger
	closeMutex sync.Mutex
	closed     bool
}

// NewElasticsearchOutputFromConfig creates an Elasticsearch output from configuration
func NewElasticsearchOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewElasticsearchOutput(cfg)
}

// NewElasticsearchOutput creates a new Elasticsearch output plugin
func NewElasticsearchOutput(config Config) (*ElasticsearchOutput, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(config.Addresses) == 0 {
		config.Addresses = []string{"http://localhost:9200"}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	esCfg := elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	}

	tlsCfg, err := config.TLS.NewTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid tls configuration: %w", err)
	}
	if tlsCfg != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		esCfg.Transport = transport
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	output := &ElasticsearchOutput{
		config: config,
		client: client,
		logger: core.Logger().Named("elasticsearch").With(zap.Strings("addresses", config.Addresses)),
	}

	// Connection test is informational only; failed writes are retried by the target
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := output.CheckHealth(ctx); err != nil {
		output.logger.Warn("initial connection test failed", zap.Error(err))
	} else {
		output.logger.Info("connected to Elasticsearch")
	}

	return output, nil
}

// bulkResponse is the subset of the bulk API response inspected for item failures
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// WriteBatch sends entries in a single bulk request
func (e *ElasticsearchOutput) WriteBatch(entries []*core.LogEntry) error {
	e.closeMutex.Lock()
	closed := e.closed
	e.closeMutex.Unlock()
	if closed {
		return fmt.Errorf("elasticsearch output is closed")
	}
	if len(entries) == 0 {
		return nil
	}

	body, err := e.bulkBody(entries)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()

	req := esapi.BulkRequest{
		Body: bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.IsError() {
		var errResp map[string]any
		if err := json.NewDecoder(res.Body).Decode(&errResp); err == nil {
			return fmt.Errorf("elasticsearch error: %v", errResp)
		}
		return fmt.Errorf("elasticsearch returned status: %s", res.Status())
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if bulkResp.Errors {
		return bulkResp.failure(len(entries))
	}

	e.logger.Debug("indexed batch", zap.Int("entries", len(entries)))
	return nil
}

// failure summarizes the failed items of a bulk response
func (r bulkResponse) failure(total int) error {
	failed := 0
	first := ""
	for _, item := range r.Items {
		for _, result := range item {
			if result.Error == nil && result.Status < 300 {
				continue
			}
			failed++
			if first == "" && result.Error != nil {
				first = result.Error.Type + ": " + result.Error.Reason
			}
		}
	}
	return fmt.Errorf("bulk request had %d/%d failed items: %s", failed, total, first)
}

func (e *ElasticsearchOutput) bulkBody(entries []*core.LogEntry) ([]byte, error) {
	var buf bytes.Buffer

	for _, entry := range entries {
		meta := map[string]any{
			"index": map[string]any{
				"_index": e.resolveIndexName(entry.OccurredOn()),
			},
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		buf.Write(metaBytes)
		buf.WriteByte('\n')

		doc := map[string]any{
			"@timestamp": entry.OccurredOn().Format(time.RFC3339Nano),
			"message":    entry.Text(),
		}
		if cats := entry.Categories(); len(cats) > 0 {
			doc["categories"] = cats
		}
		if entry.Properties().Len() > 0 {
			doc["properties"] = entry.Properties()
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// resolveIndexName resolves index name with date templates
// Supports: logs-{yyyy.MM.dd}, logs-{yyyy-MM}, etc.
func (e *ElasticsearchOutput) resolveIndexName(t time.Time) string {
	indexName := e.config.Index
	if !strings.Contains(indexName, "{") {
		return indexName
	}

	replacements := []struct{ pattern, layout string }{
		{"{yyyy.MM.dd}", "2006.01.02"},
		{"{yyyy-MM-dd}", "2006-01-02"},
		{"{yyyy.MM}", "2006.01"},
		{"{yyyy-MM}", "2006-01"},
		{"{yyyy}", "2006"},
		{"{MM}", "01"},
		{"{dd}", "02"},
	}

	for _, r := range replacements {
		indexName = strings.ReplaceAll(indexName, r.pattern, t.Format(r.layout))
	}

	return indexName
}

// CheckHealth implements core.HealthChecker
func (e *ElasticsearchOutput) CheckHealth(ctx context.Context) error {
	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.IsError() {
		return fmt.Errorf("elasticsearch health check error: %s", res.String())
	}

	return nil
}

// Close closes the Elasticsearch output
func (e *ElasticsearchOutput) Close() error {
	e.closeMutex.Lock()
	defer e.closeMutex.Unlock()

	e.closed = true
	return nil
}
