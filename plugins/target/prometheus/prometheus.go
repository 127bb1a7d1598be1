package prometheusoutput

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbiondo/logfanout/core"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("prometheus", NewPrometheusOutputFromConfig)
}

var metricName = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Config represents prometheus output configuration
type Config struct {
	Metric string `yaml:"metric,omitempty"` // counter name, default logfanout_entries_total
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Metric, validation.Match(metricName)),
	)
}

// NewPrometheusOutputFromConfig creates a prometheus output registered on the default registry
func NewPrometheusOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewPrometheusOutput(cfg, prometheus.DefaultRegisterer)
}

// PrometheusOutput counts entries per category. The counter is exposed by
// whatever serves the registry it was registered on.
type PrometheusOutput struct {
	entriesTotal *prometheus.CounterVec
}

// NewPrometheusOutput creates a new Prometheus output plugin. Outputs sharing
// a metric name on the same registry share the counter.
func NewPrometheusOutput(config Config, reg prometheus.Registerer) (*PrometheusOutput, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Metric == "" {
		config.Metric = "logfanout_entries_total"
	}

	entriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: config.Metric,
			Help: "Total number of log entries by category",
		},
		[]string{"category"},
	)

	if err := reg.Register(entriesTotal); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("failed to register %s: %w", config.Metric, err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("metric %s is already registered with another type", config.Metric)
		}
		entriesTotal = existing
	}

	return &PrometheusOutput{entriesTotal: entriesTotal}, nil
}

// Write increments the counter of every category of the entry
func (p *PrometheusOutput) Write(entry *core.LogEntry) error {
	categories := entry.Categories()
	if len(categories) == 0 {
		p.entriesTotal.WithLabelValues("none").Inc()
		return nil
	}

	for _, category := range categories {
		p.entriesTotal.WithLabelValues(normalize(category)).Inc()
	}
	return nil
}

func normalize(category string) string {
	category = strings.ToLower(category)
	switch category {
	case "warn", "warning":
		return "warn"
	case "err", "error":
		return "error"
	}
	return category
}

// Close is a no-op; the counter stays registered
func (p *PrometheusOutput) Close() error {
	return nil
}
