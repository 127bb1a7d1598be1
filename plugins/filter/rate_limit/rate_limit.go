package rate_limit

import (
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/time/rate"

	"github.com/mbiondo/logfanout/core"
)

// DefaultMaxBuckets bounds the per-category limiters kept in memory
const DefaultMaxBuckets = 1024

func init() {
	// Auto-register this plugin
	core.RegisterFilterPlugin("rate_limit", NewRateLimitFilterFromConfig)
}

// Config represents rate limit filter configuration
type Config struct {
	Rate        float64 `yaml:"rate"`         // entries per second
	Burst       int     `yaml:"burst"`        // maximum burst size
	PerCategory bool    `yaml:"per_category"` // one bucket per first category instead of one shared bucket
	MaxBuckets  int     `yaml:"max_buckets"`  // per-category buckets kept (0 = DefaultMaxBuckets)
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Rate, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.Burst, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxBuckets, validation.Min(0)),
	)
}

// NewRateLimitFilterFromConfig creates a rate limit filter from configuration map
func NewRateLimitFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return NewRateLimitFilter(cfg), nil
}

// bucket is the limiter of one key
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitFilter accepts entries while its token bucket allows. It keeps its
// own state and never modifies the entry. Targets run it after their pure
// filters.
type RateLimitFilter struct {
	rate        float64 // tokens per second
	burst       int     // max tokens
	perCategory bool
	maxBuckets  int
	buckets     map[string]*bucket
	now         func() time.Time
	mu          sync.Mutex
}

// NewRateLimitFilter creates a new rate limit filter
func NewRateLimitFilter(cfg Config) *RateLimitFilter {
	maxBuckets := cfg.MaxBuckets
	if maxBuckets == 0 {
		maxBuckets = DefaultMaxBuckets
	}
	return &RateLimitFilter{
		rate:        cfg.Rate,
		burst:       cfg.Burst,
		perCategory: cfg.PerCategory,
		maxBuckets:  maxBuckets,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}
}

// Stateful marks the filter as spending budget on every call
func (f *RateLimitFilter) Stateful() bool {
	return true
}

// Process determines if an entry should be kept based on rate limiting
func (f *RateLimitFilter) Process(entry *core.LogEntry) bool {
	key := ""
	if f.perCategory {
		if cats := entry.Categories(); len(cats) > 0 {
			key = strings.ToLower(cats[0])
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	b, ok := f.buckets[key]
	if !ok {
		if len(f.buckets) >= f.maxBuckets {
			f.evict(now)
		}
		// starts with a full burst
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(f.rate), f.burst)}
		f.buckets[key] = b
	}
	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// evict drops buckets that refilled completely, since a new bucket behaves
// the same. When none has, the least recently used one goes.
func (f *RateLimitFilter) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, b := range f.buckets {
		if b.limiter.TokensAt(now) >= float64(f.burst) {
			delete(f.buckets, key)
			continue
		}
		if oldest.IsZero() || b.lastSeen.Before(oldest) {
			oldestKey, oldest = key, b.lastSeen
		}
	}
	if len(f.buckets) >= f.maxBuckets {
		delete(f.buckets, oldestKey)
	}
}
