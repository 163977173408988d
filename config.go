package queryscale

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the QueryScale runtime.
// It is the single source of truth for the acceptance threshold and the
// regeneration bound; components receive these values from here instead of
// re-deriving their own defaults.
type Config struct {
	// Acceptance threshold for the overall confidence score (0-100).
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`

	// Maximum regeneration rounds after the initial attempt.
	MaxRegenerations int `yaml:"max_regenerations"`

	// Whether low-confidence attempts trigger automatic regeneration.
	EnableAutoRetry bool `yaml:"enable_auto_retry"`

	// Per tool-call timeout applied by the protocol client.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Transport retry configuration (protocol errors are never retried).
	TransportRetries int           `yaml:"transport_retries"`
	TransportBackoff time.Duration `yaml:"transport_backoff"`

	// Maximum concurrent tool calls per flow.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// Weighted aggregation of evaluation dimensions. Missing dimensions are
	// excluded from the weighted mean rather than treated as zero.
	DimensionWeights map[Dimension]float64 `yaml:"dimension_weights"`

	// Performance bounds used by the evaluator's rule set.
	MaxResultRows  int           `yaml:"max_result_rows"`
	MaxQueryTime   time.Duration `yaml:"max_query_time"`
	HardResultRows int           `yaml:"hard_result_rows"` // Above this a critical issue is raised

	// Event bus configuration.
	EnableEventBus      bool `yaml:"enable_event_bus"`
	EventBusBufferSize  int  `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int  `yaml:"event_bus_worker_count"`

	// Plan cache TTL; zero disables caching of drafted plans.
	PlanCacheTTL time.Duration `yaml:"plan_cache_ttl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AcceptanceThreshold: 75.0,
		MaxRegenerations:    3,
		EnableAutoRetry:     true,
		CallTimeout:         time.Second * 30,
		TransportRetries:    3,
		TransportBackoff:    time.Millisecond * 500,
		MaxConcurrentCalls:  4,
		DimensionWeights: map[Dimension]float64{
			DimensionCorrectness:  30,
			DimensionRelevance:    30,
			DimensionCompleteness: 20,
			DimensionPerformance:  10,
			DimensionDataQuality:  10,
		},
		MaxResultRows:       1000,
		MaxQueryTime:        time.Second * 10,
		HardResultRows:      10000,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
		PlanCacheTTL:        time.Minute * 30,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file '%s'", path), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file '%s'", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.AcceptanceThreshold < 0 || c.AcceptanceThreshold > 100 {
		return NewConfigurationError(
			fmt.Sprintf("acceptance_threshold %.1f outside [0,100]", c.AcceptanceThreshold), nil)
	}
	if c.MaxRegenerations < 0 {
		return NewConfigurationError("max_regenerations cannot be negative", nil)
	}
	if c.MaxConcurrentCalls < 1 {
		return NewConfigurationError("max_concurrent_calls must be at least 1", nil)
	}
	if c.TransportRetries < 0 {
		return NewConfigurationError("transport_retries cannot be negative", nil)
	}
	for dim, weight := range c.DimensionWeights {
		if weight < 0 {
			return NewConfigurationError(
				fmt.Sprintf("dimension weight for '%s' cannot be negative", dim), nil)
		}
	}
	return nil
}
