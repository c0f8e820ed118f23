package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PreWarmRule asks the placer to keep one idle instance of a function sized
// for the given batch and latency target.
type PreWarmRule struct {
	Function     string  `yaml:"function"`
	LatencySLOMs float64 `yaml:"latencySLOMs"`
	BatchSize    int32   `yaml:"batchSize"`
}

// FunctionRule names a deployed function the placer manages: its deployment
// is registered at startup and its instances are scaled to the arrival rate
// observed by the usage collector.
type FunctionRule struct {
	Function     string  `yaml:"function"`
	LatencySLOMs float64 `yaml:"latencySLOMs"`
}

// Config is the placer's runtime configuration.
type Config struct {
	// ProfileDir holds the offline performance tables; it is watched for
	// changes at runtime.
	ProfileDir string `yaml:"profileDir"`
	// CapacityFile seeds the cluster capacity snapshot.
	CapacityFile string `yaml:"capacityFile"`
	// Namespace instances are created in.
	Namespace string `yaml:"namespace"`

	// LockHostPath and ModelHostPathRoot are the host directories mounted
	// into every instance.
	LockHostPath      string `yaml:"lockHostPath"`
	ModelHostPathRoot string `yaml:"modelHostPathRoot"`

	// AddressPollAttempts x AddressPollInterval bounds the wait for a new
	// instance's network address.
	AddressPollAttempts int           `yaml:"addressPollAttempts"`
	AddressPollInterval time.Duration `yaml:"addressPollInterval"`

	Functions []FunctionRule `yaml:"functions"`
	PreWarm   []PreWarmRule  `yaml:"preWarm"`

	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// PrometheusConfig points at the metrics backend usage rates and demand
// samples are collected from. An empty URL disables collection.
type PrometheusConfig struct {
	URL            string        `yaml:"url"`
	ScrapeInterval time.Duration `yaml:"scrapeInterval"`
	LoadCacheTTL   time.Duration `yaml:"loadCacheTTL"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables
	// the endpoint.
	Addr string `yaml:"addr"`
}

func defaults() Config {
	return Config{
		ProfileDir:          "/var/lib/slo-placer/profiles",
		CapacityFile:        "/var/lib/slo-placer/capacity.yaml",
		Namespace:           "serving",
		LockHostPath:        "/var/lib/slo-placer/locks",
		ModelHostPathRoot:   "/var/lib/slo-placer/models",
		AddressPollAttempts: 30,
		AddressPollInterval: time.Second,
		Log:                 LogConfig{Level: "info", Format: "json"},
		Metrics:             MetricsConfig{Addr: ":9090"},
		Prometheus:          PrometheusConfig{ScrapeInterval: 30 * time.Second, LoadCacheTTL: 30 * time.Second},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ProfileDir == "" {
		return fmt.Errorf("profileDir must be set")
	}
	if c.CapacityFile == "" {
		return fmt.Errorf("capacityFile must be set")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace must be set")
	}
	if c.AddressPollAttempts <= 0 {
		return fmt.Errorf("addressPollAttempts must be positive, got %d", c.AddressPollAttempts)
	}
	if c.AddressPollInterval <= 0 {
		return fmt.Errorf("addressPollInterval must be positive, got %s", c.AddressPollInterval)
	}
	for i, rule := range c.Functions {
		if rule.Function == "" {
			return fmt.Errorf("functions[%d]: function must be set", i)
		}
		if rule.LatencySLOMs <= 0 {
			return fmt.Errorf("functions[%d]: latencySLOMs must be positive, got %g", i, rule.LatencySLOMs)
		}
	}
	for i, rule := range c.PreWarm {
		if rule.Function == "" {
			return fmt.Errorf("preWarm[%d]: function must be set", i)
		}
		if rule.LatencySLOMs <= 0 {
			return fmt.Errorf("preWarm[%d]: latencySLOMs must be positive, got %g", i, rule.LatencySLOMs)
		}
		if rule.BatchSize <= 0 {
			return fmt.Errorf("preWarm[%d]: batchSize must be positive, got %d", i, rule.BatchSize)
		}
	}
	return nil
}
