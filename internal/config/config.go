// Package config loads process configuration: a yaml file with env
// overrides, policy selection included.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/routing"
)

// Config is the full process configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	RedisAddr  string `yaml:"redis_addr"`
	StoreDSN   string `yaml:"store_dsn"`

	// PolicyName selects a factory (default/peak/offpeak); PolicyFile, when
	// set, overrides it with an explicit yaml policy.
	PolicyName string `yaml:"policy_name"`
	PolicyFile string `yaml:"policy_file"`

	TickInterval time.Duration `yaml:"tick_interval"`

	// UseMockMatrix swaps OSRM for the Manhattan mock, for local runs.
	UseMockMatrix  bool               `yaml:"use_mock_matrix"`
	MockSpeedMPS   float64            `yaml:"mock_speed_mps"`
	OSRM           routing.OSRMConfig `yaml:"osrm"`
	MatrixCacheTTL time.Duration      `yaml:"matrix_cache_ttl"`

	DispatchWorkers int    `yaml:"dispatch_workers"`
	PushGatewayURL  string `yaml:"push_gateway_url"`
}

// Default returns the local development configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		RedisAddr:       "localhost:6379",
		StoreDSN:        "dispatch.db",
		PolicyName:      "default",
		TickInterval:    30 * time.Second,
		UseMockMatrix:   false,
		MockSpeedMPS:    10,
		MatrixCacheTTL:  10 * time.Minute,
		DispatchWorkers: 64,
	}
}

// Load reads path (optional) over the defaults, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PASSL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PASSL_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PASSL_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("PASSL_POLICY"); v != "" {
		cfg.PolicyName = v
	}
	if v := os.Getenv("PASSL_OSRM_URL"); v != "" {
		cfg.OSRM.BaseURL = v
	}
	if v := os.Getenv("PASSL_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse PASSL_TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = d
	}
	if v := os.Getenv("PASSL_PUSH_GATEWAY_URL"); v != "" {
		cfg.PushGatewayURL = v
	}

	return cfg, nil
}

// Policy resolves the configured batching policy.
func (c Config) Policy() (batching.Policy, error) {
	if c.PolicyFile != "" {
		return batching.LoadPolicy(c.PolicyFile)
	}
	return batching.NamedPolicy(c.PolicyName)
}
