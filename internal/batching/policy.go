// Package batching implements the order batching engine: clustering,
// insertion feasibility, greedy scoring and the BatchOrders entry point.
package batching

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the immutable bag of thresholds and feature flags controlling
// batching and dispatch. Swap behavior by constructing a new Policy; never
// mutate one in place.
type Policy struct {
	// Batch shape.
	MaxBatchSize         int `yaml:"max_batch_size"`
	MaxClusterCandidates int `yaml:"max_cluster_candidates"`

	// Detour caps: t_batch / sum(t_single) must stay under these.
	PairDetourCap  float64 `yaml:"pair_detour_cap"`
	MultiDetourCap float64 `yaml:"multi_detour_cap"`

	// Clustering.
	EnableContinuousChaining bool `yaml:"enable_continuous_chaining"`

	// Rolling horizon.
	EnableRollingHorizon bool    `yaml:"enable_rolling_horizon"`
	MaxWaitTimeSeconds   float64 `yaml:"max_wait_time_seconds"`

	// Age preference: score = savings + AgeWeight * summed age seconds.
	PreferOlderOrders bool    `yaml:"prefer_older_orders"`
	AgeWeight         float64 `yaml:"age_weight"`

	// Wave dispatch.
	WaveSize           int           `yaml:"wave_size"`
	WaveCount          int           `yaml:"wave_count"`
	WaveInterval       time.Duration `yaml:"wave_interval"`
	AcceptanceDeadline time.Duration `yaml:"acceptance_deadline"`
}

// Validate performs the sanity checks the process runs once at startup and on
// every hot swap.
func (p Policy) Validate() error {
	if p.MaxBatchSize < 1 {
		return fmt.Errorf("policy: max_batch_size must be >= 1, got %d", p.MaxBatchSize)
	}
	if p.PairDetourCap < 1.0 {
		return fmt.Errorf("policy: pair_detour_cap must be >= 1.0, got %v", p.PairDetourCap)
	}
	if p.MultiDetourCap < 1.0 {
		return fmt.Errorf("policy: multi_detour_cap must be >= 1.0, got %v", p.MultiDetourCap)
	}
	if p.MaxClusterCandidates <= 0 {
		return fmt.Errorf("policy: max_cluster_candidates must be > 0, got %d", p.MaxClusterCandidates)
	}
	if p.MaxWaitTimeSeconds < 0 {
		return fmt.Errorf("policy: max_wait_time_seconds must be >= 0, got %v", p.MaxWaitTimeSeconds)
	}
	if p.WaveSize < 1 || p.WaveCount < 1 {
		return fmt.Errorf("policy: wave_size and wave_count must be >= 1")
	}
	if p.WaveInterval <= 0 || p.AcceptanceDeadline <= 0 {
		return fmt.Errorf("policy: wave_interval and acceptance_deadline must be > 0")
	}
	return nil
}

// DefaultPolicy is the baseline configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxBatchSize:             10,
		MaxClusterCandidates:     20,
		PairDetourCap:            1.15,
		MultiDetourCap:           1.25,
		EnableContinuousChaining: true,
		EnableRollingHorizon:     true,
		MaxWaitTimeSeconds:       180,
		PreferOlderOrders:        true,
		AgeWeight:                0.05,
		WaveSize:                 5,
		WaveCount:                5,
		WaveInterval:             30 * time.Second,
		AcceptanceDeadline:       3 * time.Minute,
	}
}

// PeakPolicy batches more aggressively during lunch/dinner peaks.
func PeakPolicy() Policy {
	p := DefaultPolicy()
	p.PairDetourCap = 1.18
	p.MultiDetourCap = 1.35
	p.MaxWaitTimeSeconds = 240
	p.AgeWeight = 0.08
	p.WaveInterval = 20 * time.Second
	return p
}

// OffpeakPolicy protects ETAs when order density is low.
func OffpeakPolicy() Policy {
	p := DefaultPolicy()
	p.EnableContinuousChaining = false
	p.PairDetourCap = 1.10
	p.MultiDetourCap = 1.18
	p.MaxWaitTimeSeconds = 120
	p.AgeWeight = 0.03
	return p
}

// LoadPolicy reads a policy yaml file over the defaults and validates it.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// NamedPolicy resolves the policy factories by name: "default", "peak",
// "offpeak".
func NamedPolicy(name string) (Policy, error) {
	switch name {
	case "", "default":
		return DefaultPolicy(), nil
	case "peak":
		return PeakPolicy(), nil
	case "offpeak":
		return OffpeakPolicy(), nil
	default:
		return Policy{}, fmt.Errorf("unknown policy %q", name)
	}
}
