// Package config loads the scheduler's YAML configuration. Every field
// has a working default so an empty file, or no file at all, yields a
// runnable single-model setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/scheduler/backpressure"
	"github.com/praghav/modelqueue/internal/scheduler/escalate"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Escalator  EscalatorConfig  `yaml:"escalator"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`

	// Defaults apply to every model that does not override them.
	Defaults ModelConfig   `yaml:"defaults"`
	Models   []ModelConfig `yaml:"models"`
}

type CheckpointConfig struct {
	Path         string `yaml:"path"`
	IntervalSecs int    `yaml:"interval_secs"`
}

type EscalatorConfig struct {
	IntervalSecs      int `yaml:"interval_secs"`
	AgeBoostStepSecs  int `yaml:"age_boost_step_secs"`
	AgeBoostCap       int `yaml:"age_boost_cap"`
	CriticalWindowSec int `yaml:"critical_window_secs"`
	UrgentWindowSecs  int `yaml:"urgent_window_secs"`
}

type SchedulerConfig struct {
	Balancer          string `yaml:"balancer"`
	MaxRetries        int    `yaml:"max_retries"`
	TerminalRetention int    `yaml:"terminal_retention"`
}

type ModelConfig struct {
	ModelID string `yaml:"model_id"`

	QueueCapacity int                `yaml:"queue_capacity"`
	Pool          PoolConfig         `yaml:"pool"`
	Backpressure  BackpressureConfig `yaml:"backpressure"`
}

type PoolConfig struct {
	MinWorkers              int     `yaml:"min_workers"`
	MaxWorkers              int     `yaml:"max_workers"`
	TargetLatencyMs         int     `yaml:"target_latency_ms"`
	WorkerMemoryMB          uint64  `yaml:"worker_memory_mb"`
	ScaleIntervalSecs       int     `yaml:"scale_interval_secs"`
	LowUtilizationThreshold float64 `yaml:"low_utilization_threshold"`
	LowUtilizationWindowSec int     `yaml:"low_utilization_window_secs"`
	AckTimeoutSecs          int     `yaml:"ack_timeout_secs"`
	RetryBackoffBaseMs      int     `yaml:"retry_backoff_base_ms"`
	RetryBackoffCapSecs     int     `yaml:"retry_backoff_cap_secs"`
}

type BackpressureConfig struct {
	ElevatedThreshold float64                 `yaml:"elevated_threshold"`
	CriticalThreshold float64                 `yaml:"critical_threshold"`
	TierRates         map[string]TierRateSpec `yaml:"tier_rates"`
}

type TierRateSpec struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns the full baseline configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8085",
		Checkpoint: CheckpointConfig{
			Path:         "data/scheduler.ckpt",
			IntervalSecs: 30,
		},
		Escalator: EscalatorConfig{
			IntervalSecs:      10,
			AgeBoostStepSecs:  30,
			AgeBoostCap:       7,
			CriticalWindowSec: 10,
			UrgentWindowSecs:  30,
		},
		Scheduler: SchedulerConfig{
			Balancer:          "least_loaded",
			MaxRetries:        3,
			TerminalRetention: 4096,
		},
		Defaults: ModelConfig{
			QueueCapacity: 1000,
			Pool: PoolConfig{
				MinWorkers:              1,
				MaxWorkers:              16,
				TargetLatencyMs:         250,
				WorkerMemoryMB:          4096,
				ScaleIntervalSecs:       15,
				LowUtilizationThreshold: 0.2,
				LowUtilizationWindowSec: 60,
				AckTimeoutSecs:          5,
				RetryBackoffBaseMs:      500,
				RetryBackoffCapSecs:     30,
			},
			Backpressure: BackpressureConfig{
				ElevatedThreshold: 0.7,
				CriticalThreshold: 0.9,
			},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, m := range c.Models {
		if m.ModelID == "" {
			return fmt.Errorf("models entry missing model_id")
		}
		if seen[m.ModelID] {
			return fmt.Errorf("duplicate model_id %q", m.ModelID)
		}
		seen[m.ModelID] = true
	}
	if c.Scheduler.Balancer != "" && !balancerNames[c.Scheduler.Balancer] {
		return fmt.Errorf("unknown balancer %q", c.Scheduler.Balancer)
	}
	for name := range c.Defaults.Backpressure.TierRates {
		if !constants.Priority(name).Valid() {
			return fmt.Errorf("unknown priority tier %q in tier_rates", name)
		}
	}
	return nil
}

var balancerNames = map[string]bool{
	"round_robin":         true,
	"least_loaded":        true,
	"earliest_completion": true,
}

// Model resolves the effective configuration for one model: the named
// override if present, otherwise the defaults with the id filled in.
func (c *Config) Model(modelID string) ModelConfig {
	for _, m := range c.Models {
		if m.ModelID == modelID {
			return m.withDefaults(c.Defaults)
		}
	}
	m := c.Defaults
	m.ModelID = modelID
	return m
}

func (m ModelConfig) withDefaults(d ModelConfig) ModelConfig {
	if m.QueueCapacity == 0 {
		m.QueueCapacity = d.QueueCapacity
	}
	p, dp := &m.Pool, d.Pool
	if p.MinWorkers == 0 {
		p.MinWorkers = dp.MinWorkers
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = dp.MaxWorkers
	}
	if p.TargetLatencyMs == 0 {
		p.TargetLatencyMs = dp.TargetLatencyMs
	}
	if p.WorkerMemoryMB == 0 {
		p.WorkerMemoryMB = dp.WorkerMemoryMB
	}
	if p.ScaleIntervalSecs == 0 {
		p.ScaleIntervalSecs = dp.ScaleIntervalSecs
	}
	if p.LowUtilizationThreshold == 0 {
		p.LowUtilizationThreshold = dp.LowUtilizationThreshold
	}
	if p.LowUtilizationWindowSec == 0 {
		p.LowUtilizationWindowSec = dp.LowUtilizationWindowSec
	}
	if p.AckTimeoutSecs == 0 {
		p.AckTimeoutSecs = dp.AckTimeoutSecs
	}
	if p.RetryBackoffBaseMs == 0 {
		p.RetryBackoffBaseMs = dp.RetryBackoffBaseMs
	}
	if p.RetryBackoffCapSecs == 0 {
		p.RetryBackoffCapSecs = dp.RetryBackoffCapSecs
	}
	b, db := &m.Backpressure, d.Backpressure
	if b.ElevatedThreshold == 0 {
		b.ElevatedThreshold = db.ElevatedThreshold
	}
	if b.CriticalThreshold == 0 {
		b.CriticalThreshold = db.CriticalThreshold
	}
	if b.TierRates == nil {
		b.TierRates = db.TierRates
	}
	return m
}

// PoolConfig converts the YAML units into the pool's native durations.
func (m ModelConfig) PoolConfig() pool.Config {
	p := m.Pool
	return pool.Config{
		MinWorkers:              p.MinWorkers,
		MaxWorkers:              p.MaxWorkers,
		TargetLatency:           time.Duration(p.TargetLatencyMs) * time.Millisecond,
		WorkerMemoryMB:          p.WorkerMemoryMB,
		ScaleInterval:           time.Duration(p.ScaleIntervalSecs) * time.Second,
		LowUtilizationThreshold: p.LowUtilizationThreshold,
		LowUtilizationWindow:    time.Duration(p.LowUtilizationWindowSec) * time.Second,
		AckTimeout:              time.Duration(p.AckTimeoutSecs) * time.Second,
		RetryBackoffBase:        time.Duration(p.RetryBackoffBaseMs) * time.Millisecond,
		RetryBackoffCap:         time.Duration(p.RetryBackoffCapSecs) * time.Second,
	}
}

// BackpressureConfig converts the YAML view into the controller's config.
func (m ModelConfig) BackpressureConfig() backpressure.Config {
	b := m.Backpressure
	cfg := backpressure.Config{
		QueueCapacity:     m.QueueCapacity,
		ElevatedThreshold: b.ElevatedThreshold,
		CriticalThreshold: b.CriticalThreshold,
	}
	if len(b.TierRates) > 0 {
		cfg.TierRates = make(map[constants.Priority]backpressure.TierRate, len(b.TierRates))
		for name, tr := range b.TierRates {
			cfg.TierRates[constants.Priority(name)] = backpressure.TierRate{
				PerSecond: tr.PerSecond,
				Burst:     tr.Burst,
			}
		}
	}
	return cfg
}

// EscalatorConfig converts the YAML units into the escalator's config.
func (c *Config) EscalatorConfig() escalate.Config {
	cfg := escalate.DefaultConfig()
	e := c.Escalator
	if e.IntervalSecs > 0 {
		cfg.Interval = time.Duration(e.IntervalSecs) * time.Second
	}
	if e.AgeBoostStepSecs > 0 {
		cfg.AgeBoostStep = time.Duration(e.AgeBoostStepSecs) * time.Second
	}
	if e.AgeBoostCap > 0 {
		cfg.AgeBoostCap = e.AgeBoostCap
	}
	if e.CriticalWindowSec > 0 {
		cfg.CriticalWindow = time.Duration(e.CriticalWindowSec) * time.Second
	}
	if e.UrgentWindowSecs > 0 {
		cfg.UrgentWindow = time.Duration(e.UrgentWindowSecs) * time.Second
	}
	return cfg
}

// CheckpointInterval returns the checkpoint cadence.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Checkpoint.IntervalSecs) * time.Second
}
