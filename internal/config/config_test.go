package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praghav/modelqueue/internal/common/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.ListenAddr)
	assert.Equal(t, "least_loaded", cfg.Scheduler.Balancer)
	assert.Equal(t, 1000, cfg.Defaults.QueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval())
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
scheduler:
  balancer: round_robin
checkpoint:
  path: /var/lib/mq/scheduler.ckpt
  interval_secs: 5
models:
  - model_id: llama-7b
    queue_capacity: 200
    pool:
      max_workers: 4
      target_latency_ms: 100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "round_robin", cfg.Scheduler.Balancer)
	assert.Equal(t, 5*time.Second, cfg.CheckpointInterval())

	m := cfg.Model("llama-7b")
	assert.Equal(t, 200, m.QueueCapacity)

	pc := m.PoolConfig()
	assert.Equal(t, 4, pc.MaxWorkers)
	assert.Equal(t, 100*time.Millisecond, pc.TargetLatency)
	// Unset fields inherit the defaults.
	assert.Equal(t, 1, pc.MinWorkers)
	assert.Equal(t, uint64(4096), pc.WorkerMemoryMB)
	assert.Equal(t, 5*time.Second, pc.AckTimeout)
}

func TestModelFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	m := cfg.Model("unlisted-model")
	assert.Equal(t, "unlisted-model", m.ModelID)
	assert.Equal(t, 1000, m.QueueCapacity)

	bc := m.BackpressureConfig()
	assert.Equal(t, 1000, bc.QueueCapacity)
	assert.InDelta(t, 0.7, bc.ElevatedThreshold, 1e-9)
	assert.InDelta(t, 0.9, bc.CriticalThreshold, 1e-9)
}

func TestTierRatesParse(t *testing.T) {
	path := writeConfig(t, `
defaults:
  backpressure:
    tier_rates:
      low:
        per_second: 10
        burst: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	bc := cfg.Model("any").BackpressureConfig()
	require.Contains(t, bc.TierRates, constants.PriorityLow)
	assert.InDelta(t, 10.0, bc.TierRates[constants.PriorityLow].PerSecond, 1e-9)
	assert.Equal(t, 5, bc.TierRates[constants.PriorityLow].Burst)
}

func TestEscalatorConfigConversion(t *testing.T) {
	path := writeConfig(t, `
escalator:
  interval_secs: 2
  age_boost_cap: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	ec := cfg.EscalatorConfig()
	assert.Equal(t, 2*time.Second, ec.Interval)
	assert.Equal(t, 4, ec.AgeBoostCap)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 30*time.Second, ec.AgeBoostStep)
	assert.Equal(t, 10*time.Second, ec.CriticalWindow)
}

func TestValidateRejectsBadInput(t *testing.T) {
	for name, body := range map[string]string{
		"missing model_id":  "models:\n  - queue_capacity: 10\n",
		"duplicate model":   "models:\n  - model_id: a\n  - model_id: a\n",
		"unknown balancer":  "scheduler:\n  balancer: fastest\n",
		"unknown tier rate": "defaults:\n  backpressure:\n    tier_rates:\n      platinum:\n        per_second: 1\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
