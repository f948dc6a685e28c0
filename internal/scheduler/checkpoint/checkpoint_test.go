package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Requests: []*queue.Request{
			{
				ID:                "req-1",
				ModelID:           "llama-7b",
				Priority:          constants.PriorityVIP,
				EffectivePriority: constants.PriorityVIP.Weight(),
				EnqueuedAt:        time.Now().UTC().Truncate(time.Millisecond),
				State:             constants.RequestStateQueued,
				MaxRetries:        3,
				EstimatedTokens:   512,
				Metadata:          map[string]string{"tenant": "acme"},
			},
			{
				ID:                "req-2",
				ModelID:           "llama-7b",
				Priority:          constants.PriorityLow,
				EffectivePriority: 5,
				EnqueuedAt:        time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond),
				State:             constants.RequestStateRunning,
				RetryCount:        1,
				MaxRetries:        3,
			},
		},
		Pools: []pool.Descriptor{
			{
				ModelID:         "llama-7b",
				MinWorkers:      1,
				MaxWorkers:      8,
				TargetLatencyMs: 250,
				WorkerMemoryMB:  4096,
				Workers:         3,
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.ckpt")
	m := NewManager(path)

	require.NoError(t, m.Save(sampleCheckpoint()))

	got, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, Version, got.Version)
	assert.Equal(t, uint64(1), got.Sequence)
	require.Len(t, got.Requests, 2)
	assert.Equal(t, "req-1", got.Requests[0].ID)
	assert.Equal(t, constants.PriorityVIP, got.Requests[0].Priority)
	assert.Equal(t, "acme", got.Requests[0].Metadata["tenant"])
	assert.Equal(t, 1, got.Requests[1].RetryCount)
	require.Len(t, got.Pools, 1)
	assert.Equal(t, 8, got.Pools[0].MaxWorkers)
}

func TestSequenceIsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.ckpt")
	m := NewManager(path)

	require.NoError(t, m.Save(sampleCheckpoint()))
	require.NoError(t, m.Save(sampleCheckpoint()))
	require.NoError(t, m.Save(sampleCheckpoint()))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Sequence)

	// A fresh manager over the same file resumes the sequence.
	m2 := NewManager(path)
	_, err = m2.Load()
	require.NoError(t, err)
	require.NoError(t, m2.Save(sampleCheckpoint()))

	got, err = m2.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Sequence)
}

func TestLoadMissingFileIsColdStart(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "never-written.ckpt"))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not a zstd frame"), 0o644))

	_, err := NewManager(path).Load()
	assert.Error(t, err)
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.ckpt")
	m := NewManager(path)

	cp := sampleCheckpoint()
	require.NoError(t, m.Save(cp))

	// Rewrite the saved document claiming a future version.
	cp.Version = Version + 1
	require.NoError(t, m.writeLocked(cp))

	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.ckpt")
	require.NoError(t, NewManager(path).Save(sampleCheckpoint()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduler.ckpt", entries[0].Name())
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.ckpt")
	m := NewManager(path)

	require.NoError(t, m.Remove(), "removing a missing checkpoint is not an error")

	require.NoError(t, m.Save(sampleCheckpoint()))
	require.NoError(t, m.Remove())

	got, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}
