// Package checkpoint persists the scheduler's durable state so queued
// work survives a restart. A checkpoint is a zstd-compressed JSON
// document written atomically: encode to a temp file, fsync, rename.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/praghav/modelqueue/internal/metrics"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// Version is bumped when the checkpoint layout changes incompatibly.
// Load refuses documents from a newer version rather than guessing.
const Version = 1

// Checkpoint is the durable scheduler state: every non-terminal request
// and the sizing descriptor of every pool. Live worker handles are not
// persisted; pools rebuild them on restart.
type Checkpoint struct {
	Version   int               `json:"version"`
	Sequence  uint64            `json:"sequence"`
	CreatedAt time.Time         `json:"created_at"`
	Requests  []*queue.Request  `json:"requests"`
	Pools     []pool.Descriptor `json:"pools"`
}

// Manager owns one checkpoint file. Saves are serialized; the sequence
// number increases monotonically within a process lifetime and resumes
// from the loaded checkpoint after a restart.
type Manager struct {
	path string

	mu  sync.Mutex
	seq uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Save writes the checkpoint atomically. The manager stamps Version,
// Sequence and CreatedAt; the caller supplies only the state.
func (m *Manager) Save(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	cp.Version = Version
	cp.Sequence = m.seq
	cp.CreatedAt = time.Now().UTC()

	if err := m.writeLocked(cp); err != nil {
		metrics.RecordCheckpoint("error")
		return err
	}
	metrics.RecordCheckpoint("ok")
	log.Printf("checkpoint %d written: %d requests, %d pools", cp.Sequence, len(cp.Requests), len(cp.Pools))
	return nil
}

func (m *Manager) writeLocked(cp *Checkpoint) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("init zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(cp); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush zstd stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint file. A missing file is a cold start and
// returns (nil, nil); a corrupt or future-versioned file is an error
// for the caller to log before cold-starting anyway.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	var cp Checkpoint
	if err := jd.Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	// Reject trailing garbage after the document.
	if err := jd.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("checkpoint has trailing data")
	}

	if cp.Version > Version {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported version %d", cp.Version, Version)
	}

	m.seq = cp.Sequence
	return &cp, nil
}

// Available reports whether a checkpoint file exists on disk.
func (m *Manager) Available() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Remove deletes the checkpoint file, for tests and explicit resets.
func (m *Manager) Remove() error {
	err := os.Remove(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
