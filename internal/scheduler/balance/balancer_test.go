package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praghav/modelqueue/internal/common/constants"
)

func idleWorker(id string, completed uint64, timeToFree time.Duration) WorkerView {
	return WorkerView{
		WorkerID:   id,
		ModelID:    "llama-7b",
		State:      constants.WorkerStateIdle,
		Completed:  completed,
		TimeToFree: timeToFree,
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{"round_robin", "least_loaded", "earliest_completion"} {
		s, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "least_loaded", s.Name(), "empty name falls back to the default")

	_, err = New("bogus")
	assert.Error(t, err)
}

func TestRoundRobinRotates(t *testing.T) {
	s, err := New("round_robin")
	require.NoError(t, err)

	candidates := []WorkerView{
		idleWorker("w-b", 10, 0),
		idleWorker("w-a", 0, 0),
		idleWorker("w-c", 5, 0),
	}

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, s.Pick(candidates).WorkerID)
	}
	assert.Equal(t, []string{"w-a", "w-b", "w-c", "w-a", "w-b", "w-c"}, got)
}

func TestLeastLoadedPicksFewestCompleted(t *testing.T) {
	s, err := New("least_loaded")
	require.NoError(t, err)

	pick := s.Pick([]WorkerView{
		idleWorker("w-1", 12, 0),
		idleWorker("w-2", 3, 0),
		idleWorker("w-3", 7, 0),
	})
	require.NotNil(t, pick)
	assert.Equal(t, "w-2", pick.WorkerID)

	// Ties break on worker id for determinism.
	pick = s.Pick([]WorkerView{
		idleWorker("w-9", 3, 0),
		idleWorker("w-2", 3, 0),
	})
	assert.Equal(t, "w-2", pick.WorkerID)
}

func TestEarliestCompletionPicksLowestETA(t *testing.T) {
	s, err := New("earliest_completion")
	require.NoError(t, err)

	pick := s.Pick([]WorkerView{
		idleWorker("w-1", 0, 2*time.Second),
		idleWorker("w-2", 0, 500*time.Millisecond),
		idleWorker("w-3", 0, 1500*time.Millisecond),
	})
	require.NotNil(t, pick)
	assert.Equal(t, "w-2", pick.WorkerID)
}

func TestEmptyCandidates(t *testing.T) {
	for _, name := range []string{"round_robin", "least_loaded", "earliest_completion"} {
		s, err := New(name)
		require.NoError(t, err)
		assert.Nil(t, s.Pick(nil), name)
	}
}

func TestNonIdleCandidatePanics(t *testing.T) {
	s, err := New("least_loaded")
	require.NoError(t, err)

	busy := idleWorker("w-1", 0, 0)
	busy.State = constants.WorkerStateBusy

	assert.Panics(t, func() {
		s.Pick([]WorkerView{busy})
	})
}
