package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSelectorIndexes verifies index validation and names.
func TestSelectorIndexes(t *testing.T) {
	_, err := NewSelector(NumPolicies, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	s, err := NewSelector(MinCPUShareIndex, nil)
	require.NoError(t, err)
	assert.Equal(t, "min-cpu-share", s.Name())

	assert.ErrorIs(t, s.Set(-1), ErrUnknownPolicy)
	assert.ErrorIs(t, s.Set(6), ErrUnknownPolicy)
	assert.Equal(t, MinCPUShareIndex, s.Current(), "rejected index leaves selection unchanged")

	names := map[int]string{
		0: "round-robin", 1: "queue-length", 2: "fitting-cpu-share",
		3: "min-cpu-share", 4: "min-cpu-load-queue", 5: "adaptive",
	}
	for i, name := range names {
		assert.Equal(t, name, PolicyName(i))
	}
	assert.Empty(t, PolicyName(7))
}

// TestSelectorCursorSurvivesSwitch checks round-robin resumes where it left off.
func TestSelectorCursorSurvivesSwitch(t *testing.T) {
	s, err := NewSelector(RoundRobinIndex, nil)
	require.NoError(t, err)
	in := Input{Workers: []Worker{{ID: 1}, {ID: 2}, {ID: 3}}}

	for _, want := range []int{0, 1} {
		got, err := s.Choose(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, s.Set(QueueLengthIndex))
	_, err = s.Choose(in)
	require.NoError(t, err)

	require.NoError(t, s.Set(RoundRobinIndex))
	got, err := s.Choose(in)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

// TestSelectorLearnOnlyWhenAdaptive ensures heuristics ignore completions.
func TestSelectorLearnOnlyWhenAdaptive(t *testing.T) {
	s, err := NewSelector(AdaptiveIndex, seeded())
	require.NoError(t, err)
	workers := []Worker{{ID: 1, Performance: perf(0.5, 1)}}
	_, err = s.Choose(Input{Workers: workers, JobID: 1})
	require.NoError(t, err)
	_, err = s.Choose(Input{Workers: workers, JobID: 2})
	require.NoError(t, err)

	assert.True(t, s.Learn(1, workers, nil, time.Now()))

	require.NoError(t, s.Set(RoundRobinIndex))
	assert.False(t, s.Learn(2, workers, nil, time.Now()))
}

// TestSelectorSnapshotRestore carries index, cursor and weights over.
func TestSelectorSnapshotRestore(t *testing.T) {
	s, err := NewSelector(RoundRobinIndex, nil)
	require.NoError(t, err)
	in := Input{Workers: []Worker{{ID: 1}, {ID: 2}}}
	_, _ = s.Choose(in)
	s.adaptive.weights = [][]float64{{0.5, 0.5}}

	st := s.Snapshot()

	restored, err := NewSelector(QueueLengthIndex, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, RoundRobinIndex, restored.Current())
	assert.Equal(t, [][]float64{{0.5, 0.5}}, restored.Weights())

	got, err := restored.Choose(in)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	assert.ErrorIs(t, restored.Restore(SelectorState{Index: 9}), ErrUnknownPolicy)
}
