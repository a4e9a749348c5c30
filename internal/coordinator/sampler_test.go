package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
)

// TestSamplerReadsEngine checks a single reading.
func TestSamplerReadsEngine(t *testing.T) {
	e, _ := newTestEngine(t, balancer.MinCPULoadQueueIndex)
	syncNode(t, e, 7001, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	submit(e, user, 1, "A")
	e.mailbox.Park(user, result(t, 1, 1, "r"))

	s := NewSampler(e, time.Hour)
	got := s.Sample()
	assert.Equal(t, Sample{
		ActiveWorkers: 1,
		PendingJobs:   1,
		QueuedEvents:  1,
		Parcels:       1,
		Policy:        balancer.MinCPULoadQueueIndex,
	}, got)
}

// TestSamplerStartStop samples on every tick until stopped.
func TestSamplerStartStop(t *testing.T) {
	e, _ := newTestEngine(t, balancer.RoundRobinIndex)
	s := NewSampler(e, 10*time.Millisecond)

	var mu sync.Mutex
	count := 0
	s.onSample = func(Sample) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	go s.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}
