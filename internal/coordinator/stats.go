package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TypeStats accumulates the cpu share of completed jobs of one type.
type TypeStats struct {
	Count           int     `json:"count"`
	CumulativeShare float64 `json:"cumulative_share"`
}

// Average is the mean cpu share per job.
func (t TypeStats) Average() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.CumulativeShare / float64(t.Count)
}

// AggregateStats summarises the completed jobs since the last reset.
type AggregateStats struct {
	Completed        int           `json:"completed"`
	Throughput       float64       `json:"throughput_per_minute"`
	AverageExecution time.Duration `json:"average_execution_ns"`
	Since            time.Time     `json:"since"`
}

func (a AggregateStats) String() string {
	return fmt.Sprintf("Total processed: %d\nThroughput: %.3f/min\nAvg. exec. time: %s",
		a.Completed, a.Throughput, a.AverageExecution)
}

// Stats holds running performance statistics. They are cleared whenever
// the load balancing policy changes so that a new policy starts from a fresh
// basis.
type Stats struct {
	types     map[string]*TypeStats
	completed []TaskMetadata
	resetAt   time.Time
	lastDone  time.Time
	now       func() time.Time
	mu        sync.RWMutex
}

func NewStats() *Stats {
	s := &Stats{now: time.Now}
	s.Reset()
	return s
}

// Reset clears every counter and restarts the throughput window.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[string]*TypeStats)
	s.completed = nil
	s.resetAt = s.now()
	s.lastDone = time.Time{}
}

// RecordCompletion adds one job of jobType that used cpuShare.
func (s *Stats) RecordCompletion(jobType string, cpuShare float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(jobType, cpuShare)
}

func (s *Stats) recordLocked(jobType string, cpuShare float64) {
	t, ok := s.types[jobType]
	if !ok {
		t = &TypeStats{}
		s.types[jobType] = t
	}
	t.Count++
	t.CumulativeShare += cpuShare
	s.lastDone = s.now()
}

// Record logs a completed ledger row and its cpu share.
func (s *Stats) Record(tm TaskMetadata) {
	var share float64
	if tm.CPUShare != nil {
		share = *tm.CPUShare
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(tm.Job.Type, share)
	s.completed = append(s.completed, tm)
}

// AverageShare implements balancer.ShareEstimator.
func (s *Stats) AverageShare(jobType string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[jobType]
	if !ok || t.Count == 0 {
		return 0, false
	}
	return t.Average(), true
}

// Throughput is completed jobs per minute, measured from the last reset to
// the last completion so idle time after a batch does not dilute it.
func (s *Stats) Throughput() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throughputLocked()
}

func (s *Stats) throughputLocked() float64 {
	n := 0
	for _, t := range s.types {
		n += t.Count
	}
	minutes := s.lastDone.Sub(s.resetAt).Minutes()
	if n == 0 || minutes <= 0 {
		return 0
	}
	return float64(n) / minutes
}

// AverageExecutionTime is the mean dispatch-to-completion time of logged jobs.
func (s *Stats) AverageExecutionTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avgExecLocked()
}

func (s *Stats) avgExecLocked() time.Duration {
	var total time.Duration
	n := 0
	for _, tm := range s.completed {
		if tm.DispatchTime == nil || tm.CompleteTime == nil {
			continue
		}
		total += tm.ExecutionTime()
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Completed returns the completed-job log since the last reset.
func (s *Stats) Completed() []TaskMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskMetadata, len(s.completed))
	copy(out, s.completed)
	return out
}

// JobTypes returns a copy of the per-type counters.
func (s *Stats) JobTypes() map[string]TypeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TypeStats, len(s.types))
	for k, v := range s.types {
		out[k] = *v
	}
	return out
}

// JobTypeNames returns the known job types sorted.
func (s *Stats) JobTypeNames() []string {
	types := s.JobTypes()
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *Stats) Aggregate() AggregateStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AggregateStats{
		Completed:        len(s.completed),
		Throughput:       s.throughputLocked(),
		AverageExecution: s.avgExecLocked(),
		Since:            s.resetAt,
	}
}

type statsState struct {
	Types     map[string]TypeStats `json:"types"`
	Completed []TaskMetadata       `json:"completed"`
	ResetAt   time.Time            `json:"reset_at"`
	LastDone  time.Time            `json:"last_done"`
}

func (s *Stats) snapshot() statsState {
	types := s.JobTypes()
	completed := s.Completed()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsState{Types: types, Completed: completed, ResetAt: s.resetAt, LastDone: s.lastDone}
}

func (s *Stats) restore(st statsState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[string]*TypeStats, len(st.Types))
	for k, v := range st.Types {
		v := v
		s.types[k] = &v
	}
	s.completed = st.Completed
	s.resetAt = st.ResetAt
	s.lastDone = st.LastDone
}
