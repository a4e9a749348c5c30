package balancer

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy indexes. The numbering is the one carried by SET_LOAD_LB.
const (
	RoundRobinIndex = iota
	QueueLengthIndex
	FittingCPUShareIndex
	MinCPUShareIndex
	MinCPULoadQueueIndex
	AdaptiveIndex

	NumPolicies
)

// SelectorState is the serialisable state of a Selector.
type SelectorState struct {
	Index    int           `json:"index"`
	Cursor   int           `json:"cursor"`
	Adaptive AdaptiveState `json:"adaptive"`
}

// Selector holds one instance of every policy and routes decisions to the
// one selected by the current index. It is safe for concurrent use.
type Selector struct {
	mu       sync.Mutex
	index    int
	rr       *RoundRobin
	adaptive *Adaptive
	policies [NumPolicies]Policy
}

// NewSelector starts with policy index. rng drives the adaptive policy and
// may be nil.
func NewSelector(index int, rng *rand.Rand) (*Selector, error) {
	if err := validIndex(index); err != nil {
		return nil, err
	}
	s := &Selector{
		index:    index,
		rr:       NewRoundRobin(),
		adaptive: NewAdaptive(rng),
	}
	s.policies = [NumPolicies]Policy{
		RoundRobinIndex:      s.rr,
		QueueLengthIndex:     QueueLength{},
		FittingCPUShareIndex: FittingCPUShare{},
		MinCPUShareIndex:     MinCPUShare{},
		MinCPULoadQueueIndex: MinCPULoadQueue{},
		AdaptiveIndex:        s.adaptive,
	}
	return s, nil
}

func validIndex(i int) error {
	if i < 0 || i >= NumPolicies {
		return fmt.Errorf("%w: %d", ErrUnknownPolicy, i)
	}
	return nil
}

// PolicyName returns the name for a policy index, or "" if unknown.
func PolicyName(i int) string {
	names := [NumPolicies]string{
		RoundRobinIndex:      (*RoundRobin)(nil).Name(),
		QueueLengthIndex:     QueueLength{}.Name(),
		FittingCPUShareIndex: FittingCPUShare{}.Name(),
		MinCPUShareIndex:     MinCPUShare{}.Name(),
		MinCPULoadQueueIndex: MinCPULoadQueue{}.Name(),
		AdaptiveIndex:        (*Adaptive)(nil).Name(),
	}
	if validIndex(i) != nil {
		return ""
	}
	return names[i]
}

// Set switches to policy i. Unknown indexes leave the selection unchanged.
func (s *Selector) Set(i int) error {
	if err := validIndex(i); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = i
	s.mu.Unlock()
	return nil
}

// Current returns the active policy index.
func (s *Selector) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Name returns the active policy's name.
func (s *Selector) Name() string {
	return PolicyName(s.Current())
}

// Choose delegates to the active policy.
func (s *Selector) Choose(in Input) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	return s.policies[s.index].Choose(in)
}

// Learn feeds a completed job to the active policy if it learns.
func (s *Selector) Learn(jobID int, workers []Worker, pending []PendingJob, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.policies[s.index].(Learner)
	if !ok {
		return false
	}
	return l.Learn(jobID, workers, pending, now)
}

// Weights returns a copy of the adaptive policy's weights.
func (s *Selector) Weights() [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adaptive.Weights()
}

func (s *Selector) Snapshot() SelectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SelectorState{
		Index:    s.index,
		Cursor:   s.rr.Cursor(),
		Adaptive: s.adaptive.Snapshot(),
	}
}

func (s *Selector) Restore(st SelectorState) error {
	if err := validIndex(st.Index); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = st.Index
	s.rr.SetCursor(st.Cursor)
	s.adaptive.Restore(st.Adaptive)
	return nil
}
