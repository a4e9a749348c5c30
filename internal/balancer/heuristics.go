package balancer

import "math"

// RoundRobin rotates a single cursor over the active workers. The cursor
// survives policy switches and changes in the worker count.
type RoundRobin struct {
	cursor int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursor: -1}
}

func (*RoundRobin) Name() string { return "round-robin" }

func (r *RoundRobin) Choose(in Input) (int, error) {
	n := len(in.Workers)
	if n == 0 {
		return 0, ErrNoWorkerAvailable
	}
	r.cursor = (r.cursor + 1) % n
	if r.cursor < 0 {
		r.cursor += n
	}
	return r.cursor, nil
}

// Cursor returns the index chosen last, -1 before the first choice.
func (r *RoundRobin) Cursor() int { return r.cursor }

func (r *RoundRobin) SetCursor(c int) { r.cursor = c }

// QueueLength picks the worker with the fewest jobs assigned in the ledger.
type QueueLength struct{}

func (QueueLength) Name() string { return "queue-length" }

func (QueueLength) Choose(in Input) (int, error) {
	if len(in.Workers) == 0 {
		return 0, ErrNoWorkerAvailable
	}
	counts := make(map[int]int, len(in.Workers))
	for _, p := range in.Pending {
		if p.Assigned {
			counts[p.AssigneeID]++
		}
	}
	best, least := 0, math.MaxInt
	for i, w := range in.Workers {
		if c := counts[w.ID]; c < least {
			best, least = i, c
		}
	}
	return best, nil
}

// MinCPUShare picks the worker with the lowest reported cpu load. Workers
// that have not reported are never chosen.
type MinCPUShare struct{}

func (MinCPUShare) Name() string { return "min-cpu-share" }

func (MinCPUShare) Choose(in Input) (int, error) {
	best, least := -1, math.Inf(1)
	for i, w := range in.Workers {
		if load := cpuLoad(w); load < least {
			best, least = i, load
		}
	}
	if best < 0 {
		return 0, ErrNoWorkerAvailable
	}
	return best, nil
}

func cpuLoad(w Worker) float64 {
	if w.Performance == nil {
		return math.Inf(1)
	}
	return w.Performance.CPULoad
}

// FittingCPUShare picks the first worker whose free cpu exceeds the average
// share of the job's type, falling back to MinCPUShare when the type has no
// history or nothing fits.
type FittingCPUShare struct{}

func (FittingCPUShare) Name() string { return "fitting-cpu-share" }

func (FittingCPUShare) Choose(in Input) (int, error) {
	if len(in.Workers) == 0 {
		return 0, ErrNoWorkerAvailable
	}
	if est, ok := in.averageShare(in.JobType); ok {
		for i, w := range in.Workers {
			if est < 1-cpuLoad(w) {
				return i, nil
			}
		}
	}
	return MinCPUShare{}.Choose(in)
}

// UnknownTypeWeight is the cpu share assumed for a job type with no history.
const UnknownTypeWeight = 0.5

// MinCPULoadQueue picks the worker whose queued jobs add up to the smallest
// estimated cpu demand.
type MinCPULoadQueue struct{}

func (MinCPULoadQueue) Name() string { return "min-cpu-load-queue" }

func (MinCPULoadQueue) Choose(in Input) (int, error) {
	if len(in.Workers) == 0 {
		return 0, ErrNoWorkerAvailable
	}
	demand := make(map[int]float64, len(in.Workers))
	for _, p := range in.Pending {
		if !p.Assigned {
			continue
		}
		share, ok := in.averageShare(p.JobType)
		if !ok {
			share = UnknownTypeWeight
		}
		demand[p.AssigneeID] += share
	}
	best, least := 0, math.Inf(1)
	for i, w := range in.Workers {
		if d := demand[w.ID]; d < least {
			best, least = i, d
		}
	}
	return best, nil
}
