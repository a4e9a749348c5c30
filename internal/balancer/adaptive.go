package balancer

import (
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/exp/slices"
)

const (
	DefaultAlpha = 0.2
	DefaultGamma = 0.2

	// temperature scales Q values before the softmax.
	temperature = 10.0
)

// State is the feature view of the active workers, ordered by worker id.
type State struct {
	IDs         []int     `json:"ids"`
	CPULoads    []float64 `json:"cpu_loads"`
	Outstanding []int     `json:"outstanding"`
}

// NewState orders workers by id. A worker that has not reported yet
// contributes zero load and zero outstanding jobs.
func NewState(workers []Worker) State {
	sorted := slices.Clone(workers)
	slices.SortFunc(sorted, func(a, b Worker) int { return a.ID - b.ID })

	s := State{
		IDs:         make([]int, len(sorted)),
		CPULoads:    make([]float64, len(sorted)),
		Outstanding: make([]int, len(sorted)),
	}
	for i, w := range sorted {
		s.IDs[i] = w.ID
		if w.Performance != nil {
			s.CPULoads[i] = w.Performance.CPULoad
			s.Outstanding[i] = w.Performance.OutstandingJobs
		}
	}
	return s
}

// Len is the number of workers in the state.
func (s State) Len() int { return len(s.IDs) }

// Features returns [cpu_1..N, outstanding_1..N].
func (s State) Features() []float64 {
	n := s.Len()
	f := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		f[i] = s.CPULoads[i]
		f[n+i] = float64(s.Outstanding[i])
	}
	return f
}

// UpdatingItem is the bookkeeping for one dispatched job, kept until its
// result arrives.
type UpdatingItem struct {
	State      State    `json:"state"`
	Action     int      `json:"action"`
	StatePrime *State   `json:"state_prime,omitempty"`
	Reward     *float64 `json:"reward,omitempty"`
}

// AdaptiveState is the serialisable part of an Adaptive policy.
type AdaptiveState struct {
	Weights [][]float64           `json:"weights"`
	Items   map[int]*UpdatingItem `json:"items"`
}

// Adaptive is a linear Q-learning policy. Actions are workers in id order;
// the weight matrix has one row of 2N weights per action and is rebuilt at
// zero whenever the number of active workers changes.
type Adaptive struct {
	Alpha float64
	Gamma float64

	weights [][]float64
	items   map[int]*UpdatingItem
	rng     *rand.Rand
}

// NewAdaptive returns a policy drawing actions from rng. A nil rng is seeded
// randomly.
func NewAdaptive(rng *rand.Rand) *Adaptive {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Adaptive{
		Alpha: DefaultAlpha,
		Gamma: DefaultGamma,
		items: make(map[int]*UpdatingItem),
		rng:   rng,
	}
}

func (*Adaptive) Name() string { return "adaptive" }

func (a *Adaptive) ensureWeights(n int) {
	if len(a.weights) == n && (n == 0 || len(a.weights[0]) == 2*n) {
		return
	}
	a.weights = make([][]float64, n)
	for i := range a.weights {
		a.weights[i] = make([]float64, 2*n)
	}
}

// Q returns the value of every action in state s. It returns nil when the
// weight matrix does not match the state's dimension.
func (a *Adaptive) Q(s State) []float64 {
	f := s.Features()
	if len(a.weights) != s.Len() {
		return nil
	}
	q := make([]float64, len(a.weights))
	for i, row := range a.weights {
		if len(row) != len(f) {
			return nil
		}
		var sum float64
		for j, w := range row {
			sum += w * f[j]
		}
		q[i] = sum
	}
	return q
}

// Choose draws an action from the softmax of the current Q values and
// records the state it was taken in under in.JobID.
func (a *Adaptive) Choose(in Input) (int, error) {
	n := len(in.Workers)
	if n == 0 {
		return 0, ErrNoWorkerAvailable
	}
	s := NewState(in.Workers)
	a.ensureWeights(n)
	action := a.draw(softmax(a.Q(s)))
	a.items[in.JobID] = &UpdatingItem{State: s, Action: action}

	id := s.IDs[action]
	idx := slices.IndexFunc(in.Workers, func(w Worker) bool { return w.ID == id })
	return idx, nil
}

func softmax(q []float64) []float64 {
	p := make([]float64, len(q))
	var sum float64
	for i, v := range q {
		p[i] = math.Exp(v / temperature)
		sum += p[i]
	}
	if sum == 0 {
		sum = 1
	}
	for i := range p {
		p[i] /= sum
	}
	return p
}

// draw picks the first action whose cumulative probability exceeds a
// uniform sample, or a uniform action if rounding leaves none.
func (a *Adaptive) draw(p []float64) int {
	r := a.rng.Float64()
	var cum float64
	for i, v := range p {
		cum += v
		if r < cum {
			return i
		}
	}
	return a.rng.IntN(len(p))
}

// Learn applies one semi-gradient update for the completed job. The next
// state is built from the current workers and the reward is the negated
// total waiting time, in seconds, of the still pending jobs. It reports
// whether the weights changed; jobs it never dispatched and jobs whose
// worker count no longer matches are skipped.
func (a *Adaptive) Learn(jobID int, workers []Worker, pending []PendingJob, now time.Time) bool {
	item, ok := a.items[jobID]
	if !ok {
		return false
	}
	delete(a.items, jobID)

	prime := NewState(workers)
	var waited float64
	for _, p := range pending {
		waited += p.WaitingTime(now).Seconds()
	}
	reward := -waited
	item.StatePrime = &prime
	item.Reward = &reward

	qPrime := a.Q(prime)
	q := a.Q(item.State)
	if len(qPrime) == 0 || q == nil || item.Action >= len(a.weights) {
		return false
	}

	// The gradient is the stored state's feature vector; it is the same
	// whichever action currently has the highest value.
	grad := item.State.Features()
	delta := reward + a.Gamma*slices.Max(qPrime) - q[item.Action]

	row := a.weights[item.Action]
	var sum float64
	for j := range row {
		row[j] += a.Alpha * delta * grad[j]
		sum += row[j]
	}
	if sum != 0 {
		for j := range row {
			row[j] /= sum
		}
	}
	return true
}

// Pending reports how many dispatched jobs await their result.
func (a *Adaptive) Pending() int { return len(a.items) }

// Weights returns a copy of the weight matrix.
func (a *Adaptive) Weights() [][]float64 {
	out := make([][]float64, len(a.weights))
	for i, row := range a.weights {
		out[i] = slices.Clone(row)
	}
	return out
}

// Snapshot captures weights and outstanding items.
func (a *Adaptive) Snapshot() AdaptiveState {
	items := make(map[int]*UpdatingItem, len(a.items))
	for id, it := range a.items {
		cp := *it
		items[id] = &cp
	}
	return AdaptiveState{Weights: a.Weights(), Items: items}
}

// Restore replaces the learned state.
func (a *Adaptive) Restore(st AdaptiveState) {
	a.weights = st.Weights
	a.items = st.Items
	if a.items == nil {
		a.items = make(map[int]*UpdatingItem)
	}
}
