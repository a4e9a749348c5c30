package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
)

// ErrUnknownJob is returned for a job id that is not in the ledger.
var ErrUnknownJob = errors.New("unknown job")

// FirstJobID is the id given to the first job of a fresh ledger.
const FirstJobID = 1

// TaskMetadata is the ledger row of one submitted job. Job.ID holds the
// coordinator's id; OriginalJobID is the id the user chose and is restored on
// the result before it is forwarded.
//
// Optional fields are set once and then left alone, so copies may share them.
type TaskMetadata struct {
	JobID         int         `json:"job_id"`
	OriginalJobID int         `json:"original_job_id"`
	Job           cluster.Job `json:"job"`
	Owner         int         `json:"owner"`
	Assignee      *int        `json:"assignee,omitempty"`
	SubmitTime    time.Time   `json:"submit_time"`
	DispatchTime  *time.Time  `json:"dispatch_time,omitempty"`
	CompleteTime  *time.Time  `json:"complete_time,omitempty"`
	CPUShare      *float64    `json:"cpu_share,omitempty"`
}

// ExecutionTime is the time from dispatch to completion, zero if either is
// unknown.
func (t TaskMetadata) ExecutionTime() time.Duration {
	if t.DispatchTime == nil || t.CompleteTime == nil {
		return 0
	}
	return t.CompleteTime.Sub(*t.DispatchTime)
}

func (t TaskMetadata) view() balancer.PendingJob {
	p := balancer.PendingJob{JobID: t.JobID, JobType: t.Job.Type, SubmitTime: t.SubmitTime}
	if t.Assignee != nil {
		p.Assigned = true
		p.AssigneeID = *t.Assignee
	}
	if t.DispatchTime != nil {
		p.DispatchTime = *t.DispatchTime
	}
	return p
}

func pendingViews(rows []TaskMetadata) []balancer.PendingJob {
	out := make([]balancer.PendingJob, len(rows))
	for i, r := range rows {
		out[i] = r.view()
	}
	return out
}

// Ledger tracks every job from submission until its result is handled.
type Ledger struct {
	rows   map[int]*TaskMetadata
	nextID int
	now    func() time.Time
	mu     sync.RWMutex
}

func NewLedger() *Ledger {
	return &Ledger{rows: make(map[int]*TaskMetadata), nextID: FirstJobID, now: time.Now}
}

// Submit records a new job for owner under a fresh id and returns the row.
func (l *Ledger) Submit(owner int, job cluster.Job) TaskMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	original := job.ID
	job.ID = id
	row := &TaskMetadata{
		JobID:         id,
		OriginalJobID: original,
		Job:           job,
		Owner:         owner,
		SubmitTime:    l.now(),
	}
	l.rows[id] = row
	return *row
}

// Assign records that the job was handed to worker.
func (l *Ledger) Assign(jobID, worker int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	now := l.now()
	row.Assignee = &worker
	row.DispatchTime = &now
	return nil
}

// Complete stamps the completion and removes the row, returning it.
func (l *Ledger) Complete(jobID int, cpuShare float64) (TaskMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[jobID]
	if !ok {
		return TaskMetadata{}, fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	delete(l.rows, jobID)
	now := l.now()
	row.CompleteTime = &now
	row.CPUShare = &cpuShare
	return *row, nil
}

func (l *Ledger) Get(jobID int) (TaskMetadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.rows[jobID]
	if !ok {
		return TaskMetadata{}, false
	}
	return *row, true
}

// Pending returns all rows ordered by job id.
func (l *Ledger) Pending() []TaskMetadata {
	l.mu.RLock()
	out := make([]TaskMetadata, 0, len(l.rows))
	for _, r := range l.rows {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

type ledgerState struct {
	Jobs   []TaskMetadata `json:"jobs"`
	NextID int            `json:"next_id"`
}

func (l *Ledger) snapshot() ledgerState {
	rows := l.Pending()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ledgerState{Jobs: rows, NextID: l.nextID}
}

func (l *Ledger) restore(st ledgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rows = make(map[int]*TaskMetadata, len(st.Jobs))
	next := FirstJobID
	for i := range st.Jobs {
		row := st.Jobs[i]
		l.rows[row.JobID] = &row
		if row.JobID >= next {
			next = row.JobID + 1
		}
	}
	l.nextID = max(st.NextID, next)
}
