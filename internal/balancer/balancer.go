package balancer

import (
	"errors"
	"time"

	"github.com/dreamware/relay/internal/cluster"
)

var (
	// ErrNoWorkerAvailable is returned when no active worker can take a job.
	ErrNoWorkerAvailable = errors.New("no worker available")

	// ErrUnknownPolicy is returned for a policy index outside the known set.
	ErrUnknownPolicy = errors.New("unknown load balancing policy")
)

// Worker is the view of an active worker that policies choose among.
// Performance is nil until the worker has reported STATS.
type Worker struct {
	ID          int
	Performance *cluster.Performance
}

// PendingJob is the view of one ledger row that policies inspect.
type PendingJob struct {
	JobID        int
	JobType      string
	AssigneeID   int
	Assigned     bool
	SubmitTime   time.Time
	DispatchTime time.Time
}

// WaitingTime is the time the job spent, or has so far spent, waiting for a
// worker.
func (p PendingJob) WaitingTime(now time.Time) time.Duration {
	if p.Assigned {
		return p.DispatchTime.Sub(p.SubmitTime)
	}
	return now.Sub(p.SubmitTime)
}

// ShareEstimator reports the average cpu share observed for a job type.
type ShareEstimator interface {
	AverageShare(jobType string) (float64, bool)
}

// Input is everything a policy may look at for one decision.
type Input struct {
	Workers   []Worker
	Pending   []PendingJob
	JobID     int
	JobType   string
	Estimator ShareEstimator
	Now       time.Time
}

func (in Input) averageShare(jobType string) (float64, bool) {
	if in.Estimator == nil {
		return 0, false
	}
	return in.Estimator.AverageShare(jobType)
}

// Policy picks a worker for a job. Choose returns an index into in.Workers.
// Implementations are not safe for concurrent use; Selector serialises them.
type Policy interface {
	Name() string
	Choose(in Input) (int, error)
}

// Learner is implemented by policies that learn from completed jobs.
type Learner interface {
	Learn(jobID int, workers []Worker, pending []PendingJob, now time.Time) bool
}
