package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/metrics"
)

// DefaultIdlePoll bounds how long a held job waits for a registry change
// before the policy is asked again.
const DefaultIdlePoll = 5 * time.Second

// Deliverer performs a handshake delivery. *cluster.Courier implements it.
type Deliverer interface {
	Deliver(ctx context.Context, addr string, expectedID int, msg cluster.Message) error
}

// Dispatcher is the single consumer of the event queue. It hands NEW_TASK
// events to workers and RESULT events to owners, one delivery at a time.
// Jobs no worker can take move to the held queue so the events behind
// them keep flowing; they are retried when the registry changes or the
// idle poll elapses.
type Dispatcher struct {
	registry *AccountRegistry
	ledger   *Ledger
	stats    *Stats
	mailbox  *Mailbox
	selector *balancer.Selector
	events   *Queue[cluster.Message]
	held     *Queue[cluster.Message]
	courier  Deliverer
	log      *logging.Logger
	idlePoll time.Duration
	now      func() time.Time

	heldChanged <-chan struct{}
	retryAt     time.Time
}

// Run drains the event queue until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", "policy", d.selector.Name())
	for {
		if ctx.Err() != nil {
			break
		}
		if d.due() {
			d.retryHeld(ctx)
			continue
		}
		msg, ok, err := d.next(ctx)
		if err != nil {
			break
		}
		if ok {
			d.handle(ctx, msg)
		}
	}
	d.log.Info("dispatcher stopped", "held", d.held.Len())
	return nil
}

// next pops an event, returning early when held jobs become due.
func (d *Dispatcher) next(ctx context.Context) (cluster.Message, bool, error) {
	if d.held.Len() == 0 {
		msg, err := d.events.Pop(ctx)
		return msg, err == nil, err
	}
	t := time.NewTimer(time.Until(d.retryAt))
	defer t.Stop()
	return d.events.PopOr(ctx, d.heldChanged, t.C)
}

// due reports whether held jobs should go back to the policy.
func (d *Dispatcher) due() bool {
	if d.held.Len() == 0 {
		return false
	}
	select {
	case <-d.heldChanged:
		return true
	default:
	}
	return !time.Now().Before(d.retryAt)
}

// hold parks a job no worker could take. changed is the registry signal
// captured before the policy was consulted.
func (d *Dispatcher) hold(msg cluster.Message, changed <-chan struct{}) {
	if d.held.Len() == 0 {
		d.retryAt = time.Now().Add(d.idlePoll)
	}
	d.heldChanged = changed
	d.held.PushBack(msg)
}

// retryHeld runs every held job through the policy again, oldest first.
func (d *Dispatcher) retryHeld(ctx context.Context) {
	jobs := d.held.drain()
	for i, msg := range jobs {
		if ctx.Err() != nil {
			for _, rest := range jobs[i:] {
				d.held.PushBack(rest)
			}
			return
		}
		d.dispatchJob(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg cluster.Message) {
	switch msg.Command {
	case cluster.CmdNewTask:
		d.dispatchJob(ctx, msg)
	case cluster.CmdResult:
		d.deliverResult(ctx, msg)
	case cluster.CmdStats:
		applyStats(d.registry, d.log, msg)
	default:
		d.log.Warn("unexpected event", "command", msg.Command.String())
	}
}

func (d *Dispatcher) dispatchJob(ctx context.Context, msg cluster.Message) {
	job, err := msg.Job(1)
	if err != nil {
		d.log.Error("malformed job event dropped", "error", err)
		return
	}
	if _, ok := d.ledger.Get(job.ID); !ok {
		d.log.Warn("job no longer in ledger, dropped", "job_id", job.ID)
		return
	}

	changed := d.registry.Changed()
	workers := d.registry.ActiveWorkers()
	policy := d.selector.Name()
	idx, err := d.selector.Choose(balancer.Input{
		Workers:   workerViews(workers),
		Pending:   pendingViews(d.ledger.Pending()),
		JobID:     job.ID,
		JobType:   job.Type,
		Estimator: d.stats,
		Now:       d.now(),
	})
	if errors.Is(err, balancer.ErrNoWorkerAvailable) {
		metrics.Dispatches.WithLabelValues(policy, "no_worker").Inc()
		d.log.Debug("no worker available, job held", "job_id", job.ID, "active", len(workers))
		d.hold(msg, changed)
		return
	}
	if err != nil {
		d.log.Error("policy failed, job held", "job_id", job.ID, "policy", policy, "error", err)
		d.hold(msg, changed)
		return
	}

	worker := workers[idx]
	start := time.Now()
	err = d.courier.Deliver(ctx, worker.Location.Addr(), worker.ID, msg)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			d.events.PushFront(msg)
			return
		}
		d.registry.Evict(worker.ID)
		metrics.Evictions.Inc()
		metrics.Dispatches.WithLabelValues(policy, "failed").Inc()
		d.log.Warn("dispatch failed, worker evicted and job requeued",
			"job_id", job.ID, "account_id", worker.ID, "policy", policy, "error", err)
		d.events.PushBack(msg)
		return
	}

	if err := d.ledger.Assign(job.ID, worker.ID); err != nil {
		d.log.Warn("dispatched job vanished from ledger", "job_id", job.ID, "error", err)
	}
	metrics.Dispatches.WithLabelValues(policy, "ok").Inc()
	d.log.Info("job dispatched", "job_id", job.ID, "account_id", worker.ID, "policy", policy)
}

func (d *Dispatcher) deliverResult(ctx context.Context, msg cluster.Message) {
	jobID, err := msg.Int(1)
	if err != nil {
		d.log.Error("malformed result dropped", "error", err)
		return
	}
	share, err := msg.Float(3)
	if err != nil {
		d.log.Error("malformed result dropped", "job_id", jobID, "error", err)
		return
	}
	tm, err := d.ledger.Complete(jobID, share)
	if err != nil {
		d.log.Error("result for unknown job dropped", "job_id", jobID, "error", err)
		return
	}
	out, err := msg.WithArg(1, tm.OriginalJobID)
	if err != nil {
		d.log.Error("result rewrite failed", "job_id", jobID, "error", err)
		return
	}

	d.stats.Record(tm)
	metrics.JobCPUShare.WithLabelValues(tm.Job.Type).Observe(share)

	d.sendToOwner(ctx, tm, out)

	if d.selector.Learn(tm.JobID,
		workerViews(d.registry.ActiveWorkers()),
		pendingViews(d.ledger.Pending()),
		d.now()) {
		d.log.Debug("adaptive weights updated", "job_id", tm.JobID)
	}
}

func (d *Dispatcher) sendToOwner(ctx context.Context, tm TaskMetadata, out cluster.Message) {
	owner, err := d.registry.Resolve(tm.Owner)
	if err == nil {
		err = d.courier.Deliver(ctx, owner.Location.Addr(), owner.ID, out)
	}
	if err == nil {
		metrics.Results.WithLabelValues("delivered").Inc()
		d.log.Info("result delivered", "job_id", tm.JobID, "account_id", tm.Owner)
		return
	}
	d.mailbox.Park(tm.Owner, out)
	metrics.Results.WithLabelValues("parked").Inc()
	d.log.Warn("owner unreachable, result parked", "job_id", tm.JobID, "account_id", tm.Owner, "error", err)
}

// applyStats records a STATS report. Unknown reporters are dropped.
func applyStats(reg *AccountRegistry, log *logging.Logger, msg cluster.Message) {
	id, err := msg.Int(0)
	if err != nil {
		log.Error("malformed stats dropped", "error", err)
		return
	}
	perf, err := msg.Performance(1)
	if err != nil {
		log.Error("malformed stats dropped", "account_id", id, "error", err)
		return
	}
	if err := reg.UpdatePerformance(id, perf); err != nil {
		log.Warn("stats from unknown account dropped", "account_id", id, "error", err)
	}
}
