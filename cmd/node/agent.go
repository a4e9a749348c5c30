package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/storage"
)

const (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
	idKey            = "node-id.json"
)

// Executor runs one job and returns its result payload.
type Executor func(ctx context.Context, job cluster.Job) ([]byte, error)

// Echo returns the job payload unchanged after delay.
func Echo(delay time.Duration) Executor {
	return func(ctx context.Context, job cluster.Job) ([]byte, error) {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return job.Payload, nil
	}
}

// Received is a result delivered to a user node.
type Received struct {
	Worker   int
	JobID    int
	Payload  []byte
	CPUShare float64
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Role          cluster.Role
	Coordinator   string
	Listen        string
	StatsInterval time.Duration
	// Capacity bounds concurrently running jobs on a worker.
	Capacity int
	Executor Executor
	// Store persists the assigned id; nil registers fresh every start.
	Store   storage.Store
	Courier *cluster.Courier
	Logger  *logging.Logger
}

// Agent is a relay node. A worker runs the jobs it is handed and reports its
// load; a user submits jobs and collects their results.
type Agent struct {
	cfg      AgentConfig
	endpoint *cluster.Endpoint
	courier  *cluster.Courier
	log      *logging.Logger

	jobs    chan cluster.Job
	results chan Received

	mu      sync.Mutex
	running int
}

// NewAgent binds the agent's listening endpoint. The agent has no id until
// Register succeeds.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Executor == nil {
		cfg.Executor = Echo(0)
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	a := &Agent{
		cfg:     cfg,
		courier: cfg.Courier,
		log:     cfg.Logger,
		jobs:    make(chan cluster.Job, 256),
		results: make(chan Received, 256),
	}
	if a.courier == nil {
		a.courier = &cluster.Courier{}
	}
	if a.log == nil {
		a.log = logging.NopLogger()
	}
	a.log = a.log.With("role", string(cfg.Role))

	ep, err := cluster.Listen(cfg.Listen, cluster.NullID, a.handle)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	a.endpoint = ep
	return a, nil
}

// ID is the id assigned by the coordinator, cluster.NullID before Register.
func (a *Agent) ID() int { return a.endpoint.ID() }

// Port is the port the coordinator reaches this node on.
func (a *Agent) Port() int { return a.endpoint.Port() }

// Results delivers the results received by a user node.
func (a *Agent) Results() <-chan Received { return a.results }

func (a *Agent) savedID() int {
	if a.cfg.Store == nil {
		return cluster.NullID
	}
	data, err := a.cfg.Store.Get(idKey)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			a.log.Warn("reading saved id failed", "error", err)
		}
		return cluster.NullID
	}
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		a.log.Warn("saved id is corrupt", "error", err)
		return cluster.NullID
	}
	return id
}

func (a *Agent) saveID(id int) {
	if a.cfg.Store == nil {
		return
	}
	data, _ := json.Marshal(id)
	if err := a.cfg.Store.Put(idKey, data); err != nil {
		a.log.Warn("saving id failed", "error", err)
	}
}

// Register announces the node with SYNC and adopts the id in the reply. It
// retries while the coordinator is unreachable.
func (a *Agent) Register(ctx context.Context) error {
	msg := cluster.Sync(a.savedID(), a.Port(), a.cfg.Role)
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		reply, err := a.courier.Request(ctx, a.cfg.Coordinator, msg)
		if err == nil {
			var id int
			if id, err = reply.Int(0); err == nil {
				a.endpoint.SetID(id)
				a.saveID(id)
				a.log.Info("registered with coordinator", "account_id", id, "coordinator", a.cfg.Coordinator)
				return nil
			}
		}
		lastErr = err
		a.log.Warn("register retry", "attempt", i+1, "error", err)
		select {
		case <-time.After(registerBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("register with %s: %w", a.cfg.Coordinator, lastErr)
}

// Run serves the endpoint and, on a worker, runs jobs and reports load until
// ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	var serveErr error
	wg.Go(func() { serveErr = a.endpoint.Serve(ctx) })
	if a.cfg.Role == cluster.RoleWorker {
		wg.Go(func() { a.work(ctx) })
		wg.Go(func() { a.report(ctx) })
	}
	wg.Wait()
	return serveErr
}

// Close releases the listening port.
func (a *Agent) Close() error { return a.endpoint.Close() }

func (a *Agent) handle(msg cluster.Message) {
	switch msg.Command {
	case cluster.CmdNewTask:
		job, err := msg.Job(1)
		if err != nil {
			a.log.Error("malformed job dropped", "error", err)
			return
		}
		select {
		case a.jobs <- job:
		default:
			a.log.Warn("job queue full, dropped", "job_id", job.ID)
		}
	case cluster.CmdResult:
		r, err := decodeResult(msg)
		if err != nil {
			a.log.Error("malformed result dropped", "error", err)
			return
		}
		select {
		case a.results <- r:
		default:
			a.log.Warn("result buffer full, dropped", "job_id", r.JobID)
		}
	default:
		a.log.Debug("message ignored", "command", msg.Command.String())
	}
}

func decodeResult(msg cluster.Message) (Received, error) {
	var r Received
	var err error
	if r.Worker, err = msg.Int(0); err != nil {
		return r, err
	}
	if r.JobID, err = msg.Int(1); err != nil {
		return r, err
	}
	if err = msg.Arg(2, &r.Payload); err != nil {
		return r, err
	}
	r.CPUShare, err = msg.Float(3)
	return r, err
}

func (a *Agent) work(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(a.cfg.Capacity)
	defer p.Wait()
	for {
		select {
		case job := <-a.jobs:
			a.adjust(1)
			p.Go(func() {
				defer a.adjust(-1)
				a.execute(ctx, job)
			})
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) adjust(delta int) {
	a.mu.Lock()
	a.running += delta
	a.mu.Unlock()
}

// Performance is the load reported with STATS. Each admitted job counts for
// an equal share of the node's capacity.
func (a *Agent) Performance() cluster.Performance {
	a.mu.Lock()
	defer a.mu.Unlock()
	load := float64(a.running) / float64(a.cfg.Capacity)
	if load > 1 {
		load = 1
	}
	return cluster.Performance{CPULoad: load, OutstandingJobs: a.running}
}

func (a *Agent) execute(ctx context.Context, job cluster.Job) {
	start := time.Now()
	payload, err := a.cfg.Executor(ctx, job)
	if err != nil {
		a.log.Warn("job failed", "job_id", job.ID, "error", err)
		return
	}
	share := 1 / float64(a.cfg.Capacity)
	msg, err := cluster.Result(a.ID(), job.ID, payload, share)
	if err != nil {
		a.log.Error("encoding result failed", "job_id", job.ID, "error", err)
		return
	}
	if err := a.courier.Notify(ctx, a.cfg.Coordinator, msg); err != nil {
		a.log.Warn("result not delivered", "job_id", job.ID, "error", err)
		return
	}
	a.log.Debug("job done", "job_id", job.ID, "type", job.Type, "elapsed", time.Since(start).String())
}

func (a *Agent) report(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.SendStats(ctx); err != nil {
				a.log.Debug("stats not delivered", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendStats reports the current load.
func (a *Agent) SendStats(ctx context.Context) error {
	msg, err := cluster.Stats(a.ID(), a.Performance())
	if err != nil {
		return err
	}
	return a.courier.Notify(ctx, a.cfg.Coordinator, msg)
}

// Submit sends job for dispatch, owned by this node.
func (a *Agent) Submit(ctx context.Context, job cluster.Job) error {
	return a.courier.Notify(ctx, a.cfg.Coordinator, cluster.NewTask(a.ID(), job))
}
