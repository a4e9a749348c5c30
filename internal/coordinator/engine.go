package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/logging"
)

// ErrAlreadyRunning is returned by Start on an engine whose loops run.
var ErrAlreadyRunning = errors.New("engine already running")

// DefaultReadTimeout bounds how long an inbound connection may take to
// deliver its message.
const DefaultReadTimeout = 10 * time.Second

// Options configure an Engine. Zero values select defaults.
type Options struct {
	Policy          int
	IdlePoll        time.Duration
	DeliveryTimeout time.Duration
	ReadTimeout     time.Duration
	Courier         Deliverer
	Logger          *logging.Logger
	Rand            *rand.Rand
}

// Engine wires the coordinator together: it ingests inbound messages,
// owns the shared state and supervises the dispatch and redelivery loops.
type Engine struct {
	registry *AccountRegistry
	ledger   *Ledger
	stats    *Stats
	mailbox  *Mailbox
	selector *balancer.Selector
	events   *Queue[cluster.Message]
	held     *Queue[cluster.Message]
	syncs    *Queue[int]

	dispatcher  *Dispatcher
	redeliverer *Redeliverer

	log         *logging.Logger
	readTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	loops  *conc.WaitGroup
	conns  conc.WaitGroup
}

// New builds an engine with empty state. Its loops are not running until
// Start is called.
func New(opts Options) (*Engine, error) {
	sel, err := balancer.NewSelector(opts.Policy, opts.Rand)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	courier := opts.Courier
	if courier == nil {
		courier = &cluster.Courier{Timeout: opts.DeliveryTimeout}
	}
	idle := opts.IdlePoll
	if idle <= 0 {
		idle = DefaultIdlePoll
	}
	read := opts.ReadTimeout
	if read <= 0 {
		read = DefaultReadTimeout
	}

	e := &Engine{
		registry:    NewAccountRegistry(),
		ledger:      NewLedger(),
		stats:       NewStats(),
		mailbox:     NewMailbox(),
		selector:    sel,
		events:      NewQueue[cluster.Message](),
		held:        NewQueue[cluster.Message](),
		syncs:       NewQueue[int](),
		log:         log,
		readTimeout: read,
	}
	e.dispatcher = &Dispatcher{
		registry: e.registry,
		ledger:   e.ledger,
		stats:    e.stats,
		mailbox:  e.mailbox,
		selector: e.selector,
		events:   e.events,
		held:     e.held,
		courier:  courier,
		log:      log.WithComponent("dispatcher"),
		idlePoll: idle,
		now:      time.Now,
	}
	e.redeliverer = &Redeliverer{
		registry: e.registry,
		mailbox:  e.mailbox,
		syncs:    e.syncs,
		courier:  courier,
		log:      log.WithComponent("redelivery"),
	}
	return e, nil
}

// Start launches the dispatch and redelivery loops. They run until ctx ends
// or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loops != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loops = conc.NewWaitGroup()
	e.loops.Go(func() { _ = e.dispatcher.Run(ctx) })
	e.loops.Go(func() { _ = e.redeliverer.Run(ctx) })
	e.log.Info("engine started", "policy", e.selector.Name())
	return nil
}

// Stop cancels the loops and waits for them. Restarting with Start is
// allowed afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, loops := e.cancel, e.loops
	e.cancel, e.loops = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	loops.Wait()
	e.log.Info("engine stopped")
}

// Running reports whether the loops are started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loops != nil
}

// Serve accepts node connections on ln until ctx ends. Each connection
// carries one message; SYNC is answered on the same connection.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer e.conns.Wait()

	e.log.Info("accepting node connections", "addr", ln.Addr().String())
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		e.conns.Go(func() { e.serveConn(raw) })
	}
}

func (e *Engine) serveConn(raw net.Conn) {
	conn := cluster.NewConn(raw)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.readTimeout))

	msg, err := conn.Receive()
	if err != nil {
		e.log.Debug("inbound connection dropped", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}
	if reply, ok := e.Ingest(msg, conn.RemoteHost()); ok {
		if err := conn.Send(reply); err != nil {
			e.log.Warn("reply failed", "command", reply.Command.String(), "error", err)
		}
	}
}

// Ingest applies one inbound message. host is the sender's address as seen
// on the connection. It returns a reply when the command expects one.
func (e *Engine) Ingest(msg cluster.Message, host string) (cluster.Message, bool) {
	switch msg.Command {
	case cluster.CmdSync:
		return e.ingestSync(msg, host)
	case cluster.CmdNewTask:
		e.ingestJob(msg)
	case cluster.CmdResult:
		e.events.PushBack(msg)
	case cluster.CmdStats:
		applyStats(e.registry, e.log, msg)
	case cluster.CmdSetLoadBalancer:
		idx, err := msg.Int(1)
		if err == nil {
			err = e.SetPolicy(idx)
		}
		if err != nil {
			e.log.Warn("policy change rejected", "error", err)
		}
	case cluster.CmdAbort, cluster.CmdRemoveTask:
		e.log.Debug("command not supported, ignored", "command", msg.Command.String())
	default:
		e.log.Warn("unexpected inbound command", "command", msg.Command.String())
	}
	return cluster.Message{}, false
}

func (e *Engine) ingestSync(msg cluster.Message, host string) (cluster.Message, bool) {
	id, err := msg.Int(0)
	if err == nil {
		var port int
		var role cluster.Role
		if port, err = msg.Int(1); err == nil {
			if role, err = msg.Role(2); err == nil {
				acc, created := e.registry.ResolveOrCreate(id, cluster.Location{Host: host, Port: port}, role)
				e.log.Info("account synced", "account_id", acc.ID, "role", string(acc.Role),
					"location", acc.Location.String(), "created", created)
				if e.mailbox.Has(acc.ID) {
					e.syncs.PushBack(acc.ID)
				}
				return cluster.Sync(acc.ID, port, role), true
			}
		}
	}
	e.log.Error("malformed sync dropped", "error", err)
	return cluster.Message{}, false
}

func (e *Engine) ingestJob(msg cluster.Message) {
	owner, err := msg.Int(0)
	if err != nil {
		e.log.Error("malformed job dropped", "error", err)
		return
	}
	job, err := msg.Job(1)
	if err != nil {
		e.log.Error("malformed job dropped", "account_id", owner, "error", err)
		return
	}
	if _, err := e.registry.Resolve(owner); err != nil {
		e.log.Warn("job from unknown account dropped", "account_id", owner, "error", err)
		return
	}
	tm := e.ledger.Submit(owner, job)
	out, err := msg.WithArg(1, tm.Job)
	if err != nil {
		e.log.Error("job rewrite failed", "job_id", tm.JobID, "error", err)
		return
	}
	e.events.PushBack(out)
	e.log.Debug("job submitted", "job_id", tm.JobID, "original_job_id", tm.OriginalJobID, "account_id", owner)
}

// SetPolicy switches the load balancing policy and resets the statistics.
func (e *Engine) SetPolicy(index int) error {
	if err := e.selector.Set(index); err != nil {
		return err
	}
	e.stats.Reset()
	e.log.Info("load balancer switched", "policy", e.selector.Name(), "index", index)
	return nil
}

// Policy returns the active policy index and name.
func (e *Engine) Policy() (int, string) {
	idx := e.selector.Current()
	return idx, balancer.PolicyName(idx)
}

func (e *Engine) Accounts() []Account      { return e.registry.Accounts() }
func (e *Engine) ActiveWorkers() []Account { return e.registry.ActiveWorkers() }
func (e *Engine) Users() []Account         { return e.registry.Users() }

// PendingJobs lists the ledger ordered by job id.
func (e *Engine) PendingJobs() []TaskMetadata { return e.ledger.Pending() }

// WorkerPerformance maps each active worker to its last report, nil if it
// has not reported.
func (e *Engine) WorkerPerformance() map[int]*cluster.Performance {
	out := make(map[int]*cluster.Performance)
	for _, a := range e.registry.ActiveWorkers() {
		out[a.ID] = a.Performance
	}
	return out
}

// JobTypeAverages maps each job type to its average cpu share.
func (e *Engine) JobTypeAverages() map[string]float64 {
	out := make(map[string]float64)
	for k, v := range e.stats.JobTypes() {
		out[k] = v.Average()
	}
	return out
}

func (e *Engine) CompletedJobs() []TaskMetadata   { return e.stats.Completed() }
func (e *Engine) AggregateStats() AggregateStats  { return e.stats.Aggregate() }
func (e *Engine) Parcels() []Parcel               { return e.mailbox.All() }
func (e *Engine) QueuedEvents() []cluster.Message { return e.pendingEvents() }
func (e *Engine) AdaptiveWeights() [][]float64    { return e.selector.Weights() }

// pendingEvents lists held jobs ahead of the event queue.
func (e *Engine) pendingEvents() []cluster.Message {
	return append(e.held.Items(), e.events.Items()...)
}
