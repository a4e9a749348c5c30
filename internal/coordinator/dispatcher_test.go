package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relay/internal/balancer"
	"github.com/dreamware/relay/internal/cluster"
)

type delivery struct {
	Addr string
	ID   int
	Msg  cluster.Message
}

// fakeCourier records deliveries and fails those addressed to down ports.
type fakeCourier struct {
	mu   sync.Mutex
	down map[int]bool
	sent []delivery
}

func newFakeCourier() *fakeCourier {
	return &fakeCourier{down: map[int]bool{}}
}

func (f *fakeCourier) Deliver(_ context.Context, addr string, id int, msg cluster.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for port, down := range f.down {
		if down && addr == loc(port).Addr() {
			return &cluster.TransportError{Op: "dial", Addr: addr, Err: errors.New("connection refused")}
		}
	}
	f.sent = append(f.sent, delivery{Addr: addr, ID: id, Msg: msg})
	return nil
}

func (f *fakeCourier) setDown(port int, down bool) {
	f.mu.Lock()
	f.down[port] = down
	f.mu.Unlock()
}

func (f *fakeCourier) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

func newTestEngine(t *testing.T, policy int) (*Engine, *fakeCourier) {
	t.Helper()
	fc := newFakeCourier()
	e, err := New(Options{Policy: policy, Courier: fc, IdlePoll: 20 * time.Millisecond})
	require.NoError(t, err)
	return e, fc
}

// syncNode registers a node the way ingestion does and returns its id.
func syncNode(t *testing.T, e *Engine, port int, role cluster.Role) int {
	t.Helper()
	reply, ok := e.Ingest(cluster.Sync(cluster.NullID, port, role), "127.0.0.1")
	require.True(t, ok)
	id, err := reply.Int(0)
	require.NoError(t, err)
	return id
}

func submit(e *Engine, owner, originalID int, jobType string) {
	e.Ingest(cluster.NewTask(owner, cluster.Job{ID: originalID, Type: jobType}), "127.0.0.1")
}

// drain handles every queued event once.
func drain(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for n := e.events.Len(); n > 0; n-- {
		msg, err := e.events.Pop(ctx)
		require.NoError(t, err)
		e.dispatcher.handle(ctx, msg)
	}
}

// TestDispatchRoundRobinSplit sends four jobs to two workers alternately.
func TestDispatchRoundRobinSplit(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	w1 := syncNode(t, e, 7001, cluster.RoleWorker)
	w2 := syncNode(t, e, 7002, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)

	for i := 0; i < 4; i++ {
		submit(e, user, 100+i, "A")
	}
	drain(t, e)

	sent := fc.deliveries()
	require.Len(t, sent, 4)
	assert.Equal(t, []int{w1, w2, w1, w2}, []int{sent[0].ID, sent[1].ID, sent[2].ID, sent[3].ID})

	for _, row := range e.PendingJobs() {
		require.NotNil(t, row.Assignee, "job %d assigned", row.JobID)
		require.NotNil(t, row.DispatchTime)
	}
}

// TestDispatchFailureEvictsAndRequeues covers a worker that went offline.
func TestDispatchFailureEvictsAndRequeues(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	dead := syncNode(t, e, 7001, cluster.RoleWorker)
	alive := syncNode(t, e, 7002, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	fc.setDown(7001, true)

	submit(e, user, 1, "A")
	drain(t, e)

	assert.Empty(t, fc.deliveries())
	assert.False(t, e.registry.IsActive(dead))
	require.Equal(t, 1, e.events.Len(), "job requeued")
	assert.Equal(t, 1, e.ledger.Len(), "requeue does not duplicate the ledger row")

	drain(t, e)
	sent := fc.deliveries()
	require.Len(t, sent, 1)
	assert.Equal(t, alive, sent[0].ID)

	fc.setDown(7001, false)
	back, _ := e.registry.ResolveOrCreate(dead, loc(7001), cluster.RoleWorker)
	assert.True(t, e.registry.IsActive(back.ID), "re-sync reactivates")
}

// TestDispatchHoldsUntilWorker parks jobs no worker can take and retries
// them, oldest first, once the registry changes.
func TestDispatchHoldsUntilWorker(t *testing.T) {
	e, fc := newTestEngine(t, balancer.MinCPUShareIndex)
	e.dispatcher.idlePoll = time.Minute
	ctx := context.Background()
	user := syncNode(t, e, 7100, cluster.RoleUser)
	submit(e, user, 1, "A")
	submit(e, user, 2, "A")

	drain(t, e)
	assert.Zero(t, e.events.Len())
	held := e.held.Items()
	require.Len(t, held, 2)
	first, _ := held[0].Job(1)
	assert.Equal(t, FirstJobID, first.ID, "arrival order preserved")
	assert.Len(t, e.QueuedEvents(), 2)
	assert.False(t, e.dispatcher.due(), "nothing changed yet")

	w := syncNode(t, e, 7001, cluster.RoleWorker)
	assert.True(t, e.dispatcher.due(), "worker join wakes held jobs")
	e.dispatcher.retryHeld(ctx)
	assert.Len(t, fc.deliveries(), 0, "min-cpu-share ignores workers without a report")
	assert.Equal(t, 2, e.held.Len())

	e.Ingest(mustStats(t, w, 0.3), "127.0.0.1")
	drain(t, e)
	require.True(t, e.dispatcher.due())
	e.dispatcher.retryHeld(ctx)
	sent := fc.deliveries()
	require.Len(t, sent, 2)
	got, _ := sent[0].Msg.Job(1)
	assert.Equal(t, FirstJobID, got.ID)
	assert.Zero(t, e.held.Len())
	assert.False(t, e.dispatcher.due())
}

// TestHeldJobsRetryAfterIdlePoll retries without a registry change.
func TestHeldJobsRetryAfterIdlePoll(t *testing.T) {
	e, _ := newTestEngine(t, balancer.RoundRobinIndex)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	submit(e, user, 1, "A")
	drain(t, e)
	require.Equal(t, 1, e.held.Len())
	assert.Eventually(t, e.dispatcher.due, time.Second, 5*time.Millisecond)
}

// TestResultDeliveredWhileJobHeld keeps results flowing when the only
// worker is gone and a later job cannot be placed.
func TestResultDeliveredWhileJobHeld(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	w := syncNode(t, e, 7001, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)

	submit(e, user, 1, "A")
	drain(t, e)
	require.Len(t, fc.deliveries(), 1)
	job, _ := fc.deliveries()[0].Msg.Job(1)

	fc.setDown(7001, true)
	submit(e, user, 2, "A")
	e.Ingest(result(t, w, job.ID, "done"), "127.0.0.1")

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		for _, d := range fc.deliveries() {
			if d.ID == user && d.Msg.Command == cluster.CmdResult {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, e.registry.IsActive(w), "failed worker evicted")
	var queued []cluster.Message
	require.Eventually(t, func() bool {
		queued = e.QueuedEvents()
		return len(queued) == 1
	}, 2*time.Second, 10*time.Millisecond)
	held, _ := queued[0].Job(1)
	row, ok := e.ledger.Get(held.ID)
	require.True(t, ok)
	assert.Equal(t, 2, row.OriginalJobID, "job 2 waits for a worker")
}

// TestEngineStopsWithUnplaceableJob stops promptly while a job is waiting.
func TestEngineStopsWithUnplaceableJob(t *testing.T) {
	e, _ := newTestEngine(t, balancer.RoundRobinIndex)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	submit(e, user, 1, "A")

	require.NoError(t, e.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Len(t, e.QueuedEvents(), 1, "the job survives for the snapshot")
}

func mustStats(t *testing.T, id int, load float64) cluster.Message {
	t.Helper()
	m, err := cluster.Stats(id, cluster.Performance{CPULoad: load})
	require.NoError(t, err)
	return m
}

// TestResultRestoresOriginalID checks the owner sees its own job id and the
// stats learn the job's share.
func TestResultRestoresOriginalID(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	w := syncNode(t, e, 7001, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)

	submit(e, user, 777, "matrix")
	drain(t, e)
	dispatched := fc.deliveries()[0].Msg
	job, err := dispatched.Job(1)
	require.NoError(t, err)
	assert.NotEqual(t, 777, job.ID)

	e.Ingest(result(t, w, job.ID, "42"), "127.0.0.1")
	drain(t, e)

	sent := fc.deliveries()
	require.Len(t, sent, 2)
	toOwner := sent[1]
	assert.Equal(t, user, toOwner.ID)
	assert.Equal(t, loc(7100).Addr(), toOwner.Addr)
	orig, err := toOwner.Msg.Int(1)
	require.NoError(t, err)
	assert.Equal(t, 777, orig)

	assert.Zero(t, e.ledger.Len())
	avg, ok := e.stats.AverageShare("matrix")
	require.True(t, ok)
	assert.Equal(t, 0.5, avg)
	assert.Len(t, e.CompletedJobs(), 1)
}

// TestResultParkedAndRedelivered covers the offline owner scenario.
func TestResultParkedAndRedelivered(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	w := syncNode(t, e, 7001, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)

	submit(e, user, 5, "A")
	drain(t, e)
	job, _ := fc.deliveries()[0].Msg.Job(1)

	fc.setDown(7100, true)
	e.Ingest(result(t, w, job.ID, "r"), "127.0.0.1")
	drain(t, e)
	require.Equal(t, 1, e.mailbox.Len())
	assert.Zero(t, e.ledger.Len(), "row removed even though the owner was offline")

	fc.setDown(7100, false)
	reply, ok := e.Ingest(cluster.Sync(user, 7100, cluster.RoleUser), "127.0.0.1")
	require.True(t, ok)
	id, _ := reply.Int(0)
	assert.Equal(t, user, id)
	require.Equal(t, 1, e.syncs.Len(), "reconnect with parcels schedules redelivery")

	acct, err := e.syncs.Pop(context.Background())
	require.NoError(t, err)
	e.redeliverer.redeliver(context.Background(), acct)

	assert.Zero(t, e.mailbox.Len())
	sent := fc.deliveries()
	last := sent[len(sent)-1]
	assert.Equal(t, user, last.ID)
	orig, _ := last.Msg.Int(1)
	assert.Equal(t, 5, orig)

	e.Ingest(cluster.Sync(user, 7100, cluster.RoleUser), "127.0.0.1")
	assert.Zero(t, e.syncs.Len(), "empty mailbox schedules nothing")
}

// TestRedeliveryKeepsFailures leaves undeliverable parcels parked.
func TestRedeliveryKeepsFailures(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	e.mailbox.Park(user, result(t, 1, 1, "a"))
	e.mailbox.Park(user, result(t, 1, 2, "b"))

	fc.setDown(7100, true)
	e.redeliverer.redeliver(context.Background(), user)
	assert.Equal(t, 2, e.mailbox.Len())

	fc.setDown(7100, false)
	e.redeliverer.redeliver(context.Background(), user)
	assert.Zero(t, e.mailbox.Len())
	assert.Len(t, fc.deliveries(), 2)
}

// TestUnknownResultDropped logs and drops results for jobs not in the ledger.
func TestUnknownResultDropped(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	e.Ingest(result(t, 1, 404, "x"), "127.0.0.1")
	drain(t, e)
	assert.Empty(t, fc.deliveries())
	assert.Zero(t, e.mailbox.Len())
}

// TestAdaptiveDispatchLearns runs a job through the adaptive policy.
func TestAdaptiveDispatchLearns(t *testing.T) {
	e, fc := newTestEngine(t, balancer.AdaptiveIndex)
	w1 := syncNode(t, e, 7001, cluster.RoleWorker)
	w2 := syncNode(t, e, 7002, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	e.Ingest(mustStats(t, w1, 0.5), "127.0.0.1")
	e.Ingest(mustStats(t, w2, 0.25), "127.0.0.1")

	submit(e, user, 1, "A")
	submit(e, user, 2, "A")
	time.Sleep(5 * time.Millisecond)
	drain(t, e)
	require.Len(t, fc.deliveries(), 2)

	job, _ := fc.deliveries()[0].Msg.Job(1)
	e.Ingest(result(t, fc.deliveries()[0].ID, job.ID, "r"), "127.0.0.1")
	drain(t, e)

	w := e.AdaptiveWeights()
	require.Len(t, w, 2)
	var nonzero bool
	for _, row := range w {
		for _, v := range row {
			if v != 0 {
				nonzero = true
			}
		}
	}
	assert.True(t, nonzero, "completion with a pending job updates the weights")
}

// TestIngestPolicySwitch resets stats and rejects unknown indexes.
func TestIngestPolicySwitch(t *testing.T) {
	e, _ := newTestEngine(t, balancer.RoundRobinIndex)
	e.stats.RecordCompletion("A", 0.3)

	e.Ingest(cluster.SetLoadBalancer(1, balancer.QueueLengthIndex), "127.0.0.1")
	idx, name := e.Policy()
	assert.Equal(t, balancer.QueueLengthIndex, idx)
	assert.Equal(t, "queue-length", name)
	_, ok := e.stats.AverageShare("A")
	assert.False(t, ok, "switching resets stats")

	e.stats.RecordCompletion("A", 0.3)
	e.Ingest(cluster.SetLoadBalancer(1, 42), "127.0.0.1")
	idx, _ = e.Policy()
	assert.Equal(t, balancer.QueueLengthIndex, idx)
	_, ok = e.stats.AverageShare("A")
	assert.True(t, ok, "rejected switch keeps stats")
}

// TestIngestIgnoredAndDropped covers commands that change nothing.
func TestIngestIgnoredAndDropped(t *testing.T) {
	e, _ := newTestEngine(t, balancer.RoundRobinIndex)

	tests := []struct {
		name string
		msg  cluster.Message
	}{
		{"abort", cluster.Message{Command: cluster.CmdAbort}},
		{"remove task", cluster.Message{Command: cluster.CmdRemoveTask}},
		{"job from unknown owner", cluster.NewTask(99, cluster.Job{ID: 1})},
		{"stats from unknown worker", mustStats(t, 99, 0.1)},
		{"stray handshake", cluster.HandshakeProbe()},
		{"malformed sync", cluster.Message{Command: cluster.CmdSync}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, replied := e.Ingest(tt.msg, "127.0.0.1")
			assert.False(t, replied)
			assert.Zero(t, e.events.Len())
			assert.Zero(t, e.ledger.Len())
			assert.Zero(t, e.registry.Len())
		})
	}
}

// TestEngineStartStop runs the loops against queued work.
func TestEngineStartStop(t *testing.T) {
	e, fc := newTestEngine(t, balancer.RoundRobinIndex)
	syncNode(t, e, 7001, cluster.RoleWorker)
	user := syncNode(t, e, 7100, cluster.RoleUser)
	for i := 0; i < 3; i++ {
		submit(e, user, i, "A")
	}

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, e.Running())

	require.Eventually(t, func() bool { return len(fc.deliveries()) == 3 }, 2*time.Second, 10*time.Millisecond)
	e.Stop()
	assert.False(t, e.Running())
	e.Stop()

	for _, d := range fc.deliveries() {
		assert.Equal(t, cluster.CmdNewTask, d.Msg.Command, fmt.Sprint(d.ID))
	}
}
