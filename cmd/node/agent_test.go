package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relay/internal/cluster"
	"github.com/dreamware/relay/internal/coordinator"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/storage"
)

// startCoordinator runs an engine on a loopback port for the test's duration.
func startCoordinator(t *testing.T) (*coordinator.Engine, string) {
	t.Helper()
	engine, err := coordinator.New(coordinator.Options{
		Logger:          logging.NopLogger(),
		IdlePoll:        50 * time.Millisecond,
		DeliveryTimeout: time.Second,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Start(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		engine.Stop()
		<-done
	})
	return engine, ln.Addr().String()
}

func newTestAgent(t *testing.T, role cluster.Role, coord string, store storage.Store) *Agent {
	t.Helper()
	a, err := NewAgent(AgentConfig{
		Role:          role,
		Coordinator:   coord,
		Listen:        "127.0.0.1:0",
		StatsInterval: 20 * time.Millisecond,
		Capacity:      2,
		Store:         store,
		Courier:       &cluster.Courier{Timeout: time.Second},
		Logger:        logging.NopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewAgentRejectsBadRole(t *testing.T) {
	_, err := NewAgent(AgentConfig{Role: cluster.Role("ADMIN"), Listen: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestAgentRoundTrip(t *testing.T) {
	engine, addr := startCoordinator(t)
	ctx := context.Background()

	worker := newTestAgent(t, cluster.RoleWorker, addr, nil)
	require.NoError(t, worker.Register(ctx))
	runAgent(t, worker)

	user := newTestAgent(t, cluster.RoleUser, addr, nil)
	require.NoError(t, user.Register(ctx))
	runAgent(t, user)

	assert.Equal(t, coordinator.FirstAccountID, worker.ID())
	assert.Equal(t, coordinator.FirstAccountID+1, user.ID())

	require.NoError(t, user.Submit(ctx, cluster.Job{ID: 42, Type: "echo", Payload: []byte("ping")}))

	select {
	case r := <-user.Results():
		assert.Equal(t, 42, r.JobID)
		assert.Equal(t, worker.ID(), r.Worker)
		assert.Equal(t, []byte("ping"), r.Payload)
		assert.InDelta(t, 0.5, r.CPUShare, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no result received")
	}

	assert.Eventually(t, func() bool {
		perf := engine.WorkerPerformance()[worker.ID()]
		return perf != nil && perf.OutstandingJobs == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentKeepsIDAcrossRestarts(t *testing.T) {
	_, addr := startCoordinator(t)
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "state")
	require.NoError(t, err)

	first := newTestAgent(t, cluster.RoleWorker, addr, store)
	require.NoError(t, first.Register(context.Background()))
	require.NoError(t, first.Close())

	other := newTestAgent(t, cluster.RoleWorker, addr, nil)
	require.NoError(t, other.Register(context.Background()))

	again := newTestAgent(t, cluster.RoleWorker, addr, store)
	require.NoError(t, again.Register(context.Background()))

	assert.Equal(t, first.ID(), again.ID())
	assert.NotEqual(t, first.ID(), other.ID())
}

func TestAgentRegisterGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	a := newTestAgent(t, cluster.RoleWorker, addr, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = a.Register(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, cluster.NullID, a.ID())
}

func TestAgentPerformance(t *testing.T) {
	tests := []struct {
		name    string
		running int
		want    cluster.Performance
	}{
		{"idle", 0, cluster.Performance{}},
		{"half", 1, cluster.Performance{CPULoad: 0.5, OutstandingJobs: 1}},
		{"saturated", 3, cluster.Performance{CPULoad: 1, OutstandingJobs: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgent(t, cluster.RoleWorker, "127.0.0.1:1", nil)
			a.adjust(tt.running)
			assert.Equal(t, tt.want, a.Performance())
		})
	}
}

func TestDecodeResult(t *testing.T) {
	msg, err := cluster.Result(3, 9, []byte("out"), 0.25)
	require.NoError(t, err)

	r, err := decodeResult(msg)
	require.NoError(t, err)
	assert.Equal(t, Received{Worker: 3, JobID: 9, Payload: []byte("out"), CPUShare: 0.25}, r)

	short, err := cluster.NewMessage(cluster.CmdResult, 3)
	require.NoError(t, err)
	_, err = decodeResult(short)
	assert.ErrorIs(t, err, cluster.ErrMissingArg)
}

func TestEcho(t *testing.T) {
	job := cluster.Job{ID: 1, Payload: []byte("x")}

	out, err := Echo(0)(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo(time.Hour)(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
}
