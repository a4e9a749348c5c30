package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/relay/internal/cluster"
)

func result(t *testing.T, worker, jobID int, payload string) cluster.Message {
	t.Helper()
	m, err := cluster.Result(worker, jobID, []byte(payload), 0.5)
	require.NoError(t, err)
	return m
}

// TestMailboxSetSemantics collapses identical messages per account.
func TestMailboxSetSemantics(t *testing.T) {
	mb := NewMailbox()
	msg := result(t, 1, 10, "out")

	assert.True(t, mb.Park(3, msg))
	assert.False(t, mb.Park(3, result(t, 1, 10, "out")))
	assert.True(t, mb.Park(3, result(t, 1, 11, "out")))
	assert.True(t, mb.Park(4, msg), "sets are per account")

	assert.Equal(t, 3, mb.Len())
	assert.Len(t, mb.Pending(3), 2)
	assert.True(t, mb.Has(4))
	assert.False(t, mb.Has(5))
}

// TestMailboxRemove deletes only the named parcel.
func TestMailboxRemove(t *testing.T) {
	mb := NewMailbox()
	mb.Park(3, result(t, 1, 10, "a"))
	mb.Park(3, result(t, 1, 11, "b"))

	first := mb.Pending(3)[0]
	assert.True(t, mb.Remove(3, first.ID))
	assert.False(t, mb.Remove(3, first.ID))

	left := mb.Pending(3)
	require.Len(t, left, 1)
	id, _ := left[0].Message.Int(1)
	assert.Equal(t, 11, id)

	assert.True(t, mb.Remove(3, left[0].ID))
	assert.False(t, mb.Has(3))
	assert.Empty(t, mb.All())
}

// TestQueueOrder covers FIFO order, head insertion and blocking pops.
func TestQueueOrder(t *testing.T) {
	q := NewQueue[int]()
	q.PushBack(1)
	q.PushBack(2)
	q.PushFront(0)
	assert.Equal(t, []int{0, 1, 2}, q.Items())

	ctx := context.Background()
	for want := 0; want < 3; want++ {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, q.Len())

	done := make(chan int)
	go func() {
		v, _ := q.Pop(ctx)
		done <- v
	}()
	time.Sleep(20 * time.Millisecond)
	q.PushBack(9)
	select {
	case v := <-done:
		assert.Equal(t, 9, v)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked pop was not woken")
	}
}

// TestQueuePopCancelled returns when the context ends.
func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestQueuePopAfterCancel leaves items queued once the context is done.
func TestQueuePopAfterCancel(t *testing.T) {
	q := NewQueue[int]()
	q.PushBack(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1}, q.Items())
}

// TestQueuePopOr covers the early returns and drain.
func TestQueuePopOr(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		wake     func() <-chan struct{}
		deadline func() <-chan time.Time
	}{
		{
			name: "wake closed",
			wake: func() <-chan struct{} {
				c := make(chan struct{})
				close(c)
				return c
			},
			deadline: func() <-chan time.Time { return nil },
		},
		{
			name:     "deadline",
			wake:     func() <-chan struct{} { return nil },
			deadline: func() <-chan time.Time { return time.After(10 * time.Millisecond) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue[int]()
			_, ok, err := q.PopOr(ctx, tt.wake(), tt.deadline())
			require.NoError(t, err)
			assert.False(t, ok)

			q.PushBack(4)
			q.PushBack(5)
			v, ok, err := q.PopOr(ctx, tt.wake(), tt.deadline())
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 4, v)
			assert.Equal(t, []int{5}, q.drain())
			assert.Zero(t, q.Len())
		})
	}
}
