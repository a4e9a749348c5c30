package coordinator

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO whose Pop blocks until an item is available.
type Queue[T any] struct {
	items  []T
	signal chan struct{}
	mu     sync.Mutex
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// PushBack appends v.
func (q *Queue[T]) PushBack(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
}

// PushFront puts v at the head, ahead of everything queued.
func (q *Queue[T]) PushFront(v T) {
	q.mu.Lock()
	q.items = append([]T{v}, q.items...)
	q.mu.Unlock()
	q.wake()
}

// Pop removes and returns the head, blocking until one exists or ctx ends.
// Once ctx is done Pop returns its error even if items remain.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	v, _, err := q.PopOr(ctx, nil, nil)
	return v, err
}

// PopOr is Pop that also gives up when wake is closed or deadline fires,
// reporting false with a nil error in that case.
func (q *Queue[T]) PopOr(ctx context.Context, wake <-chan struct{}, deadline <-chan time.Time) (T, bool, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return v, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-wake:
			return zero, false, nil
		case <-deadline:
			return zero, false, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items, head first.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue[T]) reset(items []T) {
	q.mu.Lock()
	q.items = append([]T(nil), items...)
	q.mu.Unlock()
	if len(items) > 0 {
		q.wake()
	}
}

// drain empties the queue and returns what it held, head first.
func (q *Queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
