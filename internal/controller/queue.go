package controller

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	taskQueued int32 = iota
	taskRunning
	taskCancelled
)

type task struct {
	ctx   context.Context
	fn    func(context.Context) error
	state atomic.Int32
	done  chan struct{}
	err   error
}

type lane struct {
	tasks []*task
}

// KeyedQueue runs tasks one at a time per key, in submission order. Tasks
// with different keys run concurrently. A key's lane exists only while it
// has queued or running tasks.
type KeyedQueue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{lanes: make(map[string]*lane)}
}

// Do submits fn under key and waits for its result.
//
// If ctx is cancelled while the task is still queued, the task is dropped
// and ctx.Err() is returned. Once started, fn runs to completion with a
// context that is not cancelled with ctx, and Do returns fn's result.
func (q *KeyedQueue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	t := q.submit(ctx, key, fn)
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskQueued, taskCancelled) {
			return ctx.Err()
		}
		<-t.done
		return t.err
	}
}

func (q *KeyedQueue) submit(ctx context.Context, key string, fn func(context.Context) error) *task {
	t := &task{ctx: ctx, fn: fn, done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.tasks = append(l.tasks, t)
	if !ok {
		go q.drain(key, l)
	}
	return t
}

// drain runs a lane's tasks until it is empty, then removes the lane.
func (q *KeyedQueue) drain(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		t := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		if t.state.CompareAndSwap(taskQueued, taskRunning) {
			t.err = t.fn(context.WithoutCancel(t.ctx))
		} else {
			t.err = t.ctx.Err()
		}
		close(t.done)
	}
}

// Lanes returns the number of keys with queued or running tasks.
func (q *KeyedQueue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
