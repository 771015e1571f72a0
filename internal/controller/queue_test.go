package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// queued returns the number of tasks waiting or running under key.
func queued(q *KeyedQueue, key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.tasks)
	}
	return 0
}

func waitQueued(t *testing.T, q *KeyedQueue, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for queued(q, key) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d queued tasks on %q", n, key)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeyedQueueSameKeyRunsInSubmissionOrder(t *testing.T) {
	q := NewKeyedQueue()
	ctx := context.Background()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(ctx, "doc", func(context.Context) error {
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()

	// The first task is running, so the lane holds nothing else yet.
	deadline := time.Now().Add(2 * time.Second)
	for q.Lanes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first task never started")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(ctx, "doc", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		waitQueued(t, q, "doc", i)
	}

	close(gate)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..5", order)
		}
	}
	if len(order) != 6 {
		t.Fatalf("ran %d tasks, want 6", len(order))
	}
}

func TestKeyedQueueDifferentKeysRunConcurrently(t *testing.T) {
	q := NewKeyedQueue()
	ctx := context.Background()

	bRan := make(chan struct{})
	aDone := make(chan error, 1)
	go func() {
		aDone <- q.Do(ctx, "a", func(context.Context) error {
			select {
			case <-bRan:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("b never ran")
			}
		})
	}()

	if err := q.Do(ctx, "b", func(context.Context) error {
		close(bRan)
		return nil
	}); err != nil {
		t.Fatalf("Do(b) failed: %v", err)
	}
	if err := <-aDone; err != nil {
		t.Fatalf("Do(a) failed: %v", err)
	}
}

func TestKeyedQueueCancelWhileQueued(t *testing.T) {
	q := NewKeyedQueue()

	gate := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = q.Do(context.Background(), "doc", func(context.Context) error {
			<-gate
			return nil
		})
	}()
	for q.Lanes() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	errc := make(chan error, 1)
	go func() {
		errc <- q.Do(ctx, "doc", func(context.Context) error {
			ran = true
			return nil
		})
	}()
	waitQueued(t, q, "doc", 1)

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task did not return")
	}

	close(gate)
	<-firstDone

	// A later task on the same key still runs.
	if err := q.Do(context.Background(), "doc", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do() after cancel failed: %v", err)
	}
	if ran {
		t.Error("cancelled task ran")
	}
}

func TestKeyedQueueStartedTaskIgnoresCancellation(t *testing.T) {
	q := NewKeyedQueue()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	finish := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- q.Do(ctx, "doc", func(ctx context.Context) error {
			close(started)
			<-finish
			return ctx.Err()
		})
	}()

	<-started
	cancel()
	close(finish)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Do() error = %v, want task result nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestKeyedQueueRemovesEmptyLanes(t *testing.T) {
	q := NewKeyedQueue()
	for _, key := range []string{"a", "b", "c"} {
		if err := q.Do(context.Background(), key, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Do(%s) failed: %v", key, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Lanes() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Lanes() = %d, want 0", q.Lanes())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAsyncFiresOnce(t *testing.T) {
	results := make(chan error, 2)
	Async(context.Background(), func(context.Context) (int, error) {
		panic("boom")
	}, func(_ int, err error) {
		results <- err
	})

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("expected error from panicking operation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("done was not called")
	}
	select {
	case <-results:
		t.Fatal("done called twice")
	case <-time.After(20 * time.Millisecond):
	}
}
