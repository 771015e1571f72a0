package controller

import (
	"context"
	"fmt"
	"sync"
)

// Async runs op on its own goroutine and passes the result to done exactly
// once. A panic in op is reported to done as an error.
func Async[T any](ctx context.Context, op func(context.Context) (T, error), done func(T, error)) {
	var once sync.Once
	finish := func(v T, err error) {
		once.Do(func() {
			if done != nil {
				done(v, err)
			}
		})
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				finish(zero, fmt.Errorf("operation panicked: %v", p))
			}
		}()
		finish(op(ctx))
	}()
}
