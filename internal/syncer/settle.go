package syncer

import (
	"context"
	"time"
)

type Settled[T any] struct {
	Value    T
	Err      error
	TimedOut bool
}

// FirstToSettle runs fn in its own goroutine and returns when fn finishes or
// budget elapses, whichever comes first. A timed-out fn is not cancelled: it
// keeps running with ctx and its side effects still happen. Only the caller
// stops waiting for it. Cancelling ctx also ends the wait.
func FirstToSettle[T any](ctx context.Context, budget time.Duration, fn func(context.Context) (T, error)) Settled[T] {
	done := make(chan Settled[T], 1)
	go func() {
		value, err := fn(ctx)
		done <- Settled[T]{Value: value, Err: err}
	}()

	if budget <= 0 {
		select {
		case res := <-done:
			return res
		case <-ctx.Done():
			return Settled[T]{Err: ctx.Err()}
		}
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case res := <-done:
		return res
	case <-timer.C:
		return Settled[T]{TimedOut: true}
	case <-ctx.Done():
		return Settled[T]{Err: ctx.Err()}
	}
}
