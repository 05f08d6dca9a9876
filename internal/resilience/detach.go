package resilience

import (
	"context"
	"sync"
)

// Detach runs fn on a context that carries ctx's values but not its
// cancellation or deadline. If ctx ends first, Detach returns ctx.Err()
// immediately while fn keeps running to completion in the background; its
// result is then dropped. wg, when non-nil, tracks the background work so a
// caller can drain it on shutdown.
func Detach[T any](ctx context.Context, wg *sync.WaitGroup, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
