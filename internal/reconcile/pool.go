package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Settled is the outcome of one unit of work run by RunBounded.
type Settled[T any] struct {
	Value T
	Err   error
}

// RunBounded runs every op with at most limit in flight and waits for all of
// them. Errors and panics are captured per op and never cancel siblings.
// onSettle, if set, is called from the worker goroutine as each op finishes.
func RunBounded[T any](ctx context.Context, limit int, ops []func(context.Context) (T, error), onSettle func(i int, s Settled[T])) []Settled[T] {
	results := make([]Settled[T], len(ops))
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			s := settle(ctx, op)
			results[i] = s
			if onSettle != nil {
				onSettle(i, s)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func settle[T any](ctx context.Context, op func(context.Context) (T, error)) (s Settled[T]) {
	defer func() {
		if r := recover(); r != nil {
			s.Err = fmt.Errorf("panic: %v", r)
		}
	}()
	v, err := op(ctx)
	return Settled[T]{Value: v, Err: err}
}
