package worker

import (
	"context"
	"fmt"
)

type result[T any] struct {
	v   T
	err error
}

// Do runs fn on lane and waits for its result. Called from a task already running on
// lane, fn runs inline instead of queueing behind itself.
func Do[T any](ctx context.Context, lane *Lane, prio Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	if Current(ctx) == lane {
		return fn(ctx)
	}

	var zero T
	ch := make(chan result[T], 1)
	err := lane.Submit(ctx, prio, func(ctx context.Context) {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("%s lane: panic: %v", lane.name, p)
			}
			ch <- r
		}()
		if err := ctx.Err(); err != nil {
			r.err = err
			return
		}
		r.v, r.err = fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is Do for functions without a result.
func Run(ctx context.Context, lane *Lane, prio Priority, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, lane, prio, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Pool is the pair of lanes every store call runs on: short operations such as refine,
// search and listing, and long-running ones such as install and repository management.
type Pool struct {
	Short *Lane
	Long  *Lane
}

func NewPool(cfg LaneConfig) *Pool {
	short, long := cfg, cfg
	short.Name, long.Name = "short", "long"
	return &Pool{Short: NewLane(short), Long: NewLane(long)}
}

func (p *Pool) Start() {
	p.Short.Start()
	p.Long.Start()
}

// Stop drains Long before Short: long tasks finish with short work such as refines.
func (p *Pool) Stop() {
	p.Long.Stop()
	p.Short.Stop()
}
