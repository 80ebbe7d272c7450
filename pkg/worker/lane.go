// Package worker serializes store access onto dedicated single-consumer lanes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thepwagner/appcenter/pkg/metrics"
)

var ErrStopped = errors.New("worker lane stopped")

type Priority int

const (
	PriorityBackground Priority = iota
	PriorityInteractive
)

func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "background"
}

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Lane runs tasks one at a time on a single goroutine. Interactive tasks run before
// queued background tasks; within a priority tasks run in submission order.
type Lane struct {
	name    string
	log     *slog.Logger
	metrics *metrics.Metrics

	high, low chan task
	depth     atomic.Int64

	mu        sync.RWMutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type LaneConfig struct {
	Name string
	// Size bounds each priority queue; Submit blocks while it is full.
	Size    int
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func NewLane(cfg LaneConfig) *Lane {
	if cfg.Size == 0 {
		cfg.Size = 100
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Lane{
		name:      cfg.Name,
		log:       cfg.Log.With(slog.String("lane", cfg.Name)),
		metrics:   cfg.Metrics,
		high:      make(chan task, cfg.Size),
		low:       make(chan task, cfg.Size),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (l *Lane) Name() string {
	return l.name
}

func (l *Lane) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	go l.worker()
}

// Stop rejects new tasks, runs everything already queued and waits for the worker to exit.
func (l *Lane) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.stoppedCh
		return
	}
	l.stopped = true
	started := l.started
	close(l.stopCh)
	l.mu.Unlock()

	if !started {
		l.drain()
		close(l.stoppedCh)
		return
	}
	<-l.stoppedCh
}

// Submit queues fn. fn always runs eventually, even if ctx is cancelled first,
// and must check ctx itself.
func (l *Lane) Submit(ctx context.Context, prio Priority, fn func(ctx context.Context)) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}

	ch := l.low
	if prio == PriorityInteractive {
		ch = l.high
	}
	t := task{ctx: ctx, fn: fn}
	select {
	case ch <- t:
		l.metrics.SetLaneDepth(l.name, int(l.depth.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lane) worker() {
	defer close(l.stoppedCh)

	for {
		select {
		case t := <-l.high:
			l.exec(t)
			continue
		default:
		}

		select {
		case t := <-l.high:
			l.exec(t)
		case t := <-l.low:
			l.exec(t)
		case <-l.stopCh:
			l.drain()
			return
		}
	}
}

func (l *Lane) drain() {
	for {
		select {
		case t := <-l.high:
			l.exec(t)
		case t := <-l.low:
			l.exec(t)
		default:
			return
		}
	}
}

func (l *Lane) exec(t task) {
	l.metrics.SetLaneDepth(l.name, int(l.depth.Add(-1)))
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	t.fn(context.WithValue(t.ctx, laneKey{}, l))
}

type laneKey struct{}

// Current returns the lane running the task that owns ctx, if any.
func Current(ctx context.Context) *Lane {
	l, _ := ctx.Value(laneKey{}).(*Lane)
	return l
}
