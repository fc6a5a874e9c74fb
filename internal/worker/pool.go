// Package worker provides the bounded worker-pool-with-staggered-spawn
// abstraction named in the engine's design notes, generalized from the
// jobs/results-channel + sync.WaitGroup pattern used for per-hop
// concurrency in the teacher's tracer. Every phase of the engine (trace,
// online repair, rate-limit experiment) opens one Pool, submits work,
// drains it, and closes it — phases never share a pool.
package worker

import (
	"context"
	"sync"
	"time"
)

// Pool runs up to Concurrency tasks at once, each task started after a
// StaggerDelay past the previous one, so a batch of workers never sends a
// synchronized probe burst.
type Pool struct {
	Concurrency  int
	StaggerDelay time.Duration
}

// New creates a pool. A non-positive concurrency is treated as 1; a
// negative stagger delay is treated as 0.
func New(concurrency int, staggerDelay time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if staggerDelay < 0 {
		staggerDelay = 0
	}
	return &Pool{Concurrency: concurrency, StaggerDelay: staggerDelay}
}

// Task is one unit of work submitted to a pool. index is the task's
// position in the submitted slice, used by callers that need to label
// output without threading extra state through the closure.
type Task func(ctx context.Context, index int)

// Run launches every task, staggering each by StaggerDelay, bounding
// simultaneous tasks to Concurrency, and blocks until all have returned or
// ctx is cancelled. Run itself never returns an error: cancellation is
// cooperative, each Task is expected to poll ctx and return early.
func (p *Pool) Run(ctx context.Context, tasks []Task) {
	if len(tasks) == 0 {
		return
	}

	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			task(ctx, i)
		}(i, task)

		if p.StaggerDelay > 0 && i < len(tasks)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(p.StaggerDelay):
			}
		}
	}

	wg.Wait()
}

// Spawn is a convenience for submitting n identical, index-aware tasks.
func (p *Pool) Spawn(ctx context.Context, n int, fn Task) {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = fn
	}
	p.Run(ctx, tasks)
}
