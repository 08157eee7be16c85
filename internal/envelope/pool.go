package envelope

import (
	"context"
	"sync/atomic"
)

// VerifyPool offloads signature checks to a fixed worker set so a burst of
// envelopes does not serialize verification on the request goroutines. When
// the queue is full, or the pool is not running, the caller verifies
// synchronously instead of blocking.
type VerifyPool struct {
	workers int
	jobs    chan verifyJob
	running atomic.Bool
}

type verifyJob struct {
	fn   func() bool
	done chan bool
}

func NewVerifyPool(workers, queue int) *VerifyPool {
	if workers < 1 {
		workers = 1
	}
	if queue < workers {
		queue = workers
	}
	return &VerifyPool{workers: workers, jobs: make(chan verifyJob, queue)}
}

// Run consumes jobs until the context is cancelled.
func (p *VerifyPool) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)
	for i := 0; i < p.workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					// Answer anything already queued so no caller hangs.
					for {
						select {
						case job := <-p.jobs:
							job.done <- job.fn()
						default:
							return
						}
					}
				case job := <-p.jobs:
					job.done <- job.fn()
				}
			}
		}()
	}
	<-ctx.Done()
}

// Do runs fn on a pool worker and waits for the verdict, falling back to the
// calling goroutine when the pool is idle or the queue is saturated.
func (p *VerifyPool) Do(fn func() bool) bool {
	if p == nil || !p.running.Load() {
		return fn()
	}
	job := verifyJob{fn: fn, done: make(chan bool, 1)}
	select {
	case p.jobs <- job:
		return <-job.done
	default:
		return fn()
	}
}
