package dispatch

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var errTaskPanicked = errors.New("pile task panicked")

// Pile fans tasks out under a fixed concurrency cap and delivers results in
// completion order. A task returning an error produces no result: the
// bookkeeping is decremented but nothing is propagated, so the consumer
// simply observes one fewer result. The pile is reusable; after draining to
// zero it accepts new spawns.
type Pile[T any] struct {
	sem      chan struct{}
	inflight atomic.Int64

	mu      sync.Mutex
	queue   []T
	pending int
	wake    chan struct{}
}

// NewPile creates a pile running at most concurrency tasks at once.
func NewPile[T any](concurrency int) *Pile[T] {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		sem <- struct{}{}
	}
	return &Pile[T]{
		sem:  sem,
		wake: make(chan struct{}),
	}
}

// Spawn schedules a task without blocking the caller. Excess spawns queue
// behind the concurrency cap.
func (p *Pile[T]) Spawn(task func() (T, error)) {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	go func() {
		token := <-p.sem
		p.inflight.Add(1)

		val, err := p.run(task)

		p.inflight.Add(-1)
		p.sem <- token

		p.mu.Lock()
		p.pending--
		if err == nil {
			p.queue = append(p.queue, val)
		}
		close(p.wake)
		p.wake = make(chan struct{})
		p.mu.Unlock()
	}()
}

// run executes a task, converting a panic into a swallowed failure so the
// pile's accounting stays balanced.
func (p *Pile[T]) run(task func() (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pile task panicked", "panic", r)
			err = errTaskPanicked
		}
	}()
	return task()
}

// Inflight reports how many tasks are currently executing.
func (p *Pile[T]) Inflight() int {
	return int(p.inflight.Load())
}

// Pending reports how many spawned tasks have not yet completed.
func (p *Pile[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Next blocks until a result is available and returns it. ok is false once
// no results remain and no tasks are pending. Results arrive in completion
// order, not submission order.
func (p *Pile[T]) Next() (T, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			val := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return val, true
		}
		if p.pending == 0 {
			p.mu.Unlock()
			var zero T
			return zero, false
		}
		wake := p.wake
		p.mu.Unlock()
		<-wake
	}
}

// WaitAll returns every result that completes within the timeout. Tasks
// still running when the timeout fires are abandoned: they run to completion
// in the background and their results are discarded with the pile.
func (p *Pile[T]) WaitAll(timeout time.Duration) []T {
	return p.wait(timeout, math.MaxInt)
}

// WaitFirst returns the first result to complete within the timeout. ok is
// false if nothing completed in time.
func (p *Pile[T]) WaitFirst(timeout time.Duration) (T, bool) {
	results := p.wait(timeout, 1)
	if len(results) == 0 {
		var zero T
		return zero, false
	}
	return results[0], true
}

// wait collects up to firstN results, stopping at the timeout or when the
// pile drains. A final drain after the deadline picks up anything that
// completed while the timer was firing, so no completed result is missed.
func (p *Pile[T]) wait(timeout time.Duration, firstN int) []T {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []T
	for {
		p.mu.Lock()
		for len(p.queue) > 0 && len(out) < firstN {
			out = append(out, p.queue[0])
			p.queue = p.queue[1:]
		}
		drained := p.pending == 0
		wake := p.wake
		p.mu.Unlock()

		if drained || len(out) >= firstN {
			return out
		}

		select {
		case <-wake:
		case <-timer.C:
			p.mu.Lock()
			for len(p.queue) > 0 && len(out) < firstN {
				out = append(out, p.queue[0])
				p.queue = p.queue[1:]
			}
			p.mu.Unlock()
			return out
		}
	}
}
