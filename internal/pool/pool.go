// Package pool runs short tasks, long-running service callbacks, and timed
// callbacks on a shared set of workers.
package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pool schedules opaque callables on a bounded worker set. Short tasks are
// queued to the workers; long-running tasks declare themselves via
// SubmitLong and get a dedicated replacement worker so they cannot starve
// the queue. Tasks carry no ordering guarantees.
type Pool struct {
	tasks chan func()

	mu      sync.Mutex
	stopped bool

	workers sync.WaitGroup
	long    sync.WaitGroup
}

// New creates a pool with n queue workers. n must be at least 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{tasks: make(chan func(), 64)}
	p.workers.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues a short task. Tasks submitted after Stop are dropped.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		log.Warn().Msg("task submitted to stopped pool, dropping")
		return
	}
	p.tasks <- task
}

// SubmitLong runs a long-running task on its own worker so queue workers
// stay available for short tasks.
func (p *Pool) SubmitLong(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		log.Warn().Msg("long task submitted to stopped pool, dropping")
		return
	}
	p.long.Add(1)
	go func() {
		defer p.long.Done()
		task()
	}()
}

// Timer is a handle to a timed callback. Release cancels the callback if it
// has not fired yet; a fired callback always runs to completion.
type Timer struct {
	timer *time.Timer
}

// Release cooperatively cancels the timer. It reports whether the callback
// was prevented from running.
func (t *Timer) Release() bool {
	return t.timer.Stop()
}

// SubmitTimer schedules task to run on a queue worker once delay elapses.
// A timer that fires after Stop finds the queue drained and its task is
// dropped; callers needing certainty release the handle first.
func (p *Pool) SubmitTimer(task func(), delay time.Duration) *Timer {
	return &Timer{timer: time.AfterFunc(delay, func() { p.Submit(task) })}
}

// Stop drains queued tasks and waits for in-flight short and long work.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.workers.Wait()
	p.long.Wait()
}
