// Package queue implements the agent execution scheduler: a unit of work
// either runs inline or goes through a single process-wide FIFO queue with a
// fixed concurrency ceiling. The queue exists to cap aggregate load on
// downstream search capacity; it holds no per-session priority.
package queue

import (
	"fmt"
	"sync"

	"github.com/modista/shopagent/internal/logger"
)

// Mode selects the dispatch strategy for one job.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeQueued    Mode = "queued"
)

// ParseMode maps configuration values to a Mode. The queue aliases
// "sync"/"queue" are accepted; anything unknown means immediate.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeQueued), "queue":
		return ModeQueued
	default:
		return ModeImmediate
	}
}

// DefaultConcurrency is the queue's concurrency ceiling when none is
// configured.
const DefaultConcurrency = 3

// Queue runs jobs with a bounded number of concurrent executions. Queued
// jobs are dispatched in submission order but may complete out of order.
type Queue struct {
	mu          sync.Mutex
	pending     []func()
	running     int
	concurrency int
}

// New creates a queue with the given concurrency ceiling.
func New(concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger.L.Info("agent queue initialized", "concurrency", concurrency)
	return &Queue{concurrency: concurrency}
}

// Run executes job either inline (ModeImmediate) or through the FIFO queue
// (ModeQueued), blocking until the job settles. The job's error is returned
// to the caller in both modes; a queued job's failure never affects the
// scheduler or other queued jobs.
func (q *Queue) Run(mode Mode, job func() error) error {
	if mode != ModeQueued {
		return job()
	}
	done := make(chan error, 1)
	q.mu.Lock()
	q.pending = append(q.pending, func() {
		err := runSafe(job)
		if err != nil {
			logger.L.Warn("agent queue job failed", "error", err)
		}
		done <- err
	})
	q.mu.Unlock()
	q.dispatch()
	return <-done
}

// runSafe keeps a misbehaving queued job from taking the scheduler down; a
// panic settles the caller's wait with an error like any other job failure.
func runSafe(job func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued job panic: %v", r)
		}
	}()
	return job()
}

// Running reports how many jobs are currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running < q.concurrency && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		go func() {
			defer func() {
				q.mu.Lock()
				q.running--
				q.mu.Unlock()
				q.dispatch()
			}()
			next()
		}()
	}
}
