// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// task is a unit of work submitted to a Pool. Fire and forget; the
// submitter learns the outcome through whatever fn itself delivers.
type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool runs tasks on a fixed set of workers fed from a bounded queue.
// Submit never blocks; a full queue rejects the task so a slow
// downstream cannot stall the accept path.
type Pool struct {
	logger  *slog.Logger
	queue   chan task
	closing chan struct{}
	done    sync.WaitGroup

	once sync.Once
}

// NewPool starts workers goroutines draining a queue of queueSize.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:  logger.With("component", "dispatch.pool"),
		queue:   make(chan task, queueSize),
		closing: make(chan struct{}),
	}
	p.done.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.done.Done()
	for {
		select {
		case t := <-p.queue:
			p.execute(t)
		case <-p.closing:
			// Drain already-enqueued tasks before exiting.
			for {
				select {
				case t := <-p.queue:
					p.execute(t)
				default:
					return
				}
			}
		}
	}
}

// execute runs one task with panic recovery. Skips execution when the
// submitter's context expired while the task sat in the queue.
func (p *Pool) execute(t task) {
	if t.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	t.fn(t.ctx)
}

// Submit enqueues fn for execution. Returns immediately; a saturated
// queue or a closed pool rejects the task with an error.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.closing:
		return nemerr.New(nemerr.CodeDispatchClosed, "pool is closed")
	default:
	}

	select {
	case p.queue <- task{ctx: ctx, fn: fn}:
		return nil
	case <-p.closing:
		return nemerr.New(nemerr.CodeDispatchClosed, "pool is closed")
	default:
		return nemerr.New(nemerr.CodeDispatchQueueSaturated, "work queue is full")
	}
}

// Close stops accepting work and waits for the workers to finish the
// tasks already enqueued. Idempotent.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closing)
		p.done.Wait()
	})
}
