package engine

import (
	"sync"

	"github.com/quorra-labs/conduct/pkg/schema"
)

// WorkerPool bounds how many submitted tasks run at once. Submit blocks
// until a worker slot is free, so callers can gate dispatch on shared
// state between submissions. A panicking task never takes the process
// down; the first panic is surfaced by Wait.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	panicErr error
}

// NewWorkerPool creates a pool with the given number of slots. Sizes
// below 1 are clamped to 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit schedules task on a free slot, blocking while all slots are busy.
func (p *WorkerPool) Submit(task func()) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.mu.Lock()
				if p.panicErr == nil {
					p.panicErr = schema.NewErrorf(schema.ErrCodeExecution, "panic: %v", r)
				}
				p.mu.Unlock()
			}
		}()
		task()
	}()
}

// Wait blocks until every submitted task has finished and reports the
// first recovered panic, if any.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.panicErr
}
