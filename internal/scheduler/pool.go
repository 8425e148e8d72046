package scheduler

import (
	"context"
	"sync"
)

// workerPool bounds running executions with a permit channel. The poller
// takes a permit before claiming, so a claimed row always has a slot.
type workerPool struct {
	permits chan struct{}
	wg      sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	p := &workerPool{permits: make(chan struct{}, size)}
	for range size {
		p.permits <- struct{}{}
	}
	return p
}

func (p *workerPool) tryAcquire() bool {
	select {
	case <-p.permits:
		return true
	default:
		return false
	}
}

func (p *workerPool) release() {
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

// run executes fn on a new goroutine holding an already acquired permit.
func (p *workerPool) run(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		fn()
	}()
}

func (p *workerPool) size() int {
	return cap(p.permits)
}

func (p *workerPool) freeSlots() int {
	return len(p.permits)
}

// wait blocks until every running fn returned or ctx is done.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
