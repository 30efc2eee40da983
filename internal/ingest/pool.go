package ingest

import (
	"context"
	"sync"
)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func(context.Context)
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan func(context.Context), queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		task(p.ctx)
	}
}

// Context is cancelled when the pool closes. Jobs derive their contexts from
// it.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// TrySubmit enqueues task without blocking. It reports false when the queue
// is full or the pool is closed.
func (p *Pool) TrySubmit(task func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// Close cancels the pool context, lets workers drain the queue and waits for
// them to exit. Queued tasks still run and observe the cancelled context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
