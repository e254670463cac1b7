package engine

import (
	"context"
	"sync"
)

// Task is a unit of work executed by a WorkerPool.
type Task func(context.Context)

// TaskChannel queues Tasks for the workers of a WorkerPool.
type TaskChannel chan Task

// WorkerPool runs queued tasks on a resizable set of workers.
type WorkerPool struct {
	tasks TaskChannel

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
}

// NewWorkerPool creates a pool that drains tasks until the channel is
// closed or ctx ends.
func NewWorkerPool(ctx context.Context, tasks TaskChannel) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		tasks:   tasks,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quit := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quit
	p.workerCount++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		for {
			// quit and cancellation win over queued work
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case task, ok := <-p.tasks:
				if !ok {
					return
				}
				task(p.ctx)
			}
		}
	}()
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit) // worker exits after its current task
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Wait blocks until every worker has exited. Callers close the task channel
// first so workers drain the queue and stop.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
	p.cancel()
}

// Stop cancels the pool and waits for workers to exit. Queued tasks that
// have not started are dropped.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
