package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franksops/ingestd/engine"
)

func TestWorkerPool_SetWorkerCount(t *testing.T) {
	ch := make(engine.TaskChannel, 100)
	pool := engine.NewWorkerPool(context.Background(), ch)

	pool.SetWorkerCount(5)
	if count := pool.WorkerCount(); count != 5 {
		t.Errorf("Expected 5 workers, got %d", count)
	}

	pool.SetWorkerCount(2)
	if count := pool.WorkerCount(); count != 2 {
		t.Errorf("Expected 2 workers, got %d", count)
	}

	pool.SetWorkerCount(10)
	if count := pool.WorkerCount(); count != 10 {
		t.Errorf("Expected 10 workers, got %d", count)
	}

	pool.Stop()
}

func TestWorkerPool_WaitDrainsQueue(t *testing.T) {
	ch := make(engine.TaskChannel, 100)
	pool := engine.NewWorkerPool(context.Background(), ch)
	pool.SetWorkerCount(3)

	var processed atomic.Int32
	for i := 0; i < 10; i++ {
		ch <- func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond) // simulate a stat round trip
			processed.Add(1)
		}
	}
	close(ch)
	pool.Wait()

	if n := processed.Load(); n != 10 {
		t.Errorf("Expected 10 processed tasks, got %d", n)
	}
}

func TestWorkerPool_StopCancelsTasks(t *testing.T) {
	ch := make(engine.TaskChannel, 1)
	pool := engine.NewWorkerPool(context.Background(), ch)
	pool.SetWorkerCount(1)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	ch <- func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}

	<-started
	pool.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}
