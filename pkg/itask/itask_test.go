package itask

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueuedTasksRunInOrder(t *testing.T) {
	th := New()
	th.Start()
	defer th.Stop()
	th.SetIteration(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		th.Enqueue(1, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	th.WaitAllTaskFinish()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected fifo order [0 1 2], got %v", order)
	}
}

func TestStaleIterationTaskIsDropped(t *testing.T) {
	th := New()
	th.Start()
	defer th.Stop()
	th.SetIteration(2)

	var ran int32
	th.Enqueue(1, func() { atomic.AddInt32(&ran, 1) })
	th.WaitAllTaskFinish()
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected stale task to be dropped, but it ran")
	}
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	th := New()
	th.Start()
	defer th.Stop()
	th.SetIteration(1)

	th.Enqueue(1, func() { panic("boom") })
	th.WaitAllTaskFinish()

	var ran int32
	th.Enqueue(1, func() { atomic.AddInt32(&ran, 1) })
	th.WaitAllTaskFinish()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected worker to survive a panic and run the next task")
	}
}

func TestWaitAllTaskFinishBlocksUntilQueueDrains(t *testing.T) {
	th := New()
	th.Start()
	defer th.Stop()
	th.SetIteration(1)

	done := make(chan struct{})
	th.Enqueue(1, func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	})
	th.WaitAllTaskFinish()
	select {
	case <-done:
	default:
		t.Fatalf("WaitAllTaskFinish returned before the task finished")
	}
}
