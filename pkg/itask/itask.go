// Package itask implements the single-threaded iteration-task worker: a
// FIFO queue that drains counter/timer callbacks so that aggregation and
// iteration transitions never race with request handlers. Every task is
// stamped with the iteration it was queued for; the worker drops any task
// whose iteration no longer matches CurrentIteration when it is dequeued.
package itask

import (
	"sync"

	"lol.mleku.dev/log"
)

// Task is a unit of deferred work queued by the counter/timer services.
type Task struct {
	Iteration uint64
	Run       func()
}

// Thread is the iteration-task worker: one goroutine, one FIFO queue,
// condition-variable wakeup, and a "currently handling" flag the main loop
// polls via WaitAllTaskFinish.
type Thread struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	running bool
	handling bool
	stopped bool

	// CurrentIteration is read under mu by the worker before running a
	// task; the main loop updates it via SetIteration as soon as it
	// observes a new-iteration event.
	currentIteration uint64
}

// New returns a stopped Thread; call Start to begin draining tasks.
func New() *Thread {
	t := &Thread{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the worker goroutine.
func (t *Thread) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()
	go t.loop()
}

// Stop signals the worker to exit after draining the current queue.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// SetIteration updates the iteration used to drop stale tasks.
func (t *Thread) SetIteration(it uint64) {
	t.mu.Lock()
	t.currentIteration = it
	t.mu.Unlock()
}

// Enqueue appends a task stamped for the given iteration.
func (t *Thread) Enqueue(iteration uint64, run func()) {
	t.mu.Lock()
	t.queue = append(t.queue, Task{Iteration: iteration, Run: run})
	t.cond.Broadcast()
	t.mu.Unlock()
}

// WaitAllTaskFinish blocks until the queue is empty and no task is
// currently executing; the main loop calls this before advancing the
// iteration so no stale callback runs against the next iteration's state.
func (t *Thread) WaitAllTaskFinish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for (len(t.queue) > 0 || t.handling) && !t.stopped {
		t.cond.Wait()
	}
}

func (t *Thread) loop() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if t.stopped && len(t.queue) == 0 {
			t.running = false
			t.mu.Unlock()
			return
		}
		task := t.queue[0]
		t.queue = t.queue[1:]
		t.handling = true
		cur := t.currentIteration
		t.mu.Unlock()

		if task.Iteration != cur {
			log.D.F(
				"itask: dropping stale task for iteration %d, current is %d",
				task.Iteration, cur,
			)
		} else {
			t.runSafely(task.Run)
		}

		t.mu.Lock()
		t.handling = false
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func (t *Thread) runSafely(run func()) {
	defer func() {
		if r := recover(); r != nil {
			log.E.F("itask: recovered panic in task: %v", r)
		}
	}()
	run()
}
