package timer

import (
	"context"
	"testing"
	"time"

	"fedmesh.dev/pkg/cache"
)

type rec struct {
	calls int
	iter  uint64
}

func (r *rec) OnTimeout(it uint64) {
	r.calls++
	r.iter = it
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// directQueue runs enqueued callbacks inline so the tests below stay
// synchronous; deferral itself is covered by
// TestTimeoutCallbackIsEnqueuedNotInline.
type directQueue struct{}

func (directQueue) Enqueue(_ uint64, run func()) { run() }

func TestStartTimerWinnerDeadlineAdoptedByPeer(t *testing.T) {
	fc := cache.NewFake()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	a := New(fc, "ms_fl:job:inst1:", directQueue{}, 3600)
	a.now = fixedNow(base)
	ra := &rec{}
	a.RegisterTimer("updateModel", 10, ra)
	if err := a.StartTimer(ctx, "updateModel"); err != nil {
		t.Fatalf("a.StartTimer: %v", err)
	}

	b := New(fc, "ms_fl:job:inst1:", directQueue{}, 3600)
	b.now = fixedNow(base.Add(2 * time.Second))
	rb := &rec{}
	b.RegisterTimer("updateModel", 30, rb) // different duration, should lose the race
	if err := b.StartTimer(ctx, "updateModel"); err != nil {
		t.Fatalf("b.StartTimer: %v", err)
	}
	if err := b.Sync(ctx, 1); err != nil {
		t.Fatalf("b.Sync: %v", err)
	}
	if b.timers["updateModel"].deadlineMs != a.timers["updateModel"].deadlineMs {
		t.Fatalf("expected b to adopt a's winning deadline")
	}
}

func TestTimeoutFiresOnceAndStopPreventsIt(t *testing.T) {
	fc := cache.NewFake()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	a := New(fc, "ms_fl:job:inst1:", directQueue{}, 3600)
	a.now = fixedNow(base)
	ra := &rec{}
	a.RegisterTimer("round", 5, ra)
	if err := a.StartTimer(ctx, "round"); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}

	a.now = fixedNow(base.Add(10 * time.Second))
	if err := a.Sync(ctx, 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := a.Sync(ctx, 1); err != nil {
		t.Fatalf("Sync 2: %v", err)
	}
	if ra.calls != 1 {
		t.Fatalf("expected timeout to fire exactly once, fired %d times", ra.calls)
	}
}

type collectQueue struct{ tasks []func() }

func (q *collectQueue) Enqueue(_ uint64, run func()) { q.tasks = append(q.tasks, run) }

func TestTimeoutCallbackIsEnqueuedNotInline(t *testing.T) {
	fc := cache.NewFake()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	q := &collectQueue{}
	a := New(fc, "ms_fl:job:inst1:", q, 3600)
	a.now = fixedNow(base)
	ra := &rec{}
	a.RegisterTimer("round", 5, ra)
	if err := a.StartTimer(ctx, "round"); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}

	a.now = fixedNow(base.Add(10 * time.Second))
	if err := a.Sync(ctx, 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ra.calls != 0 {
		t.Fatalf("timeout callback ran on the Sync goroutine")
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected exactly one enqueued timeout task, got %d", len(q.tasks))
	}
	q.tasks[0]()
	if ra.calls != 1 || ra.iter != 1 {
		t.Fatalf("expected the drained task to fire the callback once for iteration 1, got calls=%d iter=%d", ra.calls, ra.iter)
	}
}

func TestStopTimerOverwritesCacheToZero(t *testing.T) {
	fc := cache.NewFake()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	a := New(fc, "ms_fl:job:inst1:", directQueue{}, 3600)
	a.now = fixedNow(base)
	ra := &rec{}
	a.RegisterTimer("round", 5, ra)
	if err := a.StartTimer(ctx, "round"); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	if err := a.StopTimer(ctx, "round"); err != nil {
		t.Fatalf("StopTimer: %v", err)
	}

	a.now = fixedNow(base.Add(100 * time.Second))
	if err := a.Sync(ctx, 1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if ra.calls != 0 {
		t.Fatalf("expected no timeout after Stop, a stopped timer must never fire")
	}
}
