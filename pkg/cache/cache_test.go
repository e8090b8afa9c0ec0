package cache

import (
	"context"
	"testing"
)

func TestFakeHIncrByAndExpire(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	v, err := f.HIncrBy(ctx, "count:Hash", "startFLJob", 1)
	if err != nil || v != 1 {
		t.Fatalf("expected 1, got %d err %v", v, err)
	}
	v, err = f.HIncrBy(ctx, "count:Hash", "startFLJob", 1)
	if err != nil || v != 2 {
		t.Fatalf("expected 2, got %d err %v", v, err)
	}

	ok, err := f.HSetNX(ctx, "timer:Hash", "updateModel", "1000")
	if err != nil || !ok {
		t.Fatalf("expected first HSetNX to succeed")
	}
	ok, err = f.HSetNX(ctx, "timer:Hash", "updateModel", "2000")
	if err != nil || ok {
		t.Fatalf("expected second HSetNX to be a no-op")
	}
	val, found, err := f.HGet(ctx, "timer:Hash", "updateModel")
	if err != nil || !found || val != "1000" {
		t.Fatalf("expected 1000, got %q found=%v err=%v", val, found, err)
	}
}

func TestFakeSetExNXElection(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	ok, err := f.SetExNX(ctx, "server:regLock:String", "node-a", 60)
	if err != nil || !ok {
		t.Fatalf("first claimant should win the lock")
	}
	ok, err = f.SetExNX(ctx, "server:regLock:String", "node-b", 60)
	if err != nil || ok {
		t.Fatalf("second claimant must not win the lock")
	}
}

func TestFakeUnavailable(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.SetUnavailable(true)

	if _, _, err := f.Get(ctx, "x"); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFakeListRangeAndTrim(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	if err := f.LPush(ctx, "data_rate", "a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	vals, err := f.LRange(ctx, "data_rate", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(vals))
	}
	if err := f.LTrim(ctx, "data_rate", 0, 1); err != nil {
		t.Fatal(err)
	}
	n, err := f.LLen(ctx, "data_rate")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 after trim, got %d err %v", n, err)
	}
}
