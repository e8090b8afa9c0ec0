package summary

import (
	"context"
	"testing"

	"fedmesh.dev/pkg/cache"
)

func TestSummarizeSignDSOldVersionFallback(t *testing.T) {
	c := cache.NewFake()
	r := New(c, "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)

	// Only one bHat reported against a large updatemodel_num: falls below
	// the old-version ratio threshold, so SummarizeSignDS seeds r_est from
	// the global learning rate instead of running the random-response
	// update.
	if err := r.PushSignDSbHat(context.Background(), "1"); err != nil {
		t.Fatalf("PushSignDSbHat: %v", err)
	}
	grad, err := r.SummarizeSignDS(context.Background(), 1000, 0.1)
	if err != nil {
		t.Fatalf("SummarizeSignDS: %v", err)
	}
	if grad != 0 {
		t.Fatalf("expected zero grad on old-version fallback, got %v", grad)
	}
	fields, err := c.HGetAll(context.Background(), r.signdsHashKey())
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["r_est"] == "" {
		t.Fatalf("expected r_est to be seeded on old-version fallback")
	}
}

func TestSummarizeSignDSRandomResponseUpdate(t *testing.T) {
	c := cache.NewFake()
	r := New(c, "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)

	// Enough bHat reports relative to a small updatemodel_num clears the
	// old-version fallback, so the random-response estimator runs and
	// reached_count moves.
	for i := 0; i < 5; i++ {
		if err := r.PushSignDSbHat(context.Background(), "1"); err != nil {
			t.Fatalf("PushSignDSbHat: %v", err)
		}
	}
	grad, err := r.SummarizeSignDS(context.Background(), 10, 0.1)
	if err != nil {
		t.Fatalf("SummarizeSignDS: %v", err)
	}
	if grad < 0 {
		t.Fatalf("expected non-negative grad, got %v", grad)
	}

	length, err := c.LLen(context.Background(), r.keyPrefix+"signds:bHat:List")
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if length != 0 {
		t.Fatalf("expected bHat list drained after summarization, got length %d", length)
	}
}

func TestRecordGroupLabelAndReset(t *testing.T) {
	r := New(cache.NewFake(), "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)

	if _, _, ok := r.GroupLabels(); ok {
		t.Fatalf("expected no group/label data before any RecordGroupLabel call")
	}
	r.RecordGroupLabel("g1", 1)
	r.RecordGroupLabel("g1", 1)
	r.RecordGroupLabel("g1", 0)

	groupIDs, labels, ok := r.GroupLabels()
	if !ok || len(groupIDs) != 3 || len(labels) != 3 {
		t.Fatalf("GroupLabels = %v, %v, %v; want 3 pairs", groupIDs, labels, ok)
	}

	r.Reset()
	if _, _, ok := r.GroupLabels(); ok {
		t.Fatalf("Reset did not clear group/label accumulators")
	}
}
