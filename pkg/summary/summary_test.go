package summary

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fedmesh.dev/pkg/cache"
)

func TestRecordAndResetRoundTrip(t *testing.T) {
	r := New(cache.NewFake(), "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)
	r.RecordRoundOutcome("updateModel", true)
	r.RecordRoundOutcome("updateModel", false)
	r.RecordParticipationTime(500)
	r.RecordParticipationTime(2000)
	r.RecordParticipationTime(9000)
	r.RecordUploadLoss(0.2)
	r.RecordUploadLoss(0.4)
	r.RecordUploadAccuracy(0.9)
	r.RecordTrainDataSize(10)
	r.RecordEvalDataSize(3)

	if got := r.AverageLoss(); got < 0.29 || got > 0.31 {
		t.Fatalf("AverageLoss = %v, want ~0.3", got)
	}
	if got := r.AverageAccuracy(); got != 0.9 {
		t.Fatalf("AverageAccuracy = %v, want 0.9", got)
	}

	r.Reset()
	if r.AverageLoss() != 0 || r.AverageAccuracy() != 0 {
		t.Fatalf("Reset did not clear accumulators")
	}
}

func TestAcquireLockSerialisesWriters(t *testing.T) {
	c := cache.NewFake()
	a := New(c, "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)
	b := New(c, "ms_fl:fl1:i_1:", "s1", t.TempDir(), 1000, 5000)

	ok, err := a.AcquireLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("first AcquireLock: ok=%v err=%v", ok, err)
	}
	ok, err = b.AcquireLock(context.Background())
	if err != nil {
		t.Fatalf("second AcquireLock: %v", err)
	}
	if ok {
		t.Fatalf("second AcquireLock should have lost the race")
	}
	if err := a.MarkFinished(context.Background()); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}
}

func TestWriteSummaryHashPersistsEncodedTally(t *testing.T) {
	c := cache.NewFake()
	r := New(c, "ms_fl:fl1:i_1:", "s0", t.TempDir(), 1000, 5000)
	r.RecordRoundOutcome("startFLJob", true)

	if err := r.WriteSummaryHash(context.Background()); err != nil {
		t.Fatalf("WriteSummaryHash: %v", err)
	}
	fields, err := c.HGetAll(context.Background(), "ms_fl:fl1:i_1:summary:Hash")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["s0"] == "" {
		t.Fatalf("expected encoded summary for s0, got empty")
	}
}

func TestPersistMetricsAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	r := New(cache.NewFake(), "ms_fl:fl1:i_1:", "s0", dir, 1000, 5000)
	now := time.Unix(1700000000, 0).UTC()
	rec := MetricsRecord{
		InstanceName: "i_1", FlName: "fl1", InstanceStatus: "Running",
		FlIterationNum: 10, CurrentIteration: 1,
		Metrics:         Metrics{MetricsLoss: 0.5, MetricsAuc: 0.8, UnsupervisedEval: 0.1},
		IterationResult: true, StartTime: now, EndTime: now.Add(time.Second),
		IterationExecutionMs: 1000,
	}
	if err := r.PersistMetrics(rec); err != nil {
		t.Fatalf("PersistMetrics: %v", err)
	}
	r.Close()

	b, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	if err != nil {
		t.Fatalf("read metrics.json: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("metrics.json is empty")
	}
}

func TestAppendDataRateRollsByDate(t *testing.T) {
	dir := t.TempDir()
	r := New(cache.NewFake(), "ms_fl:fl1:i_1:", "s0", dir, 1000, 5000)
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	if err := r.AppendDataRate("127.0.0.1:9000", 10, 20, day1); err != nil {
		t.Fatalf("AppendDataRate day1: %v", err)
	}
	if err := r.AppendDataRate("127.0.0.1:9000", 30, 40, day2); err != nil {
		t.Fatalf("AppendDataRate day2: %v", err)
	}
	r.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 data-rate files, got %d", count)
	}
}
