package model

import (
	"bytes"
	"testing"
)

func sample() *Model {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	return &Model{
		TotalSize:  uint64(len(data)),
		WeightData: data,
		WeightItems: map[string]WeightItem{
			"w1": {Offset: 0, Size: 4, Shape: []int64{2, 2}, Type: Float32, RequireAggr: true},
			"w2": {Offset: 4, Size: 4, Shape: []int64{4}, Type: Float32, RequireAggr: false},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := sample()
	b := m.Marshal(nil)
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TotalSize != m.TotalSize {
		t.Fatalf("total size mismatch: %d != %d", got.TotalSize, m.TotalSize)
	}
	if !bytes.Equal(got.WeightData, m.WeightData) {
		t.Fatalf("weight data mismatch")
	}
	if !got.Equal(m) {
		t.Fatalf("Equal reported mismatch for round-tripped model")
	}
	if len(got.WeightItems) != len(m.WeightItems) {
		t.Fatalf("weight item count mismatch")
	}
	for name, wi := range m.WeightItems {
		gwi, ok := got.WeightItems[name]
		if !ok {
			t.Fatalf("missing weight item %s", name)
		}
		if gwi.Offset != wi.Offset || gwi.Size != wi.Size || gwi.Type != wi.Type || gwi.RequireAggr != wi.RequireAggr {
			t.Fatalf("weight item %s mismatch: %+v != %+v", name, gwi, wi)
		}
		if len(gwi.Shape) != len(wi.Shape) {
			t.Fatalf("shape length mismatch for %s", name)
		}
		for i := range wi.Shape {
			if gwi.Shape[i] != wi.Shape[i] {
				t.Fatalf("shape mismatch for %s", name)
			}
		}
	}
}

func TestMarshalBytewiseStable(t *testing.T) {
	m := sample()
	a := m.Marshal(nil)
	b := m.Marshal(nil)
	if !bytes.Equal(a, b) {
		t.Fatalf("marshal is not deterministic")
	}
}

func TestStoreInsertEvictsGreaterOrEqual(t *testing.T) {
	s := NewStore(3)
	s.Insert(1, sample())
	s.Insert(2, sample())
	s.Insert(3, sample())
	s.Insert(2, sample())
	if _, ok := s.Get(3); ok {
		t.Fatalf("expected iteration 3 to be evicted by re-inserting at 2")
	}
	if _, ok := s.Get(1); !ok {
		t.Fatalf("expected iteration 1 to survive")
	}
}

func TestStoreBoundedToMaxCount(t *testing.T) {
	s := NewStore(2)
	s.Insert(1, sample())
	s.Insert(2, sample())
	s.Insert(3, sample())
	if len(s.models) > 2 {
		t.Fatalf("store exceeded MaxCount: %d entries", len(s.models))
	}
	_, latestIter, ok := s.GetLatestModel()
	if !ok || latestIter != 3 {
		t.Fatalf("expected latest iteration 3, got %d (ok=%v)", latestIter, ok)
	}
}
