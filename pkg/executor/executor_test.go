package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"fedmesh.dev/pkg/model"
	"fedmesh.dev/pkg/rpc"
)

// fakeMasking mirrors app/cipher.go's hmacMasking stand-in without
// importing the app package (which would create an import cycle).
type fakeMasking struct{}

func (fakeMasking) GetMasking(selfPriv, peerPub []byte) ([]byte, error) {
	h := hmac.New(sha256.New, selfPriv)
	h.Write(peerPub)
	return h.Sum(nil), nil
}

// localTransport wires N in-process Executors together via
// rpc.CollectiveRouter, bypassing the network entirely, so the ring
// all-reduce algorithm itself can be exercised without real sockets.
type localTransport struct {
	self    string
	routers map[string]*rpc.CollectiveRouter
}

func (t *localTransport) Send(_ context.Context, to Peer, meta rpc.CollectiveMessageMeta, chunk []byte) error {
	meta.SendNode = t.self
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	t.routers[to.ID].Deliver(meta, cp)
	return nil
}

func (t *localTransport) Recv(ctx context.Context, meta rpc.CollectiveMessageMeta, timeout time.Duration) ([]byte, error) {
	return t.routers[t.self].Wait(ctx, meta, timeout)
}

func floatsToBytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

func buildInitial(weightName string, n int) *model.Model {
	m := &model.Model{WeightItems: map[string]model.WeightItem{}}
	data := make([]byte, n*4)
	m.WeightData = data
	m.WeightItems[weightName] = model.WeightItem{Offset: 0, Size: uint64(n * 4), RequireAggr: true}
	m.TotalSize = uint64(n * 4)
	return m
}

func never(uint64) bool { return false }

func TestSyncLatestModelFromOtherServersAdoptsFirstNonEmptyReply(t *testing.T) {
	store := model.NewStore(3)
	e := New(store, "self")
	seed := buildInitial("w", 2)

	peerModel := buildInitial("w", 2)
	copy(peerModel.WeightData, floatsToBytes([]float32{7, 9}))
	peerPayload := peerModel.Marshal(nil)

	fetch := func(_ context.Context, addr string) ([]byte, error) {
		switch addr {
		case "peer-a":
			return nil, nil // aggregation not done there yet
		case "peer-b":
			return peerPayload, nil
		default:
			t.Fatalf("unexpected peer address %q", addr)
			return nil, nil
		}
	}

	e.SyncLatestModelFromOtherServers(context.Background(), 5,
		[]Peer{{ID: "self", Addr: "self-addr"}, {ID: "a", Addr: "peer-a"}, {ID: "b", Addr: "peer-b"}},
		seed, fetch)

	got, iter, ok := store.GetLatestModel()
	if !ok || iter != 5 {
		t.Fatalf("GetLatestModel = (iter=%d, ok=%v), want (5, true)", iter, ok)
	}
	if vals := bytesToFloats(got.WeightData); vals[0] != 7 || vals[1] != 9 {
		t.Fatalf("adopted model weights = %v, want [7 9]", vals)
	}
}

func TestSyncLatestModelFromOtherServersFallsBackToSeed(t *testing.T) {
	store := model.NewStore(3)
	e := New(store, "self")
	seed := buildInitial("w", 2)
	copy(seed.WeightData, floatsToBytes([]float32{1, 2}))

	fetch := func(_ context.Context, _ string) ([]byte, error) { return nil, nil }

	e.SyncLatestModelFromOtherServers(context.Background(), 3,
		[]Peer{{ID: "self", Addr: "self-addr"}, {ID: "a", Addr: "peer-a"}}, seed, fetch)

	got, iter, ok := store.GetLatestModel()
	if !ok || iter != 3 {
		t.Fatalf("GetLatestModel = (iter=%d, ok=%v), want (3, true)", iter, ok)
	}
	if vals := bytesToFloats(got.WeightData); vals[0] != 1 || vals[1] != 2 {
		t.Fatalf("fallback model weights = %v, want seed [1 2]", vals)
	}
}

func TestUnmaskRemovesDroppedClientContribution(t *testing.T) {
	store := model.NewStore(3)
	ex := New(store, "self")
	initial := buildInitial("w", 4)
	ex.ResetAggregationStatus(initial.Clone())

	masking := fakeMasking{}
	selfPub := []byte("self-pub")
	secret := []byte("dropped-client-secret")

	seed, err := masking.GetMasking(secret, selfPub)
	if err != nil {
		t.Fatalf("GetMasking: %v", err)
	}
	maskedContribution := bytesToFloats(expandSeed(seed, 16))

	if err := ex.HandleModelUpdate(map[string][]float32{"w": maskedContribution}, 1); err != nil {
		t.Fatalf("HandleModelUpdate: %v", err)
	}

	if err := ex.Unmask(masking, selfPub, map[string][]byte{"dropped": secret}); err != nil {
		t.Fatalf("Unmask: %v", err)
	}

	buf, ok := ex.HandlePullWeight("w")
	if !ok {
		t.Fatalf("expected w buffer present")
	}
	for i, v := range bytesToFloats(buf) {
		if v > 1e-3 || v < -1e-3 {
			t.Fatalf("element %d after unmask = %v, want ~0", i, v)
		}
	}
}

func TestRingAllReduceThreeServersAveragesWeights(t *testing.T) {
	ring := []Peer{{ID: "s0"}, {ID: "s1"}, {ID: "s2"}}
	routers := map[string]*rpc.CollectiveRouter{
		"s0": rpc.NewCollectiveRouter(),
		"s1": rpc.NewCollectiveRouter(),
		"s2": rpc.NewCollectiveRouter(),
	}

	initial := buildInitial("w", 6)
	stores := map[string]*model.Store{}
	execs := map[string]*Executor{}
	contribs := [][]float32{
		{1, 2, 3, 4, 5, 6},
		{10, 20, 30, 40, 50, 60},
		{100, 200, 300, 400, 500, 600},
	}
	dataSizes := []uint64{1, 1, 1}

	for i, id := range []string{"s0", "s1", "s2"} {
		st := model.NewStore(3)
		stores[id] = st
		ex := New(st, id)
		ex.ResetAggregationStatus(initial.Clone())
		if err := ex.HandleModelUpdate(map[string][]float32{"w": contribs[i]}, dataSizes[i]); err != nil {
			t.Fatalf("HandleModelUpdate: %v", err)
		}
		execs[id] = ex
	}

	var mu sync.Mutex
	results := make(map[string]*model.Model)
	errs := make(map[string]error)
	done := make(chan string, 3)

	for i, id := range []string{"s0", "s1", "s2"} {
		go func(rank int, id string) {
			transport := &localTransport{self: id, routers: routers}
			_, res, err := execs[id].RunWeightAggregation(context.Background(), 1, ring, rank, transport, never)
			mu.Lock()
			results[id] = res
			errs[id] = err
			mu.Unlock()
			done <- id
		}(i, id)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for all-reduce to finish")
		}
	}

	for _, id := range []string{"s0", "s1", "s2"} {
		if errs[id] != nil {
			t.Fatalf("%s: RunWeightAggregation error: %v", id, errs[id])
		}
	}

	want := []float32{37, 74, 111, 148, 185, 222}
	for _, id := range []string{"s0", "s1", "s2"} {
		slice, ok := results[id].Slice("w")
		if !ok {
			t.Fatalf("%s: missing weight in result", id)
		}
		got := bytesToFloats(slice)
		for i := range want {
			if diff := got[i] - want[i]; diff > 1e-3 || diff < -1e-3 {
				t.Fatalf("%s: element %d = %v, want %v", id, i, got[i], want[i])
			}
		}
	}

	if !results["s0"].Equal(results["s1"]) || !results["s1"].Equal(results["s2"]) {
		t.Fatalf("ring all-reduce did not converge to byte-identical models across servers")
	}
}

func TestRingAllReduceSingleServerShortCircuits(t *testing.T) {
	ring := []Peer{{ID: "solo"}}
	initial := buildInitial("w", 4)
	st := model.NewStore(3)
	ex := New(st, "solo")
	ex.ResetAggregationStatus(initial.Clone())
	if err := ex.HandleModelUpdate(map[string][]float32{"w": {2, 4, 6, 8}}, 2); err != nil {
		t.Fatalf("HandleModelUpdate: %v", err)
	}

	transport := &localTransport{self: "solo", routers: map[string]*rpc.CollectiveRouter{"solo": rpc.NewCollectiveRouter()}}
	_, res, err := ex.RunWeightAggregation(context.Background(), 1, ring, 0, transport, never)
	if err != nil {
		t.Fatalf("RunWeightAggregation: %v", err)
	}
	slice, _ := res.Slice("w")
	got := bytesToFloats(slice)
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRingAllReduceSmallWeightFallsBackToReduceBroadcast(t *testing.T) {
	// 1 element, 2 servers: below ring size, exercises reduceToRank0Broadcast.
	ring := []Peer{{ID: "a"}, {ID: "b"}}
	routers := map[string]*rpc.CollectiveRouter{"a": rpc.NewCollectiveRouter(), "b": rpc.NewCollectiveRouter()}
	initial := buildInitial("scalar", 1)

	exA := New(model.NewStore(3), "a")
	exA.ResetAggregationStatus(initial.Clone())
	if err := exA.HandleModelUpdate(map[string][]float32{"scalar": {3}}, 1); err != nil {
		t.Fatal(err)
	}
	exB := New(model.NewStore(3), "b")
	exB.ResetAggregationStatus(initial.Clone())
	if err := exB.HandleModelUpdate(map[string][]float32{"scalar": {5}}, 1); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	results := make(map[string]*model.Model)
	errs := make(map[string]error)
	done := make(chan string, 2)
	for _, rec := range []struct {
		id   string
		rank int
		ex   *Executor
	}{{"a", 0, exA}, {"b", 1, exB}} {
		go func(id string, rank int, ex *Executor) {
			transport := &localTransport{self: id, routers: routers}
			_, res, err := ex.RunWeightAggregation(context.Background(), 1, ring, rank, transport, never)
			mu.Lock()
			results[id] = res
			errs[id] = err
			mu.Unlock()
			done <- id
		}(rec.id, rec.rank, rec.ex)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out")
		}
	}
	for _, id := range []string{"a", "b"} {
		if errs[id] != nil {
			t.Fatalf("%s: %v", id, errs[id])
		}
		slice, _ := results[id].Slice("scalar")
		got := bytesToFloats(slice)[0]
		if diff := got - 4; diff > 1e-3 || diff < -1e-3 {
			t.Fatalf("%s: got %v, want 4 (avg of 3,5)", id, got)
		}
	}
}

func TestRunWeightAggregationSkipsWhenSelfRankNegative(t *testing.T) {
	initial := buildInitial("w", 4)
	ex := New(model.NewStore(3), "solo")
	ex.ResetAggregationStatus(initial.Clone())
	skipped, res, err := ex.RunWeightAggregation(context.Background(), 1, nil, -1, nil, never)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !skipped {
		t.Fatalf("expected skipped=true")
	}
	if res != nil {
		t.Fatalf("expected nil result on skip")
	}
	if !ex.Done() {
		t.Fatalf("expected Done() to report true after skip")
	}
}

func TestHandleModelUpdateIgnoresNonAggregatedWeights(t *testing.T) {
	m := &model.Model{WeightItems: map[string]model.WeightItem{
		"agg":    {Offset: 0, Size: 8, RequireAggr: true},
		"frozen": {Offset: 8, Size: 8, RequireAggr: false},
	}, WeightData: make([]byte, 16), TotalSize: 16}
	copy(m.WeightData[8:], floatsToBytes([]float32{9, 9}))

	ex := New(model.NewStore(3), "s")
	ex.ResetAggregationStatus(m)
	if err := ex.HandleModelUpdate(map[string][]float32{
		"agg":    {1, 2},
		"frozen": {100, 100},
	}, 1); err != nil {
		t.Fatalf("HandleModelUpdate: %v", err)
	}

	aggBytes, ok := ex.HandlePullWeight("agg")
	if !ok {
		t.Fatalf("expected agg buffer present")
	}
	got := bytesToFloats(aggBytes)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected agg buffer: %v", got)
	}

	frozenBytes, ok := ex.HandlePullWeight("frozen")
	if !ok {
		t.Fatalf("expected frozen buffer present")
	}
	got = bytesToFloats(frozenBytes)
	if got[0] != 9 || got[1] != 9 {
		t.Fatalf("frozen weight should be untouched, got %v", got)
	}
}
