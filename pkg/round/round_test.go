package round

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"fedmesh.dev/pkg/cache"
	"fedmesh.dev/pkg/counter"
	"fedmesh.dev/pkg/executor"
	"fedmesh.dev/pkg/instance"
	"fedmesh.dev/pkg/model"
	"fedmesh.dev/pkg/timer"
	"fedmesh.dev/pkg/wire"
)

type noPeers struct{}

func (noPeers) GetAllServers() map[string]string { return map[string]string{} }

// directQueue stands in for the iteration-task thread, running enqueued
// counter/timer callbacks inline so kernel tests stay synchronous.
type directQueue struct{}

func (directQueue) Enqueue(_ uint64, run func()) { run() }

type fakeDecoder struct{ delta map[string][]float32 }

func (f fakeDecoder) Decode(_ []byte) (map[string][]float32, error) { return f.delta, nil }

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) Verify(_, _, _ []byte) bool { return f.ok }

type fakeSecrets struct{}

func (fakeSecrets) Split(secret []byte, n, threshold int) ([][]byte, error) {
	out := make([][]byte, n)
	for i := range out {
		out[i] = secret
	}
	return out, nil
}

func (fakeSecrets) Combine(shares [][]byte) ([]byte, error) {
	var out []byte
	for i, s := range shares {
		if i > 0 {
			out = append(out, '+')
		}
		out = append(out, s...)
	}
	return out, nil
}

func lookupAlways(pub []byte) func(string) ([]byte, bool) {
	return func(string) ([]byte, bool) { return pub, true }
}

func buildModel() *model.Model {
	m := &model.Model{
		TotalSize:  8,
		WeightData: make([]byte, 8),
		WeightItems: map[string]model.WeightItem{
			"w": {Offset: 0, Size: 8, Shape: []int64{2}, Type: model.Float32, RequireAggr: true},
		},
	}
	return m
}

type harness struct {
	d        *Dispatcher
	c        *cache.Fake
	inst     *instance.Context
	counters *counter.Service
	timers   *timer.Service
	exec     *executor.Executor
	store    *model.Store
	decoder  *fakeDecoder
}

func newHarness(t *testing.T, cfg RoundConfig) *harness {
	t.Helper()
	c := cache.NewFake()
	inst := instance.New(c, "fl1", 3600)
	if _, err := inst.InitAndSync(context.Background(), 0); err != nil {
		t.Fatalf("InitAndSync: %v", err)
	}
	cs := counter.New(c, inst.KeyPrefix(), "s0", noPeers{}, nil, directQueue{}, 3600)
	ts := timer.New(c, inst.KeyPrefix(), directQueue{}, 3600)
	store := model.NewStore(3)
	exec := executor.New(store, "s0")

	dec := &fakeDecoder{delta: map[string][]float32{"w": {1, 2}}}

	deps := &Deps{
		Cache: c, Instance: inst, Counters: cs, Timers: ts, Exec: exec, Store: store,
		Sig: SignatureDeps{
			Lookup:       lookupAlways([]byte("pub")),
			Verifier:     fakeVerifier{ok: true},
			ReplayWindow: time.Hour,
			Now:          func() time.Time { return time.Unix(1000, 0) },
		},
		Cipher: CipherDeps{Secrets: fakeSecrets{}, Decoder: dec},
	}
	d := NewDispatcher(deps, 0)
	RegisterDefaultRounds(d, cfg)

	return &harness{d: d, c: c, inst: inst, counters: cs, timers: ts, exec: exec, store: store, decoder: dec}
}

func defaultCfg() RoundConfig {
	return RoundConfig{
		StartFLJobThreshold: 1, StartFLJobWindowSec: 60,
		UpdateModelThreshold: 2, UpdateModelWindowSec: 60,
		CipherThreshold: 2, CipherWindowSec: 60,
		ReconstructThreshold: 2, GlobalWindowSec: 60,
	}
}

func TestDispatchRejectsWhenInstanceDisabled(t *testing.T) {
	h := newHarness(t, defaultCfg())
	if _, err := h.inst.RequestState(context.Background(), instance.Disable); err != nil {
		t.Fatalf("RequestState: %v", err)
	}
	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindStartFLJob, Payload: StartFLJobRequest{FlID: "c1"}})
	if resp.RetCode != wire.JobNotAvailable {
		t.Fatalf("got %v, want JobNotAvailable", resp.RetCode)
	}
}

func TestDispatchRejectsWhenInstanceStopped(t *testing.T) {
	h := newHarness(t, defaultCfg())
	if _, err := h.inst.RequestState(context.Background(), instance.Stop); err != nil {
		t.Fatalf("RequestState: %v", err)
	}
	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindStartFLJob, Payload: StartFLJobRequest{FlID: "c1"}})
	if resp.RetCode != wire.JobNotAvailable {
		t.Fatalf("got %v, want JobNotAvailable", resp.RetCode)
	}
}

func TestDispatchGetModelStillServedWhenDisabled(t *testing.T) {
	h := newHarness(t, defaultCfg())
	seed := buildModel()
	h.store.Insert(1, seed)
	h.exec.ResetAggregationStatus(seed)
	// Mark aggregation done so getModel serves the model stored at the
	// current iteration instead of falling back to the latest stored one.
	h.exec.RunWeightAggregation(context.Background(), 1, nil, -1, nil, func(uint64) bool { return false })

	if _, err := h.inst.RequestState(context.Background(), instance.Disable); err != nil {
		t.Fatalf("RequestState: %v", err)
	}
	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindGetModel, Payload: GetModelRequest{FlID: "c1"}})
	if resp.RetCode != wire.Succeed {
		t.Fatalf("got %v, want Succeed even while disabled", resp.RetCode)
	}
}

func TestDispatchRejectsInSafeMode(t *testing.T) {
	h := newHarness(t, defaultCfg())
	h.inst.SetSafeMode(true)
	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindStartFLJob, Payload: StartFLJobRequest{FlID: "c1"}})
	if resp.RetCode != wire.ClusterSafeMode {
		t.Fatalf("got %v, want ClusterSafeMode", resp.RetCode)
	}
}

func TestKernelStartFLJobReturnsLatestModel(t *testing.T) {
	h := newHarness(t, defaultCfg())
	seed := buildModel()
	copy(seed.WeightData, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	h.store.Insert(1, seed)

	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindStartFLJob,
		Payload: StartFLJobRequest{FlID: "c1", DataSize: 10, EvalDataSize: 2, NowMs: 1000},
	})
	if resp.RetCode != wire.Succeed {
		t.Fatalf("got %v, want Succeed", resp.RetCode)
	}
	out, ok := resp.Payload.(StartFLJobResponse)
	if !ok {
		t.Fatalf("payload type %T", resp.Payload)
	}
	want := seed.Marshal(nil)
	if !bytes.Equal(out.Model, want) {
		t.Fatalf("model bytes mismatch")
	}

	fields, err := h.c.HGetAll(context.Background(), h.inst.KeyPrefix()+"DeviceMetas")
	if err != nil || fields["c1"] != "10|2|1000" {
		t.Fatalf("DeviceMetas not recorded: %v %v", fields, err)
	}
}

func TestKernelUpdateModelAggregatesAndChecksSignature(t *testing.T) {
	h := newHarness(t, defaultCfg())
	seed := buildModel()
	h.store.Insert(1, seed)
	h.exec.ResetAggregationStatus(seed)
	if err := h.c.HSet(context.Background(), h.inst.KeyPrefix()+"DeviceMetas", "c1", "10|2|500"); err != nil {
		t.Fatalf("seed DeviceMetas: %v", err)
	}

	req := wire.RoundRequest{
		Kind:   wire.KindUpdateModel,
		Header: wire.Header{FlID: "c1", Timestamp: 1000, IterationNum: 1, Signature: []byte("sig")},
		Payload: UpdateModelRequest{FlID: "c1", DataSize: 10, Compressed: []byte("irrelevant"), NowMs: 2000},
	}
	resp := h.d.Dispatch(context.Background(), req)
	if resp.RetCode != wire.Succeed {
		t.Fatalf("got %v (%s), want Succeed", resp.RetCode, resp.Reason)
	}

	got, ok := h.exec.HandlePullWeight("w")
	if !ok {
		t.Fatalf("weight w missing from aggregation buffer")
	}
	gotFloats := bytesToFloat32Test(got)
	if gotFloats[0] != 1 || gotFloats[1] != 2 {
		t.Fatalf("aggregation buffer = %v, want [1 2]", gotFloats)
	}
}

func TestKernelUpdateModelRejectsBadSignature(t *testing.T) {
	h := newHarness(t, defaultCfg())
	h.d.deps.Sig.Verifier = fakeVerifier{ok: false}
	seed := buildModel()
	h.store.Insert(1, seed)
	h.exec.ResetAggregationStatus(seed)

	req := wire.RoundRequest{
		Kind:    wire.KindUpdateModel,
		Header:  wire.Header{FlID: "c1", Timestamp: 1000, IterationNum: 1, Signature: []byte("sig")},
		Payload: UpdateModelRequest{FlID: "c1", DataSize: 10, Compressed: []byte("x")},
	}
	resp := h.d.Dispatch(context.Background(), req)
	if resp.RetCode != wire.RequestError {
		t.Fatalf("got %v, want RequestError", resp.RetCode)
	}
}

func TestKernelGetModelServesSameBytesFromCache(t *testing.T) {
	h := newHarness(t, defaultCfg())
	seed := buildModel()
	h.store.Insert(1, seed)
	h.exec.ResetAggregationStatus(seed)
	h.exec.RunWeightAggregation(context.Background(), 1, nil, -1, nil, func(uint64) bool { return false })

	req := wire.RoundRequest{Kind: wire.KindGetModel, Payload: GetModelRequest{FlID: "c1"}}
	r1 := h.d.Dispatch(context.Background(), req)
	r2 := h.d.Dispatch(context.Background(), req)
	if r1.RetCode != wire.Succeed || r2.RetCode != wire.Succeed {
		t.Fatalf("got %v / %v, want Succeed", r1.RetCode, r2.RetCode)
	}
	p1 := r1.Payload.(GetModelResponse)
	p2 := r2.Payload.(GetModelResponse)
	if !bytes.Equal(p1.ModelBytes, p2.ModelBytes) {
		t.Fatalf("cached getModel responses differ")
	}
}

func TestCipherPushGatesGetUntilThresholdReached(t *testing.T) {
	h := newHarness(t, defaultCfg())

	getBefore := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindGetKeys})
	if getBefore.RetCode != wire.SucNotReady {
		t.Fatalf("got %v, want SucNotReady before any push", getBefore.RetCode)
	}

	push1 := h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindExchangeKeys, Payload: CipherPayloadRequest{FlID: "c1", Data: []byte("k1")},
	})
	if push1.RetCode != wire.Succeed {
		t.Fatalf("push1: got %v", push1.RetCode)
	}
	getMid := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindGetKeys})
	if getMid.RetCode != wire.SucNotReady {
		t.Fatalf("got %v, want SucNotReady after one of two pushes", getMid.RetCode)
	}

	push2 := h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindExchangeKeys, Payload: CipherPayloadRequest{FlID: "c2", Data: []byte("k2")},
	})
	if push2.RetCode != wire.Succeed {
		t.Fatalf("push2: got %v", push2.RetCode)
	}
	getAfter := h.d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindGetKeys})
	if getAfter.RetCode != wire.Succeed {
		t.Fatalf("got %v, want Succeed once threshold reached", getAfter.RetCode)
	}
	out := getAfter.Payload.(CipherPayloadResponse)
	if !bytes.Contains(out.Data, []byte("k1")) || !bytes.Contains(out.Data, []byte("k2")) {
		t.Fatalf("getKeys payload missing a pushed key: %s", out.Data)
	}
}

func TestKernelReconstructSecretsCombinesShares(t *testing.T) {
	h := newHarness(t, defaultCfg())
	h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindShareSecrets, Payload: CipherPayloadRequest{FlID: "c1", Data: []byte("s1")},
	})
	h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindShareSecrets, Payload: CipherPayloadRequest{FlID: "c2", Data: []byte("s2")},
	})

	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindReconstructSecrets, Header: wire.Header{FlID: "c1"},
	})
	if resp.RetCode != wire.Succeed {
		t.Fatalf("got %v (%s)", resp.RetCode, resp.Reason)
	}
	out := resp.Payload.(CipherPayloadResponse)
	if !bytes.Contains(out.Data, []byte("s1")) || !bytes.Contains(out.Data, []byte("s2")) {
		t.Fatalf("combined secret missing a share: %s", out.Data)
	}
}

func TestReconstructSecretsLastEventFiresOnUnmaskReady(t *testing.T) {
	c := cache.NewFake()
	inst := instance.New(c, "fl1", 3600)
	if _, err := inst.InitAndSync(context.Background(), 0); err != nil {
		t.Fatalf("InitAndSync: %v", err)
	}
	cs := counter.New(c, inst.KeyPrefix(), "s0", noPeers{}, nil, directQueue{}, 3600)
	ts := timer.New(c, inst.KeyPrefix(), directQueue{}, 3600)
	store := model.NewStore(3)
	exec := executor.New(store, "s0")

	var fired bool
	var firedIteration uint64
	deps := &Deps{
		Cache: c, Instance: inst, Counters: cs, Timers: ts, Exec: exec, Store: store,
		Sig: SignatureDeps{
			Lookup: lookupAlways([]byte("pub")), Verifier: fakeVerifier{ok: true},
			ReplayWindow: time.Hour, Now: func() time.Time { return time.Unix(1000, 0) },
		},
		Cipher: CipherDeps{Secrets: fakeSecrets{}, Decoder: &fakeDecoder{}},
		OnUnmaskReady: func(iteration uint64) {
			fired = true
			firedIteration = iteration
		},
	}
	d := NewDispatcher(deps, 0)
	RegisterDefaultRounds(d, defaultCfg())

	d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindShareSecrets, Payload: CipherPayloadRequest{FlID: "c1", Data: []byte("s1")},
	})
	d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindShareSecrets, Payload: CipherPayloadRequest{FlID: "c2", Data: []byte("s2")},
	})

	if fired {
		t.Fatalf("OnUnmaskReady fired before reconstructSecrets reached threshold")
	}

	// defaultCfg's ReconstructThreshold is 2; two calls trip the last-event.
	d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindReconstructSecrets, Header: wire.Header{FlID: "c1"}})
	d.Dispatch(context.Background(), wire.RoundRequest{Kind: wire.KindReconstructSecrets, Header: wire.Header{FlID: "c2"}})

	if !fired || firedIteration != inst.IterationNum() {
		t.Fatalf("OnUnmaskReady did not fire on reconstructSecrets last-event (fired=%v, iter=%d)", fired, firedIteration)
	}
}

func TestKernelPushWeightOverwritesAndBroadcasts(t *testing.T) {
	h := newHarness(t, defaultCfg())
	seed := buildModel()
	h.store.Insert(1, seed)

	var broadcasted *model.Model
	h.d.deps.Broadcast = func(_ context.Context, m *model.Model) error {
		broadcasted = m
		return nil
	}

	newBytes := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	resp := h.d.Dispatch(context.Background(), wire.RoundRequest{
		Kind: wire.KindPushWeight, Payload: PushWeightRequest{Name: "w", Data: newBytes},
	})
	if resp.RetCode != wire.Succeed {
		t.Fatalf("got %v (%s)", resp.RetCode, resp.Reason)
	}
	got, ok := h.store.Get(1)
	if !ok {
		t.Fatalf("model missing after pushWeight")
	}
	slice, _ := got.Slice("w")
	if !bytes.Equal(slice, newBytes) {
		t.Fatalf("weight not overwritten")
	}
	if broadcasted == nil {
		t.Fatalf("Broadcast was not called")
	}
}

func bytesToFloat32Test(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}
