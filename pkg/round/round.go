// Package round implements the client-facing round dispatcher: the shared
// admission checks every request passes through before reaching a kernel,
// the 14 round kernels themselves, and the wiring that ties each round's
// counter/timer pair back into the instance and counter/timer services.
package round

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/cache"
	"fedmesh.dev/pkg/cipher"
	"fedmesh.dev/pkg/counter"
	"fedmesh.dev/pkg/executor"
	"fedmesh.dev/pkg/instance"
	"fedmesh.dev/pkg/model"
	"fedmesh.dev/pkg/rpc"
	"fedmesh.dev/pkg/summary"
	"fedmesh.dev/pkg/timer"
	"fedmesh.dev/pkg/wire"
)

// SignatureDeps bundles the attestation-verification collaborators shared by
// every round kernel that checks a client signature.
type SignatureDeps struct {
	Lookup       cipher.AttestationLookup
	Verifier     cipher.SignatureVerifier
	ReplayWindow time.Duration
	Now          func() time.Time
}

// CipherDeps bundles the black-box cryptographic collaborators the 8
// cipher-mode rounds and updateModel call through.
type CipherDeps struct {
	Secrets      cipher.SecretSharing
	Masking      cipher.Masking
	Decoder      cipher.Decoder
	Unsupervised cipher.Unsupervised
}

// Deps is everything a round kernel can reach. Summary and the func-valued
// hooks documented "when non-nil" below may be left nil.
type Deps struct {
	Cache    cache.I
	Instance *instance.Context
	Counters *counter.Service
	Timers   *timer.Service
	Exec     *executor.Executor
	Store    *model.Store
	Summary  *summary.Recorder
	RPC      *rpc.Client
	SelfID   string
	Sig      SignatureDeps
	Cipher   CipherDeps

	// CacheUnavailable, when non-nil, reports whether the cache was
	// unreachable on the most recent main-loop tick; the dispatcher rejects
	// every round but getModel while true.
	CacheUnavailable func() bool

	// IsSkipper, when non-nil and true, routes pullWeight to the peer named
	// by SkipperPeerAddr instead of this server's own aggregation buffer.
	IsSkipper       func() bool
	SkipperPeerAddr func() (addr string, ok bool)

	// Broadcast, when non-nil, is called after pushWeight commits a new
	// model so every peer's Store observes the change.
	Broadcast func(ctx context.Context, m *model.Model) error

	// OnAggregationReady, when non-nil, is invoked on the last-event
	// transition of the per-server count_for_aggregation counter.
	OnAggregationReady func(iteration uint64)

	// OnUnmaskReady, when non-nil, is invoked on the last-event transition
	// of reconstructSecrets, the trigger for pairwise-encrypt mode's
	// dropped-client mask removal.
	OnUnmaskReady func(iteration uint64)
}

// Round is one registered round: its admission threshold/window plus the
// kernel function invoked once admission passes.
type Round struct {
	Name      string
	Threshold uint64
	WindowSec int
	PerServer bool
	kernel    func(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response
}

// Dispatcher routes an incoming wire.RoundRequest through the shared
// admission checks into its registered kernel, and counts in-flight
// handlers so the main loop can drain them before touching iteration
// state.
type Dispatcher struct {
	deps *Deps

	mu     sync.Mutex
	rounds map[string]*Round

	inflightMu   sync.Mutex
	inflightCond *sync.Cond
	inflight     int

	responseCache *ResponseCache
}

// NewDispatcher returns a Dispatcher wired to deps. respCacheBudgetBytes
// bounds the in-memory getModel response cache once a badger store is
// attached with SetResponseCacheDB; until then nothing spills and entries are
// reclaimed by EvictZeroRefcount alone.
func NewDispatcher(deps *Deps, respCacheBudgetBytes int) *Dispatcher {
	d := &Dispatcher{
		deps:          deps,
		rounds:        make(map[string]*Round),
		responseCache: NewResponseCache(respCacheBudgetBytes, nil),
	}
	d.inflightCond = sync.NewCond(&d.inflightMu)
	return d
}

func (d *Dispatcher) enterHandler() {
	d.inflightMu.Lock()
	d.inflight++
	d.inflightMu.Unlock()
}

func (d *Dispatcher) exitHandler() {
	d.inflightMu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.inflightCond.Broadcast()
	}
	d.inflightMu.Unlock()
}

// WaitHandlerDrain blocks until no request handler is in flight. The main
// loop calls it after entering safe mode, so a straggler admitted a moment
// before safe mode took effect has returned its response before the
// iteration's buffers are reset.
func (d *Dispatcher) WaitHandlerDrain() {
	d.inflightMu.Lock()
	for d.inflight > 0 {
		d.inflightCond.Wait()
	}
	d.inflightMu.Unlock()
}

// SetResponseCacheDB attaches a badger overflow store to the response
// cache after construction (app/service.go opens the db after NewDispatcher
// since both need the same data directory flag).
func (d *Dispatcher) SetResponseCacheDB(db BadgerDB) {
	d.responseCache.db = db
}

// RegisterRound registers a round's kernel and wires its counter/timer
// pair: the counter's first/last callbacks start/stop the round's timer,
// and the timer's timeout callback fails the current iteration.
func (d *Dispatcher) RegisterRound(
	name string, threshold uint64, windowSec int, perServer bool,
	kernel func(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response,
	extraLast ...func(iteration uint64),
) *Round {
	r := &Round{Name: name, Threshold: threshold, WindowSec: windowSec, PerServer: perServer, kernel: kernel}
	d.mu.Lock()
	d.rounds[name] = r
	d.mu.Unlock()

	firstCb := counter.FirstCallbackFunc(func(iteration uint64) {
		if err := d.deps.Timers.StartTimer(context.Background(), name); err != nil {
			log.W.F("round: %s: StartTimer: %v", name, err)
		}
	})
	lastCb := counter.LastCallbackFunc(func(iteration uint64) {
		if err := d.deps.Timers.StopTimer(context.Background(), name); err != nil {
			log.W.F("round: %s: StopTimer: %v", name, err)
		}
		for _, fn := range extraLast {
			fn(iteration)
		}
	})
	d.deps.Counters.RegisterCounter(name, threshold, firstCb, lastCb, perServer)

	if windowSec > 0 {
		timeoutCb := timer.CallbackFunc(func(iteration uint64) {
			reason := fmt.Sprintf("round %s timed out waiting for threshold %d", name, threshold)
			if err := d.deps.Instance.NotifyNext(context.Background(), false, reason); err != nil {
				log.W.F("round: %s: NotifyNext on timeout: %v", name, err)
			}
		})
		d.deps.Timers.RegisterTimer(name, windowSec, timeoutCb)
	}
	return r
}

// Dispatch runs the shared admission checks then invokes the named round's
// kernel, recovering a kernel panic into a SystemError response so one bad
// request never takes the process down.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.RoundRequest) (resp wire.Response) {
	d.enterHandler()
	defer d.exitHandler()

	name := req.Kind.String()

	st := d.deps.Instance.State()
	if (st == instance.Disable || st == instance.Finish || st == instance.Stop) && req.Kind != wire.KindGetModel {
		return wire.Response{RetCode: wire.JobNotAvailable, Reason: "instance is " + st.String()}
	}
	if d.deps.Instance.IsSafeMode() {
		return wire.Response{RetCode: wire.ClusterSafeMode, Reason: "instance reconciling a new iteration"}
	}
	if d.deps.CacheUnavailable != nil && d.deps.CacheUnavailable() && req.Kind != wire.KindGetModel {
		return wire.Response{RetCode: wire.JobNotAvailable, Reason: "cache unavailable"}
	}

	d.mu.Lock()
	r, ok := d.rounds[name]
	d.mu.Unlock()
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "unknown round " + name}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.E.F("round: kernel %s panicked: %v", name, rec)
			resp = wire.Response{RetCode: wire.SystemError, Reason: fmt.Sprintf("%v", rec)}
		}
		if d.deps.Summary != nil {
			d.deps.Summary.RecordRoundOutcome(name, resp.RetCode == wire.Succeed)
		}
	}()
	resp = r.kernel(ctx, d, req)
	return resp
}

// EvictStaleResponses drops every response-cache entry with zero refcount;
// the main loop calls this once per new-iteration/new-instance event so a
// stale getModel response never outlives the iteration it was built for.
func (d *Dispatcher) EvictStaleResponses() {
	d.responseCache.EvictZeroRefcount()
}

// BadgerDB is the narrow slice of *badger.DB the response cache's overflow
// path needs, kept local so round.go itself doesn't need the import.
type BadgerDB = badgerDB
