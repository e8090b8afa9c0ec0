// Package app wires every subsystem package under pkg/ into one running
// server process: the shared cache connection, the instance/registry/
// counter/timer coordination trio, the weight-aggregation executor, the
// round dispatcher, and the server-to-server RPC plane that carries
// ring-allreduce chunks and model broadcasts between peers.
package app

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"fedmesh.dev/app/config"
	"fedmesh.dev/pkg/cache"
	"fedmesh.dev/pkg/cipher"
	"fedmesh.dev/pkg/counter"
	"fedmesh.dev/pkg/executor"
	"fedmesh.dev/pkg/instance"
	"fedmesh.dev/pkg/itask"
	"fedmesh.dev/pkg/model"
	"fedmesh.dev/pkg/registry"
	"fedmesh.dev/pkg/round"
	"fedmesh.dev/pkg/rpc"
	"fedmesh.dev/pkg/summary"
	"fedmesh.dev/pkg/timer"
	"fedmesh.dev/pkg/wire"
)

// configExpireDaysSec is the padding added to the global iteration window
// to get the instance_name/server-hash TTL (§6: "global_iteration_time_
// window_sec + 7 days").
const configExpireDaysSec = 7 * 24 * 3600

// participation-time histogram boundaries (ms) fed to summary.New.
const (
	participationL1Ms = 2000
	participationL2Ms = 5000
)

// iteration-local cache keys that don't carry the iteration number in their
// own name and so must be actively cleared on every new-instance/new-
// iteration transition rather than left to TTL expiry alone.
var iterationLocalKeys = []string{
	"count:Hash", "count:count_for_aggregation:Hash", "timer:Hash",
	"summary:Hash", "summaryLock:String", "updateModel:Set",
	"DeviceMetas", "KeyAttestation", "Keys:Hash", "EncryptedShares",
	"ReconstructedSecrets", "Signatures:Hash",
}

// Service owns every subsystem for one server process within one instance
// and implements rpc.Handler for the server-to-server plane.
type Service struct {
	cfg *config.C

	cache           *cache.Client
	inst            *instance.Context
	reg             *registry.Registry
	counters        *counter.Service
	timers          *timer.Service
	store           *model.Store
	exec            *executor.Executor
	task            *itask.Thread
	summary         *summary.Recorder
	configExpireSec int

	rpcClient    *rpc.Client
	rpcServer    *rpc.Server
	ioStats      *rpc.IOStats
	lastSent     uint64
	lastRecv     uint64
	router       *rpc.CollectiveRouter
	dispatcher   *round.Dispatcher
	badgerDB     *badger.DB
	unsupervised cipher.Unsupervised

	selfID   string
	selfAddr string

	cancel context.CancelFunc

	mu               sync.Mutex
	iterStart        time.Time
	hp               instance.HyperParams
	skipper          bool
	aggAddr          string
	cacheDown        bool
	serverExitFailed bool
}

var _ rpc.Handler = (*Service)(nil)

// New brings up every subsystem for cfg's instance: it connects to the
// cache, elects/adopts the instance, binds the RPC listener, builds the
// round dispatcher, and barriers on every registered peer answering a ping.
// The returned Service is ready for Run.
func New(ctx context.Context, cfg *config.C) (svc *Service, err error) {
	ok := false

	var c *cache.Client
	if c, err = cache.New(cfg.CacheAddr, cfg.CacheDB, cfg.CachePool); chk.E(err) {
		return
	}
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	selfID := cfg.ServerID
	if selfID == "" {
		selfID = fmt.Sprintf("srv-%d-%d", os.Getpid(), time.Now().UnixNano())
	}

	ln, err := rpc.Listen(registry.Addr(cfg.Listen, cfg.Port))
	if chk.E(err) {
		return
	}
	defer func() {
		if !ok {
			_ = ln.Close()
		}
	}()
	selfAddr := registry.Addr(cfg.Listen, ln.Addr().(*net.TCPAddr).Port)

	configExpireSec := int(instance.DefaultHyperParams().GlobalIterationTimeWindow) + configExpireDaysSec
	instCtx := instance.New(c, cfg.FLName, configExpireSec)
	if _, err = instCtx.InitAndSync(ctx, uint64(cfg.RecoveryIteration)); chk.E(err) {
		return
	}

	hp, err := instCtx.SyncHyperParams(ctx)
	if chk.E(err) {
		return
	}
	if cfg.HyperParamsFile != "" {
		if hp, err = applyHyperParamsFile(hp, cfg.HyperParamsFile); chk.E(err) {
			return
		}
		if err = instCtx.WriteHyperParams(ctx, hp); chk.E(err) {
			return
		}
	}
	instCtx.SetFLIterationNum(hp.FLIterationNum)

	reg := registry.New(c, instCtx.KeyPrefix(), selfID, selfAddr)
	rpcClient := rpc.NewClient(selfID)
	ioStats := rpc.NewIOStats()
	rpcClient.Stats = ioStats
	router := rpc.NewCollectiveRouter()
	store := model.NewStore(3)
	exec := executor.New(store, selfID)

	if err = os.MkdirAll(cfg.DataDir, 0o755); chk.E(err) {
		return
	}
	badgerDB, err := badger.Open(badger.DefaultOptions(filepath.Join(cfg.DataDir, "responsecache")).WithLogger(nil))
	if chk.E(err) {
		return
	}
	defer func() {
		if !ok {
			_ = badgerDB.Close()
		}
	}()

	summaryRecorder := summary.New(c, instCtx.KeyPrefix(), selfID, cfg.DataDir, participationL1Ms, participationL2Ms)
	iterTTL := int(hp.GlobalIterationTimeWindow) * 2
	if iterTTL < 60 {
		iterTTL = 60
	}
	task := itask.New()

	svc = &Service{
		cfg: cfg, cache: c, inst: instCtx, reg: reg, store: store, exec: exec,
		task: task, summary: summaryRecorder, configExpireSec: configExpireSec,
		rpcClient: rpcClient, ioStats: ioStats, router: router, badgerDB: badgerDB,
		selfID: selfID, selfAddr: selfAddr, hp: hp,
		unsupervised: ratioUnsupervised{},
		iterStart:    time.Now(),
	}

	// broadcastFn closes over svc rather than a not-yet-constructed method
	// value, since counter.New needs the broadcaster at construction time.
	broadcastFn := func(ctx context.Context, name string, first, last bool, iteration uint64) {
		svc.broadcastCountEvent(ctx, name, first, last, iteration)
	}
	svc.counters = counter.New(c, instCtx.KeyPrefix(), selfID, reg, broadcastFn, task, iterTTL)
	svc.timers = timer.New(c, instCtx.KeyPrefix(), task, iterTTL)

	spec, err := loadModelSpec(cfg.ModelSpecFile)
	if chk.E(err) {
		return
	}
	seed := buildSeedModel(spec)
	store.Reset(0, seed)
	exec.ResetAggregationStatus(seed)

	deps := &round.Deps{
		Cache: c, Instance: instCtx, Counters: svc.counters, Timers: svc.timers,
		Exec: exec, Store: store, Summary: summaryRecorder, RPC: rpcClient, SelfID: selfID,
		Sig: round.SignatureDeps{
			Lookup: svc.lookupAttestation, Verifier: hmacSignatureVerifier{},
			ReplayWindow: time.Duration(cfg.AttestationReplaySec) * time.Second,
		},
		Cipher: round.CipherDeps{
			Secrets: xorSecretSharing{}, Masking: hmacMasking{},
			Decoder: rawDecoder{}, Unsupervised: svc.unsupervised,
		},
		CacheUnavailable:   svc.isCacheDown,
		IsSkipper:          svc.isSkipper,
		SkipperPeerAddr:    svc.skipperPeerAddr,
		Broadcast:          svc.broadcastModel,
		OnAggregationReady: svc.onAggregationReady,
		OnUnmaskReady:      svc.onUnmaskReady,
	}
	dispatcher := round.NewDispatcher(deps, cfg.ResponseCacheBudget)
	dispatcher.SetResponseCacheDB(badgerDB)
	round.RegisterDefaultRounds(dispatcher, roundConfigFromHyperParams(hp))
	svc.dispatcher = dispatcher
	svc.rpcServer = rpc.NewServer(ln, selfID, svc)
	svc.rpcServer.Stats = ioStats

	lockTimeout := time.Duration(cfg.RegLockTimeoutSec) * time.Second
	if err = reg.AcquireRegLock(ctx, lockTimeout); chk.E(err) {
		return
	}
	if err = reg.Sync(ctx, configExpireSec); chk.E(err) {
		_ = reg.ReleaseRegLock(ctx)
		return
	}
	if err = registry.ServerPingPong(ctx, rpcClient, reg.GetAllServers()); chk.E(err) {
		_ = reg.ReleaseRegLock(ctx)
		return
	}

	syncIteration := instCtx.IterationNum()
	if syncIteration > 0 {
		syncIteration--
	}
	exec.SyncLatestModelFromOtherServers(ctx, syncIteration, peerList(reg.GetAllServers(), selfID), seed,
		func(fctx context.Context, addr string) ([]byte, error) {
			reply, cerr := rpcClient.Call(fctx, addr, &rpc.Message{Cmd: rpc.CmdGetModelWeight, IterationNum: syncIteration})
			if cerr != nil {
				return nil, cerr
			}
			return reply.Payload, nil
		})

	if err = reg.ReleaseRegLock(ctx); chk.E(err) {
		return
	}

	ok = true
	return svc, nil
}

// peerList converts a registry's live server-address map into an
// executor.Peer slice excluding selfID, used for the startup model sync.
func peerList(servers map[string]string, selfID string) []executor.Peer {
	peers := make([]executor.Peer, 0, len(servers))
	for id, addr := range servers {
		if id == selfID {
			continue
		}
		peers = append(peers, executor.Peer{ID: id, Addr: addr})
	}
	return peers
}

// applyHyperParamsFile merges a JSON file's keys over base the same way a
// client's updateHyperParams request would: only keys present in the file
// overwrite the cached value.
func applyHyperParamsFile(base instance.HyperParams, path string) (hp instance.HyperParams, err error) {
	raw, err := os.ReadFile(path)
	if chk.E(err) {
		return base, err
	}
	return instance.MergeHyperParamsUpdate(base, raw)
}

// roundConfigFromHyperParams derives the dispatcher's per-round thresholds
// and timer windows from the synced hyper-params. updateModel and the
// cipher-mode rounds are specified as ratios of start_fl_job_threshold
// rather than raw counts, so their thresholds are the ceiling of ratio *
// start_fl_job_threshold.
func roundConfigFromHyperParams(hp instance.HyperParams) round.RoundConfig {
	return round.RoundConfig{
		StartFLJobThreshold:  hp.StartFLJobThreshold,
		StartFLJobWindowSec:  int(hp.StartFLJobTimeWindow),
		UpdateModelThreshold: ceilRatio(hp.UpdateModelRatio, hp.StartFLJobThreshold),
		UpdateModelWindowSec: int(hp.UpdateModelTimeWindow),
		CipherThreshold:      ceilRatio(hp.ShareSecretsRatio, hp.StartFLJobThreshold),
		CipherWindowSec:      int(hp.CipherTimeWindow),
		ReconstructThreshold: hp.ReconstructSecretsThreshold,
		GlobalWindowSec:      int(hp.GlobalIterationTimeWindow),
	}
}

func ceilRatio(ratio float64, n uint64) uint64 {
	if ratio <= 0 || n == 0 {
		return 1
	}
	v := uint64(math.Ceil(ratio * float64(n)))
	if v < 1 {
		v = 1
	}
	return v
}

// Dispatch routes a client request through the round dispatcher; it's a
// thin pass-through so main.go's transport layer doesn't need to reach
// into svc.dispatcher directly.
func (svc *Service) Dispatch(ctx context.Context, req wire.RoundRequest) wire.Response {
	return svc.dispatcher.Dispatch(ctx, req)
}

// Run starts the RPC accept loop and the itask thread, then drives the
// once-per-second main loop (§5) until ctx is cancelled or tick observes the
// instance's Stop state (§4.B: "Stop is terminal for the process: the main
// loop observes it and exits cleanly").
func (svc *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc.cancel = cancel

	go svc.rpcServer.Serve(ctx)
	svc.task.Start()
	svc.task.SetIteration(svc.inst.IterationNum())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			svc.shutdown()
			return
		case <-ticker.C:
			svc.tick(ctx)
		}
	}
}

// tick runs one main-loop iteration: resync cache/registry/instance/
// counters/timers, then react to any new-instance/new-iteration event with
// safe-mode reconciliation.
func (svc *Service) tick(ctx context.Context) {
	if err := svc.cache.RetryConnect(ctx); err != nil {
		svc.setCacheDown(true)
		return
	}
	svc.setCacheDown(false)

	if err := svc.reg.Sync(ctx, svc.configExpireSec); chk.E(err) {
		return
	}
	ev, err := svc.inst.Sync(ctx)
	if chk.E(err) {
		return
	}

	if svc.inst.State() == instance.Stop {
		log.I.F("app: instance state is Stop, shutting down")
		svc.cancel()
		return
	}

	if ev.Disabled {
		log.I.F("app: instance disabled by scheduler, failing in-flight iteration")
		if err := svc.inst.NotifyNext(ctx, false, "instance disabled by scheduler"); chk.E(err) {
			log.W.F("app: NotifyNext on scheduler disable: %v", err)
		}
	}

	if err := svc.counters.Sync(ctx); chk.E(err) {
		log.W.F("app: counters sync: %v", err)
	}
	if err := svc.timers.Sync(ctx, svc.inst.IterationNum()); chk.E(err) {
		log.W.F("app: timers sync: %v", err)
	}

	svc.mu.Lock()
	alreadyFailed := svc.serverExitFailed
	svc.mu.Unlock()
	if !alreadyFailed && svc.counters.HasServerExit("count_for_aggregation") {
		svc.mu.Lock()
		svc.serverExitFailed = true
		svc.mu.Unlock()
		log.W.F("app: server exited mid-iteration, failing count_for_aggregation")
		if err := svc.inst.NotifyNext(ctx, false, "server exited during updateModel"); chk.E(err) {
			log.W.F("app: NotifyNext on server exit: %v", err)
		}
	}

	if ev.NewInstance || ev.NewIteration {
		svc.inst.SetSafeMode(true)
		// Handlers admitted before safe mode took effect must return before
		// the task drain, since a handler can still enqueue callbacks.
		svc.dispatcher.WaitHandlerDrain()
		svc.task.WaitAllTaskFinish()
		svc.handleInstanceEvent(ctx, ev)
		svc.inst.SetSafeMode(false)
	}
	svc.task.SetIteration(svc.inst.IterationNum())
	svc.sampleDataRate()
}

// sampleDataRate appends one send/receive sample per tick to the data-rate
// stream; lastSent/lastRecv are only touched here, on the main-loop
// goroutine.
func (svc *Service) sampleDataRate() {
	sent, recv := svc.ioStats.Totals()
	if err := svc.summary.AppendDataRate(
		svc.selfAddr, sent-svc.lastSent, recv-svc.lastRecv, time.Now(),
	); chk.E(err) {
		return
	}
	svc.lastSent, svc.lastRecv = sent, recv
}

func (svc *Service) handleInstanceEvent(ctx context.Context, ev instance.Events) {
	svc.dispatcher.EvictStaleResponses()
	if ev.NewInstance {
		svc.handleNewInstance(ctx)
		return
	}
	svc.handleNewIteration(ctx)
}

func (svc *Service) handleNewInstance(ctx context.Context) {
	if err := svc.clearIterationLocalKeys(ctx); chk.E(err) {
		log.W.F("app: clearing iteration-local keys: %v", err)
	}
	svc.counters.Reset()
	svc.timers.Reset()
	svc.summary.Reset()
	svc.inst.ResetForNewInstance()

	hp, err := svc.inst.SyncHyperParams(ctx)
	if chk.E(err) {
		hp = instance.DefaultHyperParams()
	}
	svc.mu.Lock()
	svc.hp = hp
	svc.skipper = false
	svc.aggAddr = ""
	svc.iterStart = time.Now()
	svc.mu.Unlock()
	svc.inst.SetFLIterationNum(hp.FLIterationNum)

	svc.reseedModel()
}

func (svc *Service) handleNewIteration(ctx context.Context) {
	svc.persistIterationMetrics(ctx)
	if err := svc.clearIterationLocalKeys(ctx); chk.E(err) {
		log.W.F("app: clearing iteration-local keys: %v", err)
	}
	svc.counters.Reset()
	svc.timers.Reset()
	svc.summary.Reset()

	svc.mu.Lock()
	svc.skipper = false
	svc.aggAddr = ""
	svc.serverExitFailed = false
	svc.iterStart = time.Now()
	svc.mu.Unlock()

	latest, _, ok := svc.store.GetLatestModel()
	if !ok {
		svc.reseedModel()
		return
	}
	svc.exec.ResetAggregationStatus(latest)
}

func (svc *Service) reseedModel() {
	spec, err := loadModelSpec(svc.cfg.ModelSpecFile)
	if chk.E(err) {
		spec = defaultModelSpec()
	}
	seed := buildSeedModel(spec)
	svc.store.Reset(0, seed)
	svc.exec.ResetAggregationStatus(seed)
}

func (svc *Service) clearIterationLocalKeys(ctx context.Context) error {
	prefix := svc.inst.KeyPrefix()
	full := make([]string, len(iterationLocalKeys))
	for i, k := range iterationLocalKeys {
		full[i] = prefix + k
	}
	return svc.cache.Del(ctx, full...)
}

func (svc *Service) persistIterationMetrics(ctx context.Context) {
	acquired, err := svc.summary.AcquireLock(ctx)
	if chk.E(err) {
		return
	}
	if err := svc.summary.WriteSummaryHash(ctx); chk.E(err) {
		log.W.F("app: writing summary hash: %v", err)
	}
	if !acquired {
		return
	}
	hp := svc.hpSnapshot()
	if hp.EncryptType == "SIGNDS" {
		updatemodelNum := ceilRatio(hp.UpdateModelRatio, hp.StartFLJobThreshold)
		if _, err := svc.summary.SummarizeSignDS(ctx, updatemodelNum, hp.SignGlobalLR); chk.E(err) {
			log.W.F("app: summarizing SignDS: %v", err)
		}
	}
	success, _ := svc.inst.LastIteration()
	now := time.Now()
	svc.mu.Lock()
	started := svc.iterStart
	svc.mu.Unlock()
	rec := summary.MetricsRecord{
		InstanceName:         svc.inst.InstanceName(),
		FlName:               svc.cfg.FLName,
		InstanceStatus:       svc.inst.State().String(),
		FlIterationNum:       hp.FLIterationNum,
		CurrentIteration:     svc.inst.IterationNum(),
		Metrics:              svc.computeMetrics(),
		ClientVisitedInfo:    svc.summary.TotalAccepted(),
		IterationResult:      success,
		StartTime:            started,
		EndTime:              now,
		IterationExecutionMs: now.Sub(started).Milliseconds(),
	}
	if err := svc.summary.PersistMetrics(rec); chk.E(err) {
		log.W.F("app: persisting metrics: %v", err)
		return
	}
	if err := svc.summary.MarkFinished(ctx); chk.E(err) {
		log.W.F("app: marking summary finished: %v", err)
	}
}

// computeMetrics builds the metrics.json "metrics" object. For instances
// that reported (group_id, label) pairs via pushMetrics (§3.1's
// unsupervised-eval supplement), metricsAuc/unsupervisedEval come from the
// Unsupervised evaluator instead of the plain client-reported accuracy
// average.
func (svc *Service) computeMetrics() summary.Metrics {
	m := summary.Metrics{MetricsLoss: svc.summary.AverageLoss(), MetricsAuc: svc.summary.AverageAccuracy()}
	groupIDs, labels, ok := svc.summary.GroupLabels()
	if !ok || svc.unsupervised == nil {
		return m
	}
	score, err := svc.unsupervised.Score(groupIDs, labels, svc.hpSnapshot().EncryptType)
	if chk.E(err) {
		return m
	}
	m.MetricsAuc = score
	m.UnsupervisedEval = score
	return m
}

func (svc *Service) hpSnapshot() instance.HyperParams {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.hp
}

// onAggregationReady is count_for_aggregation's last-event callback; it
// enqueues the ring all-reduce onto the task thread so it runs off the
// counter's own call stack.
func (svc *Service) onAggregationReady(iteration uint64) {
	svc.task.Enqueue(iteration, func() { svc.runAggregation(iteration) })
}

// onUnmaskReady is reconstructSecrets's last-event callback. In
// pairwise-encrypt mode it reads every client's threshold-reconstructed
// secret back out of the cache and removes the pairwise masks those
// dropped clients contributed from the running aggregation buffer.
func (svc *Service) onUnmaskReady(iteration uint64) {
	if svc.hpSnapshot().EncryptType != "PW_ENCRYPT" {
		return
	}
	svc.task.Enqueue(iteration, func() {
		ctx := context.Background()
		fields, err := svc.cache.HGetAll(ctx, svc.inst.KeyPrefix()+"ReconstructedSecrets")
		if chk.E(err) {
			log.W.F("app: unmask: reading reconstructed secrets: %v", err)
			return
		}
		if len(fields) == 0 {
			return
		}
		secrets := make(map[string][]byte, len(fields))
		for flID, v := range fields {
			secrets[flID] = []byte(v)
		}
		if err := svc.exec.Unmask(hmacMasking{}, []byte(svc.selfID), secrets); chk.E(err) {
			log.W.F("app: unmask: %v", err)
		}
	})
}

// runAggregation computes this iteration's ring membership from the
// per-server count_for_aggregation hash intersected with live registered
// peers, runs the ring all-reduce, and (if this server is ring rank 0)
// broadcasts the result to every live peer that isn't in the ring.
func (svc *Service) runAggregation(iteration uint64) {
	ctx := context.Background()

	contributors, err := svc.counters.PerServerCounts(ctx, "count_for_aggregation")
	if chk.E(err) {
		_ = svc.inst.NotifyNext(ctx, false, err.Error())
		return
	}
	live := svc.reg.GetAllServers()

	var ring []executor.Peer
	for id := range contributors {
		if id == svc.selfID {
			ring = append(ring, executor.Peer{ID: svc.selfID, Addr: svc.selfAddr})
			continue
		}
		if addr, ok := live[id]; ok {
			ring = append(ring, executor.Peer{ID: id, Addr: addr})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].ID < ring[j].ID })

	selfRank := -1
	for i, p := range ring {
		if p.ID == svc.selfID {
			selfRank = i
			break
		}
	}

	transport := &executor.RPCTransport{Client: svc.rpcClient, Router: svc.router, SelfID: svc.selfID}
	skipped, result, err := svc.exec.RunWeightAggregation(ctx, iteration, ring, selfRank, transport, svc.inst.HasIterationFailed)
	if chk.E(err) {
		_ = svc.inst.NotifyNext(ctx, false, err.Error())
		return
	}
	if skipped {
		svc.mu.Lock()
		svc.skipper = true
		if len(ring) > 0 {
			svc.aggAddr = ring[0].Addr
		}
		svc.mu.Unlock()
		return
	}

	if selfRank == 0 {
		svc.broadcastToSkippers(ctx, ring, result, iteration)
	}
	if err = svc.inst.NotifyNext(ctx, true, "aggregation complete"); chk.E(err) {
		log.W.F("app: NotifyNext after aggregation: %v", err)
	}
}

// broadcastToSkippers pushes the freshly-aggregated model to every live
// peer not in ring: ring members already have it locally via all-reduce.
func (svc *Service) broadcastToSkippers(ctx context.Context, ring []executor.Peer, m *model.Model, iteration uint64) {
	inRing := make(map[string]bool, len(ring))
	for _, p := range ring {
		inRing[p.ID] = true
	}
	payload := m.Marshal(nil)
	for id, addr := range svc.reg.GetAllServers() {
		if inRing[id] || id == svc.selfID {
			continue
		}
		if _, err := svc.rpcClient.Call(ctx, addr, &rpc.Message{
			Cmd: rpc.CmdBroadcastModelWeight, IterationNum: iteration, Payload: payload,
		}); err != nil {
			log.W.F("app: broadcasting model to skipper %s: %v", id, err)
		}
	}
}

// broadcastModel implements round.Deps.Broadcast: after pushWeight commits
// a new model to the local Store, push it to every other live peer too.
func (svc *Service) broadcastModel(ctx context.Context, m *model.Model) (err error) {
	payload := m.Marshal(nil)
	iter := svc.inst.IterationNum()
	for id, addr := range svc.reg.GetAllServers() {
		if id == svc.selfID {
			continue
		}
		if _, e := svc.rpcClient.Call(ctx, addr, &rpc.Message{
			Cmd: rpc.CmdBroadcastModelWeight, IterationNum: iter, Payload: payload,
		}); e != nil {
			err = e
			log.W.F("app: broadcasting pushed weight to %s: %v", id, e)
		}
	}
	return
}

// broadcastCountEvent implements counter.BroadcastFunc: it relays a local
// first/last counter transition to every other live peer as a
// SERVER_BROADCAST_EVENT{COUNT_EVENT}.
func (svc *Service) broadcastCountEvent(ctx context.Context, name string, first, last bool, iteration uint64) {
	payload := rpc.EncodeBroadcastEvent(rpc.BroadcastEventPayload{
		CountName: name, TriggerFirst: first, TriggerLast: last, Iteration: iteration,
	})
	for id, addr := range svc.reg.GetAllServers() {
		if id == svc.selfID {
			continue
		}
		if _, err := svc.rpcClient.Call(ctx, addr, &rpc.Message{
			Cmd: rpc.CmdBroadcastEvent, IterationNum: iteration, Payload: payload,
		}); err != nil {
			log.D.F("app: broadcasting count event %s to %s: %v", name, id, err)
		}
	}
}

func (svc *Service) isSkipper() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.skipper
}

func (svc *Service) skipperPeerAddr() (addr string, ok bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.aggAddr, svc.aggAddr != ""
}

func (svc *Service) isCacheDown() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.cacheDown
}

func (svc *Service) setCacheDown(v bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.cacheDown = v
}

// lookupAttestation implements cipher.AttestationLookup, reading a client's
// registered key out of the KeyAttestation hash that startFLJob writes.
func (svc *Service) lookupAttestation(flID string) (pubKey []byte, ok bool) {
	val, found, err := svc.cache.HGet(context.Background(), svc.inst.KeyPrefix()+"KeyAttestation", flID)
	if err != nil || !found {
		return nil, false
	}
	return []byte(val), true
}

// Handle implements rpc.Handler for the server-to-server plane: ping is
// answered implicitly by Server.handleConn, so only the remaining five
// commands need real handling here.
func (svc *Service) Handle(ctx context.Context, m *rpc.Message) (reply []byte) {
	switch m.Cmd {
	case rpc.CmdBroadcastEvent:
		p, err := rpc.DecodeBroadcastEvent(m.Payload)
		if chk.E(err) {
			return nil
		}
		svc.counters.ReceiveBroadcastEvent(p.CountName, p.TriggerFirst, p.TriggerLast, p.Iteration, svc.inst.IterationNum())
		return nil

	case rpc.CmdBroadcastModelWeight:
		mdl, err := model.Unmarshal(m.Payload)
		if chk.E(err) {
			return nil
		}
		svc.store.Insert(m.IterationNum, mdl)
		return nil

	case rpc.CmdGetModelWeight:
		// Reply empty when this server lacks the requested iteration so a
		// restarting peer falls through to the next candidate.
		mdl, ok := svc.store.Get(m.IterationNum)
		if !ok {
			return nil
		}
		return mdl.Marshal(nil)

	case rpc.CmdPullWeight:
		data, ok := svc.exec.HandlePullWeight(string(m.Payload))
		if !ok {
			return nil
		}
		return data

	case rpc.CmdCollectiveChunk:
		meta, chunk, err := rpc.DecodeCollectiveMeta(m.Payload)
		if chk.E(err) {
			return nil
		}
		svc.router.Deliver(meta, chunk)
		return nil

	default:
		return nil
	}
}

// shutdown releases every resource Run's caller owns, in reverse order of
// acquisition.
func (svc *Service) shutdown() {
	svc.task.Stop()
	if err := svc.reg.Stop(context.Background()); chk.E(err) {
		log.W.F("app: registry stop: %v", err)
	}
	svc.rpcClient.Close()
	svc.summary.Close()
	if err := svc.badgerDB.Close(); chk.E(err) {
		log.W.F("app: closing badger db: %v", err)
	}
	if err := svc.cache.Close(); chk.E(err) {
		log.W.F("app: closing cache: %v", err)
	}
}
