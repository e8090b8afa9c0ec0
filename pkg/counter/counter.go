// Package counter implements the distributed, thresholded counter service:
// named counters backed by atomic HINCRBY, firing first/last-event
// callbacks exactly once per iteration across the whole instance, with an
// optional per-server sharded mode used to gate weight aggregation.
package counter

import (
	"context"
	"strconv"
	"sync"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/cache"
)

// FirstCallback fires on the 0->1 transition of a counter, exactly once per
// iteration per server.
type FirstCallback interface {
	OnFirst(iteration uint64)
}

// LastCallback fires on the threshold-1->threshold transition.
type LastCallback interface {
	OnLast(iteration uint64)
}

// FirstCallbackFunc adapts a plain function to FirstCallback.
type FirstCallbackFunc func(iteration uint64)

func (f FirstCallbackFunc) OnFirst(iteration uint64) { f(iteration) }

// LastCallbackFunc adapts a plain function to LastCallback.
type LastCallbackFunc func(iteration uint64)

func (f LastCallbackFunc) OnLast(iteration uint64) { f(iteration) }

// info is the local view of one registered counter.
type info struct {
	threshold      uint64
	firstCb        FirstCallback
	lastCb         LastCallback
	perServer      bool
	firstTriggered bool
	lastTriggered  bool
	hasServerExit  bool
}

// LivePeers is the narrow view the per-server mode needs from the server
// registry to tell a dead contributor's stale sub-count apart from a live
// one.
type LivePeers interface {
	GetAllServers() map[string]string
}

// TaskQueue is where first/last events are deferred to; the iteration-task
// thread implements it, so callbacks never run on the request-handler
// goroutine that happened to observe the transition, and a callback whose
// iteration has moved on by the time it is dequeued is dropped there.
type TaskQueue interface {
	Enqueue(iteration uint64, run func())
}

// BroadcastFunc sends a COUNT_EVENT to every other live peer when this
// server observes a first/last transition locally; app/rpc supplies the
// concrete sender.
type BroadcastFunc func(ctx context.Context, name string, first, last bool, iteration uint64)

// Service is the counter subsystem for one instance: a table of registered
// counters plus the shared iteration number they're scoped to.
type Service struct {
	cache     cache.I
	keyPrefix string
	selfID    string
	peers     LivePeers
	broadcast BroadcastFunc
	tasks     TaskQueue
	iterTTL   int

	mu       sync.Mutex
	counters map[string]*info
}

// New returns a counter Service scoped to keyPrefix (the instance namespace)
// for server selfID. First/last callbacks are enqueued onto tasks rather
// than invoked on the goroutine that counted.
func New(c cache.I, keyPrefix, selfID string, peers LivePeers, broadcast BroadcastFunc, tasks TaskQueue, iterTTLSec int) *Service {
	return &Service{
		cache:     c,
		keyPrefix: keyPrefix,
		selfID:    selfID,
		peers:     peers,
		broadcast: broadcast,
		tasks:     tasks,
		iterTTL:   iterTTLSec,
		counters:  make(map[string]*info),
	}
}

// RegisterCounter is idempotent; re-registration for the same name is a
// warning, not an error.
func (s *Service) RegisterCounter(
	name string, threshold uint64, first FirstCallback, last LastCallback, perServer bool,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.counters[name]; exists {
		log.W.F("counter: %s already registered, ignoring re-registration", name)
		return
	}
	s.counters[name] = &info{
		threshold: threshold,
		firstCb:   first,
		lastCb:    last,
		perServer: perServer,
	}
}

// Reset clears all per-iteration trigger flags, called on iteration
// advance.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.counters {
		in.firstTriggered = false
		in.lastTriggered = false
		in.hasServerExit = false
	}
}

// Count is the only write path: it atomically increments the counter and,
// exactly once per iteration, enqueues the first/last callbacks onto the
// task thread. Only the broadcast to peers runs on the counting goroutine.
func (s *Service) Count(ctx context.Context, name string, iteration uint64) (v uint64, err error) {
	s.mu.Lock()
	in, ok := s.counters[name]
	s.mu.Unlock()
	if !ok {
		log.W.F("counter: Count on unregistered counter %s", name)
		return 0, nil
	}

	if in.perServer {
		v, err = s.countPerServer(ctx, name, in)
	} else {
		v, err = s.countSimple(ctx, name, in)
	}
	if chk.E(err) {
		return
	}

	s.mu.Lock()
	threshold := in.threshold
	fired := firedEvents{}
	if v >= 1 && !in.firstTriggered {
		in.firstTriggered = true
		fired.first = true
	}
	if v >= threshold && !in.lastTriggered {
		in.lastTriggered = true
		fired.last = true
	}
	firstCb, lastCb := in.firstCb, in.lastCb
	s.mu.Unlock()

	if fired.first && firstCb != nil {
		s.tasks.Enqueue(iteration, func() { firstCb.OnFirst(iteration) })
	}
	if fired.last && lastCb != nil {
		s.tasks.Enqueue(iteration, func() { lastCb.OnLast(iteration) })
	}
	if (fired.first || fired.last) && s.broadcast != nil {
		s.broadcast(ctx, name, fired.first, fired.last, iteration)
	}
	return
}

type firedEvents struct{ first, last bool }

func (s *Service) countSimple(ctx context.Context, name string, in *info) (v uint64, err error) {
	key := s.keyPrefix + "count:Hash"
	var nv int64
	if nv, err = s.cache.HIncrBy(ctx, key, name, 1); chk.E(err) {
		return
	}
	if nv == 1 {
		_ = s.cache.Expire(ctx, key, s.iterTTL)
	}
	return uint64(nv), nil
}

func (s *Service) countPerServer(ctx context.Context, name string, in *info) (v uint64, err error) {
	key := s.keyPrefix + "count:" + name + ":Hash"
	var nv int64
	if nv, err = s.cache.HIncrBy(ctx, key, s.selfID, 1); chk.E(err) {
		return
	}
	if nv == 1 {
		_ = s.cache.Expire(ctx, key, s.iterTTL)
	}
	return s.sumLivePerServer(ctx, name, in)
}

// sumLivePerServer recomputes the global per-server count as the sum over
// hash fields belonging to currently-live servers; fields belonging to dead
// servers set hasServerExit.
func (s *Service) sumLivePerServer(ctx context.Context, name string, in *info) (total uint64, err error) {
	key := s.keyPrefix + "count:" + name + ":Hash"
	var fields map[string]string
	if fields, err = s.cache.HGetAll(ctx, key); chk.E(err) {
		return
	}
	live := s.peers.GetAllServers()
	exited := false
	for id, vs := range fields {
		n, perr := strconv.ParseUint(vs, 10, 64)
		if perr != nil {
			continue
		}
		if id == s.selfID {
			total += n
			continue
		}
		if _, ok := live[id]; ok {
			total += n
		} else {
			exited = true
		}
	}
	s.mu.Lock()
	in.hasServerExit = exited
	s.mu.Unlock()
	return
}

// Sync recomputes every registered per-server counter's has_server_exit flag
// against the current live-peer view; called once per main-loop tick so a
// dead server's stale contribution is noticed even without a fresh Count
// call.
func (s *Service) Sync(ctx context.Context) (err error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.counters))
	for name, in := range s.counters {
		if in.perServer {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	for _, name := range names {
		s.mu.Lock()
		in := s.counters[name]
		s.mu.Unlock()
		if _, e := s.sumLivePerServer(ctx, name, in); chk.E(e) {
			err = e
		}
	}
	return
}

// HasServerExit reports whether a dead server's stale contribution was
// observed in the per-server counter's last Sync/Count.
func (s *Service) HasServerExit(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.counters[name]
	if !ok {
		return false
	}
	return in.hasServerExit
}

// ReachThreshold reads the current count and reports whether it has reached
// the counter's threshold, without incrementing.
func (s *Service) ReachThreshold(ctx context.Context, name string) (ok bool, err error) {
	s.mu.Lock()
	in, exists := s.counters[name]
	s.mu.Unlock()
	if !exists {
		return false, nil
	}
	var v uint64
	if in.perServer {
		v, err = s.sumLivePerServer(ctx, name, in)
	} else {
		var s2 string
		var found bool
		if s2, found, err = s.cache.HGet(ctx, s.keyPrefix+"count:Hash", name); chk.E(err) {
			return
		}
		if found {
			v, _ = strconv.ParseUint(s2, 10, 64)
		}
	}
	if chk.E(err) {
		return
	}
	return v >= in.threshold, nil
}

// PerServerCounts returns the raw per-server counter hash for a perServer
// counter, used by the main loop to compute which servers contributed to
// count_for_aggregation and therefore belong in this iteration's all-reduce
// ring.
func (s *Service) PerServerCounts(ctx context.Context, name string) (map[string]string, error) {
	return s.cache.HGetAll(ctx, s.keyPrefix+"count:"+name+":Hash")
}

// ReceiveBroadcastEvent handles a SERVER_BROADCAST_EVENT{COUNT_EVENT} from a
// peer: it enqueues the local first/last callback onto the task thread
// (guarded by the trigger flags so a replay never re-fires), provided the
// event's iteration still matches ours.
func (s *Service) ReceiveBroadcastEvent(
	name string, triggerFirst, triggerLast bool, eventIteration, curIteration uint64,
) {
	if eventIteration != curIteration {
		log.D.F(
			"counter: dropping stale broadcast for %s (event iter %d != cur %d)",
			name, eventIteration, curIteration,
		)
		return
	}
	s.mu.Lock()
	in, ok := s.counters[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	fireFirst := triggerFirst && !in.firstTriggered
	fireLast := triggerLast && !in.lastTriggered
	if fireFirst {
		in.firstTriggered = true
	}
	if fireLast {
		in.lastTriggered = true
	}
	firstCb, lastCb := in.firstCb, in.lastCb
	s.mu.Unlock()

	if fireFirst && firstCb != nil {
		s.tasks.Enqueue(curIteration, func() { firstCb.OnFirst(curIteration) })
	}
	if fireLast && lastCb != nil {
		s.tasks.Enqueue(curIteration, func() { lastCb.OnLast(curIteration) })
	}
}
