// Package timer implements the distributed timer service: named timers with
// an absolute deadline stored in the cache, reconciled against the local
// view on every tick so that whichever server starts a timer first
// determines the deadline every other server converges on.
package timer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"lol.mleku.dev/chk"

	"fedmesh.dev/pkg/cache"
)

// localState is this server's view of one timer before reconciliation.
type localState int

const (
	notStarted localState = iota
	started
	stopped
	timedOut
)

// Callback fires at most once per iteration per server when a timer times
// out.
type Callback interface {
	OnTimeout(iteration uint64)
}

// CallbackFunc adapts a plain function to Callback.
type CallbackFunc func(iteration uint64)

func (f CallbackFunc) OnTimeout(iteration uint64) { f(iteration) }

// TaskQueue is where timeout callbacks are deferred to; the iteration-task
// thread implements it, so a timeout never runs on the goroutine driving
// Sync, and a callback whose iteration has moved on by the time it is
// dequeued is dropped there.
type TaskQueue interface {
	Enqueue(iteration uint64, run func())
}

type timerInfo struct {
	durationSec int
	callback    Callback
	state       localState
	deadlineMs  int64
}

// Service is the timer subsystem for one instance.
type Service struct {
	cache     cache.I
	keyPrefix string
	tasks     TaskQueue
	iterTTL   int
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*timerInfo
}

// New returns a timer Service scoped to keyPrefix. Timeout callbacks are
// enqueued onto tasks rather than invoked from Sync.
func New(c cache.I, keyPrefix string, tasks TaskQueue, iterTTLSec int) *Service {
	return &Service{
		cache:     c,
		keyPrefix: keyPrefix,
		tasks:     tasks,
		iterTTL:   iterTTLSec,
		now:       time.Now,
		timers:    make(map[string]*timerInfo),
	}
}

func (s *Service) hashKey() string { return s.keyPrefix + "timer:Hash" }

// RegisterTimer is idempotent for the same name.
func (s *Service) RegisterTimer(name string, seconds int, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[name]; exists {
		return
	}
	s.timers[name] = &timerInfo{durationSec: seconds, callback: cb, state: notStarted}
}

// Reset clears all local timer state, called on iteration advance.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.timers {
		in.state = notStarted
		in.deadlineMs = 0
	}
}

// StartTimer computes deadline_ms = now + duration and writes it with
// HSetNX; if the field already existed, the winner's deadline is adopted on
// the next Sync.
func (s *Service) StartTimer(ctx context.Context, name string) (err error) {
	s.mu.Lock()
	in, ok := s.timers[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	deadline := s.now().UnixMilli() + int64(in.durationSec)*1000
	s.mu.Unlock()

	var set bool
	if set, err = s.cache.HSetNX(
		ctx, s.hashKey(), name, strconv.FormatInt(deadline, 10),
	); chk.E(err) {
		return
	}
	_ = s.cache.Expire(ctx, s.hashKey(), s.iterTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	if set {
		in.state = started
		in.deadlineMs = deadline
	}
	return
}

// StopTimer writes 0 into the cache field, stopping the timer across the
// instance.
func (s *Service) StopTimer(ctx context.Context, name string) (err error) {
	s.mu.Lock()
	in, ok := s.timers[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err = s.cache.HSet(ctx, s.hashKey(), name, "0"); chk.E(err) {
		return
	}
	s.mu.Lock()
	in.state = stopped
	in.deadlineMs = 0
	s.mu.Unlock()
	return
}

// Sync reconciles every registered timer's local view against the cache per
// §4.E's reconciliation table, firing each timeout callback at most once.
func (s *Service) Sync(ctx context.Context, iteration uint64) (err error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	s.mu.Unlock()

	var fields map[string]string
	if fields, err = s.cache.HGetAll(ctx, s.hashKey()); chk.E(err) {
		return
	}

	for _, name := range names {
		if e := s.syncOne(ctx, name, fields, iteration); chk.E(e) {
			err = e
		}
	}
	return
}

func (s *Service) syncOne(
	ctx context.Context, name string, fields map[string]string, iteration uint64,
) (err error) {
	s.mu.Lock()
	in := s.timers[name]
	rawVal, cachePresent := fields[name]
	localSt := in.state
	localDeadline := in.deadlineMs
	s.mu.Unlock()

	if !cachePresent {
		// absent: write local value to cache, if we have one to offer.
		switch localSt {
		case started:
			_, err = s.cache.HSetNX(ctx, s.hashKey(), name, strconv.FormatInt(localDeadline, 10))
		case stopped, timedOut:
			err = s.cache.HSet(ctx, s.hashKey(), name, "0")
		}
		return
	}

	cacheDeadline, _ := strconv.ParseInt(rawVal, 10, 64)

	switch {
	case cacheDeadline == 0:
		// stopped in cache
		if localSt == started || localSt == notStarted {
			s.mu.Lock()
			in.state = stopped
			in.deadlineMs = 0
			s.mu.Unlock()
		}
	case localSt == stopped:
		// local stop overwrites cache
		err = s.cache.HSet(ctx, s.hashKey(), name, "0")
	case localSt == notStarted:
		s.mu.Lock()
		in.state = started
		in.deadlineMs = cacheDeadline
		s.mu.Unlock()
		s.maybeFire(in, name, cacheDeadline, iteration)
	case localSt == started:
		s.mu.Lock()
		in.deadlineMs = cacheDeadline
		s.mu.Unlock()
		s.maybeFire(in, name, cacheDeadline, iteration)
	}
	return
}

func (s *Service) maybeFire(in *timerInfo, name string, deadlineMs int64, iteration uint64) {
	if s.now().UnixMilli() < deadlineMs {
		return
	}
	s.mu.Lock()
	if in.state == timedOut {
		s.mu.Unlock()
		return
	}
	in.state = timedOut
	cb := in.callback
	s.mu.Unlock()
	if cb != nil {
		s.tasks.Enqueue(iteration, func() { cb.OnTimeout(iteration) })
	}
}
