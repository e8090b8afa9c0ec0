// Package instance implements the per-fl-job lifecycle state machine held in
// the shared cache: instance_name election, iteration_num advancement, the
// four-state Running/Disable/Finish/Stop machine, and the new-iteration /
// new-instance event detection every server reconciles on each main-loop
// tick.
package instance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/cache"
)

// State is the instance's coarse lifecycle state.
type State int

const (
	Running State = iota
	Disable
	Finish
	Stop
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Disable:
		return "Disable"
	case Finish:
		return "Finish"
	case Stop:
		return "Stop"
	default:
		return "Unknown"
	}
}

func ParseState(s string) State {
	switch s {
	case "Disable":
		return Disable
	case "Finish":
		return Finish
	case "Stop":
		return Stop
	default:
		return Running
	}
}

// ErrIterationFailed is observed by the main loop when a round reports a
// failed iteration via NotifyNext(false, reason).
var ErrIterationFailed = errorf.E("instance: iteration failed")

// nextState applies §4.B's state transition table; ok is false when the
// requested transition is a documented no-op ("—" or "(unchanged)").
func nextState(cur, req State) (State, bool) {
	switch cur {
	case Running:
		switch req {
		case Disable:
			return Disable, true
		case Finish:
			return Finish, true
		case Stop:
			return Stop, true
		default:
			return cur, false
		}
	case Disable:
		switch req {
		case Running:
			return Running, true
		case Stop:
			return Stop, true
		default:
			return cur, false
		}
	case Finish:
		return cur, false
	case Stop:
		return cur, false
	}
	return cur, false
}

// Events reports what InitAndSync/Sync observed relative to the prior local
// view.
type Events struct {
	NewInstance bool
	NewIteration bool
	// Disabled is set exactly once, the tick a scheduler-initiated
	// Running -> Disable transition is observed in the cached status hash
	// (§4.B's transition table: "go Disable, fail cur iter"). The main
	// loop reacts by failing the in-flight iteration the same way a round
	// timeout does.
	Disabled bool
}

// Context is the per-process view of one instance's state, refreshed by
// Sync and mutated only through NotifyNext / RequestState.
type Context struct {
	cache  cache.I
	mu     sync.RWMutex

	flName          string
	instanceName    string
	keyPrefix       string // "ms_fl:<fl_name>:"
	configExpireSec int

	iterationNum   uint64
	flIterationNum uint64
	state          State
	lastSuccess    bool
	lastResult     string
	prime          []byte

	safeMode bool
}

// New returns a Context bound to flName. configExpireSec is the TTL applied
// to the instance_name key (global_iteration_time_window_sec + 7 days per
// §6).
func New(c cache.I, flName string, configExpireSec int) *Context {
	return &Context{
		cache:           c,
		flName:          flName,
		keyPrefix:       fmt.Sprintf("ms_fl:%s:", flName),
		configExpireSec: configExpireSec,
		state:           Running,
		iterationNum:    1,
	}
}

func (c *Context) instanceNameKey() string { return c.keyPrefix + "InstanceName" }
func (c *Context) statusKey() string       { return c.prefix() + "status" }

// prefix returns the instance-scoped prefix ("ms_fl:<fl>:<instance>:"); it
// is only valid once an instance name has been elected.
func (c *Context) prefix() string { return c.keyPrefix + c.instanceName + ":" }

// KeyPrefix exposes the instance-scoped cache key prefix for other
// components (counter, timer, registry, round) that share this instance's
// namespace.
func (c *Context) KeyPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefix()
}

// InstanceName returns the currently elected instance name.
func (c *Context) InstanceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceName
}

// IterationNum returns the local view of the current iteration number.
func (c *Context) IterationNum() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iterationNum
}

// State returns the local view of the instance's lifecycle state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsSafeMode reports whether new client requests should be rejected with
// ClusterSafeMode while the main loop drains an in-flight iteration event.
func (c *Context) IsSafeMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safeMode
}

// SetSafeMode is called by the main loop around HandleInstanceEvent.
func (c *Context) SetSafeMode(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeMode = v
}

// SetFLIterationNum records the hyper-param fl_iteration_num used to decide
// the Running -> Finish transition.
func (c *Context) SetFLIterationNum(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flIterationNum = n
}

// SetPrime records the cipher prime bytes synced from the status hash.
func (c *Context) SetPrime(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prime = p
}

// Prime returns the cipher prime bytes for the current instance.
func (c *Context) Prime() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prime
}

// InitAndSync elects (or adopts) the instance_name and performs the first
// status-hash reconciliation. recoveryIteration, when nonzero, seeds the
// local iteration number before the first Sync (used on restart).
func (c *Context) InitAndSync(
	ctx context.Context, recoveryIteration uint64,
) (ev Events, err error) {
	c.mu.Lock()
	if recoveryIteration > 0 {
		c.iterationNum = recoveryIteration
	}
	c.mu.Unlock()

	candidate := "i_" + strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	var ok bool
	if ok, err = c.cache.SetExNX(
		ctx, c.instanceNameKey(), candidate, c.configExpireSec,
	); chk.E(err) {
		return
	}
	c.mu.Lock()
	if ok {
		c.instanceName = candidate
		log.I.F("instance: elected new instance name %s for %s", candidate, c.flName)
	} else {
		var existing string
		var found bool
		c.mu.Unlock()
		if existing, found, err = c.cache.Get(ctx, c.instanceNameKey()); chk.E(err) {
			return
		}
		c.mu.Lock()
		if found {
			c.instanceName = existing
			log.I.F("instance: adopted existing instance name %s for %s", existing, c.flName)
		} else {
			c.instanceName = candidate
		}
	}
	c.mu.Unlock()

	return c.Sync(ctx)
}

// Sync reconciles the local view against the cache's instance_name and
// status hash, returning which events (if any) were observed. It is called
// once per main-loop tick.
func (c *Context) Sync(ctx context.Context) (ev Events, err error) {
	var cacheInstanceName string
	var found bool
	if cacheInstanceName, found, err = c.cache.Get(
		ctx, c.instanceNameKey(),
	); chk.E(err) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if found && c.instanceName != "" && cacheInstanceName != c.instanceName {
		ev.NewInstance = true
		c.instanceName = cacheInstanceName
		c.iterationNum = 1
		c.state = Running
		c.safeMode = false
		return
	}
	if c.instanceName == "" {
		c.instanceName = cacheInstanceName
	}

	var status map[string]string
	statusKey := c.statusKey()
	c.mu.Unlock()
	status, err = c.cache.HGetAll(ctx, statusKey)
	c.mu.Lock()
	if chk.E(err) {
		return
	}

	if len(status) == 0 {
		// First server of the instance: populate the status hash from our
		// current local view.
		err = c.writeStatusLocked(ctx)
		return
	}

	cacheIter := parseUint(status["iterationNum"], c.iterationNum)
	cacheState := ParseState(status["runningState"])
	cacheSuccess := status["lastIterationSuccess"] == "1"
	cacheResult := status["lastIterationResult"]
	primeHex := status["prime"]

	if cacheIter == c.iterationNum+1 {
		ev.NewIteration = true
	}
	if c.state == Running && cacheState == Disable {
		ev.Disabled = true
	}
	c.iterationNum = cacheIter
	c.state = cacheState
	c.lastSuccess = cacheSuccess
	c.lastResult = cacheResult
	if primeHex != "" {
		c.prime = []byte(primeHex)
	}
	return
}

func parseUint(s string, fallback uint64) uint64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func (c *Context) writeStatusLocked(ctx context.Context) error {
	fields := map[string]string{
		"iterationNum":         strconv.FormatUint(c.iterationNum, 10),
		"runningState":         c.state.String(),
		"lastIterationSuccess": boolField(c.lastSuccess),
		"lastIterationResult":  c.lastResult,
		"prime":                string(c.prime),
	}
	return c.cache.HMSet(ctx, c.statusKey(), fields)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// NotifyNext is the only API that advances an iteration: it records the
// result locally then pushes it to the cache. A successful advance for a
// given target iteration wins over a failing one that races it.
func (c *Context) NotifyNext(ctx context.Context, success bool, reason string) (err error) {
	c.mu.Lock()
	target := c.iterationNum + 1
	flIterNum := c.flIterationNum
	c.mu.Unlock()

	var status map[string]string
	if status, err = c.cache.HGetAll(ctx, c.statusKey()); chk.E(err) {
		return
	}
	if status != nil {
		existingIter := parseUint(status["iterationNum"], 0)
		existingSuccess := status["lastIterationSuccess"] == "1"
		if existingIter == target && existingSuccess && !success {
			log.D.F(
				"instance: discarding failing NotifyNext for iteration %d, a success already won",
				target,
			)
			return nil
		}
	}

	nextSt := Running
	if flIterNum > 0 && target > flIterNum {
		nextSt = Finish
	}

	fields := map[string]string{
		"iterationNum":         strconv.FormatUint(target, 10),
		"runningState":         nextSt.String(),
		"lastIterationSuccess": boolField(success),
		"lastIterationResult":  reason,
	}
	if err = c.cache.HMSet(ctx, c.statusKey(), fields); chk.E(err) {
		return
	}

	c.mu.Lock()
	c.iterationNum = target
	c.state = nextSt
	c.lastSuccess = success
	c.lastResult = reason
	c.mu.Unlock()
	return
}

// RequestState applies an admin-driven state change (Disable/Stop/Running)
// honoring §4.B's transition table; it returns false when the transition is
// a documented no-op.
func (c *Context) RequestState(ctx context.Context, req State) (applied bool, err error) {
	c.mu.Lock()
	next, ok := nextState(c.state, req)
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	c.state = next
	c.mu.Unlock()

	err = c.cache.HSet(ctx, c.statusKey(), "runningState", next.String())
	return true, err
}

// LastIteration returns the most recently recorded iteration outcome.
func (c *Context) LastIteration() (success bool, result string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess, c.lastResult
}

// HasIterationFailed reports whether iter is no longer the iteration worth
// aggregating for: either a failure advance has already moved the local
// view past it, or the current iteration carries a recorded failure. The
// all-reduce driver polls this between chunk exchanges to abort mid-flight.
func (c *Context) HasIterationFailed(iter uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.iterationNum > iter {
		return true
	}
	return c.iterationNum == iter && !c.lastSuccess && c.lastResult != ""
}

// ResetForNewInstance clears the local iteration/state view back to a fresh
// instance's starting point; called by the main loop inside
// HandleInstanceEvent after clearing the shared iteration-local cache keys.
func (c *Context) ResetForNewInstance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iterationNum = 1
	c.state = Running
	c.lastSuccess = false
	c.lastResult = ""
	c.safeMode = false
}
