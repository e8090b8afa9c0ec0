// Package registry implements per-server self-registration and liveness:
// every server writes its tcp address into a shared hash and refreshes a
// per-server heartbeat key with a short TTL, so peers can discover and
// garbage-collect each other without a separate membership service.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/cache"
)

const (
	heartbeatTTLSec = 10
	regLockTTLSec   = 60
)

// ErrRegLockTimeout is returned when the registration lock could not be
// acquired within the fatal timeout (§7: "registration lock cannot be
// acquired within 15 minutes").
var ErrRegLockTimeout = errorf.E("registry: could not acquire registration lock")

// Registry tracks this server's registration plus the cached view of every
// other live server in the instance.
type Registry struct {
	cache     cache.I
	keyPrefix string // instance-scoped prefix, e.g. "ms_fl:<fl>:<instance>:"
	selfID    string
	selfAddr  string

	mu      sync.RWMutex
	servers map[string]string // node id -> tcp address, live view only
}

// New returns a Registry for selfID listening at selfAddr, scoped to
// keyPrefix (the instance's cache namespace).
func New(c cache.I, keyPrefix, selfID, selfAddr string) *Registry {
	return &Registry{
		cache:     c,
		keyPrefix: keyPrefix,
		selfID:    selfID,
		selfAddr:  selfAddr,
		servers:   make(map[string]string),
	}
}

func (r *Registry) serverHashKey() string      { return r.keyPrefix + "server:Hash" }
func (r *Registry) heartbeatKey(id string) string { return r.keyPrefix + "server:heartbeat:" + id }
func (r *Registry) regLockKey() string         { return r.keyPrefix + "server:regLock:String" }

// SelfID returns this server's node id.
func (r *Registry) SelfID() string { return r.selfID }

// AcquireRegLock serialises concurrent joiners: it retries SetExNX against
// the registration lock key until it succeeds or timeout elapses, at which
// point the caller should treat the startup as fatal per §7.
func (r *Registry) AcquireRegLock(ctx context.Context, timeout time.Duration) (err error) {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if ok, err = r.cache.SetExNX(
			ctx, r.regLockKey(), r.selfID, regLockTTLSec,
		); chk.E(err) {
			return
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrRegLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// ReleaseRegLock explicitly releases the registration lock.
func (r *Registry) ReleaseRegLock(ctx context.Context) error {
	return r.cache.Del(ctx, r.regLockKey())
}

// Sync writes this server's hash entry and heartbeat, then refreshes the
// local view of live peers. Called once per main-loop tick.
func (r *Registry) Sync(ctx context.Context, configExpireSec int) (err error) {
	if err = r.cache.HSet(
		ctx, r.serverHashKey(), r.selfID, r.selfAddr,
	); chk.E(err) {
		return
	}
	if err = r.cache.Expire(ctx, r.serverHashKey(), configExpireSec); chk.E(err) {
		return
	}
	if err = r.cache.SetEx(
		ctx, r.heartbeatKey(r.selfID), r.selfAddr, heartbeatTTLSec,
	); chk.E(err) {
		return
	}
	_, err = r.refresh(ctx)
	return
}

// refresh reads the server hash, drops entries whose heartbeat has expired
// (garbage-collecting the hash field too), and updates the local live view.
func (r *Registry) refresh(ctx context.Context) (live map[string]string, err error) {
	var all map[string]string
	if all, err = r.cache.HGetAll(ctx, r.serverHashKey()); chk.E(err) {
		return
	}
	live = make(map[string]string, len(all))
	for id, addr := range all {
		var found bool
		if _, found, err = r.cache.Get(ctx, r.heartbeatKey(id)); chk.E(err) {
			return
		}
		if found {
			live[id] = addr
			continue
		}
		log.D.F("registry: gc dead server %s (heartbeat expired)", id)
		if e := r.cache.HDel(ctx, r.serverHashKey(), id); chk.E(e) {
			continue
		}
	}
	r.mu.Lock()
	r.servers = live
	r.mu.Unlock()
	return
}

// GetAllServers returns the cached view of live servers as of the last
// Sync; per REDESIGN note in §9 Open Question #3 this is deliberately the
// cached view, not a realtime re-read.
func (r *Registry) GetAllServers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// IsLive reports whether id is currently in the live view.
func (r *Registry) IsLive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// Stop removes this server's heartbeat key so peers observe the exit within
// one tick (§5 cancellation).
func (r *Registry) Stop(ctx context.Context) error {
	return r.cache.Del(ctx, r.heartbeatKey(r.selfID))
}

// Pinger is the narrow interface the startup ping-pong barrier uses to
// reach a peer; app/rpc provides the concrete implementation.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// ServerPingPong retries pinging every peer in the cache up to 15 rounds at
// 1-second spacing; it returns an error if any peer never answers, which
// the caller treats as fatal at startup so the all-reduce can trust every
// registered peer is reachable.
func ServerPingPong(ctx context.Context, p Pinger, peers map[string]string) (err error) {
	const rounds = 15
	remaining := make(map[string]string, len(peers))
	for id, addr := range peers {
		remaining[id] = addr
	}
	for round := 0; round < rounds && len(remaining) > 0; round++ {
		for id, addr := range remaining {
			if e := p.Ping(ctx, addr); e == nil {
				delete(remaining, id)
			}
		}
		if len(remaining) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if len(remaining) > 0 {
		ids := make([]string, 0, len(remaining))
		for id := range remaining {
			ids = append(ids, id)
		}
		return errorf.E("registry: peers never answered ping: %v", ids)
	}
	return nil
}

// Addr formats a host:port listen address.
func Addr(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }
