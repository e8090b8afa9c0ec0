package round

import (
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerDB is the narrow slice of *badger.DB the response cache's overflow
// path needs.
type badgerDB interface {
	View(fn func(txn *badger.Txn) error) error
	Update(fn func(txn *badger.Txn) error) error
}

// cacheEntry is one response cache slot: its serialised bytes plus a
// refcount incremented by Get and decremented by Release. An entry with
// refcount <= 0 is eligible for eviction on the next iteration boundary or
// overflow spill.
type cacheEntry struct {
	bytes    []byte
	refcount int
}

// ResponseCache is the getModel response cache described in the transport
// design: keyed by (round, cur_iter, model_iter, compress_type), refcounted
// so a reply in flight is never evicted out from under it, with entries
// past budgetBytes spilled into an optional badger.DB overflow store rather
// than dropped.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	totalBytes int
	budget     int
	db         badgerDB
}

// NewResponseCache returns an empty ResponseCache. budgetBytes <= 0 disables
// the byte budget (entries are only reclaimed by EvictZeroRefcount). db may
// be nil, and then the budget is not enforced either. When db is set,
// zero-refcount entries past the budget are persisted there and dropped from
// memory, and Get checks it before rebuilding.
func NewResponseCache(budgetBytes int, db badgerDB) *ResponseCache {
	return &ResponseCache{entries: make(map[string]*cacheEntry), budget: budgetBytes, db: db}
}

// Key formats the cache key for one getModel response shape.
func Key(round string, curIter, modelIter uint64, compressType int) string {
	return fmt.Sprintf("%s|%d|%d|%d", round, curIter, modelIter, compressType)
}

// Get returns the cached bytes for key, building them with build and
// incrementing the entry's refcount. The caller must call Release(key)
// exactly once when it has finished writing the bytes to the wire.
func (c *ResponseCache) Get(key string, build func() []byte) []byte {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refcount++
		c.mu.Unlock()
		return e.bytes
	}
	c.mu.Unlock()

	if c.db != nil {
		if out, ok := c.readOverflow(key); ok {
			c.mu.Lock()
			c.entries[key] = &cacheEntry{bytes: out, refcount: 1}
			c.totalBytes += len(out)
			c.mu.Unlock()
			return out
		}
	}

	bytes := build()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{bytes: bytes, refcount: 1}
	c.totalBytes += len(bytes)
	c.evictOverBudgetLocked()
	return bytes
}

// Release decrements key's refcount, making it eligible for eviction.
func (c *ResponseCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.refcount--
	}
}

// EvictZeroRefcount drops every entry with refcount <= 0; called by the
// main loop on iteration advance, since every prior iteration's getModel
// replies are stale once a new model has landed.
func (c *ResponseCache) EvictZeroRefcount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.refcount <= 0 {
			c.totalBytes -= len(e.bytes)
			delete(c.entries, k)
		}
	}
}

func (c *ResponseCache) evictOverBudgetLocked() {
	if c.db == nil || c.budget <= 0 || c.totalBytes <= c.budget {
		return
	}
	for k, e := range c.entries {
		if e.refcount > 0 {
			continue
		}
		if err := c.writeOverflow(k, e.bytes); err == nil {
			c.totalBytes -= len(e.bytes)
			delete(c.entries, k)
		}
		if c.totalBytes <= c.budget {
			return
		}
	}
}

func (c *ResponseCache) writeOverflow(key string, val []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (c *ResponseCache) readOverflow(key string) (out []byte, ok bool) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	return out, err == nil
}
