package cache

import (
	"context"
	"strconv"
	"sync"
)

// Fake is an in-memory implementation of I used by package tests across the
// service so that component behaviour can be exercised deterministically
// without a live Redis-compatible server. It implements only the subset of
// Redis semantics the service relies on: TTLs are tracked but never
// expire on their own, a test that wants to exercise expiry calls Expired
// directly.
type Fake struct {
	mu       sync.Mutex
	strings  map[string]string
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	lists    map[string][]string
	expired  map[string]bool
	unavail  bool
}

var _ I = (*Fake)(nil)

// NewFake returns an empty Fake cache.
func NewFake() *Fake {
	return &Fake{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		expired: make(map[string]bool),
	}
}

// SetUnavailable forces every subsequent operation to return ErrUnavailable,
// simulating a dropped cache connection.
func (f *Fake) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavail = v
}

// Expired marks the string at key as expired for test purposes: Get reports
// it not-found and SetNX/SetExNX treat it as absent. Hashes, sets and lists
// ignore the mark.
func (f *Fake) Expired(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[key] = true
}

func (f *Fake) check() error {
	if f.unavail {
		return ErrUnavailable
	}
	return nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.hashes, k)
		delete(f.sets, k)
		delete(f.lists, k)
	}
	return nil
}

func (f *Fake) Expire(_ context.Context, _ string, _ int) error {
	return f.check()
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SIsMember(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	_, ok := f.sets[key][member]
	return ok, nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) HSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (f *Fake) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (f *Fake) HMSet(_ context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *Fake) HGet(_ context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", false, err
	}
	v, ok := f.hashes[key][field]
	return v, ok, nil
}

func (f *Fake) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (f *Fake) HDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	for _, fl := range fields {
		delete(f.hashes[key], fl)
	}
	return nil
}

func (f *Fake) HExists(_ context.Context, key, field string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	_, ok := f.hashes[key][field]
	return ok, nil
}

func (f *Fake) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", false, err
	}
	if f.expired[key] {
		return "", false, nil
	}
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *Fake) SetEx(_ context.Context, key, value string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.strings[key] = value
	delete(f.expired, key)
	return nil
}

func (f *Fake) SetNX(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	if _, ok := f.strings[key]; ok && !f.expired[key] {
		return false, nil
	}
	f.strings[key] = value
	delete(f.expired, key)
	return true, nil
}

func (f *Fake) SetExNX(_ context.Context, key, value string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	if _, ok := f.strings[key]; ok && !f.expired[key] {
		return false, nil
	}
	f.strings[key] = value
	delete(f.expired, key)
	return true, nil
}

func (f *Fake) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	cur, _ := strconv.ParseInt(f.strings[key], 10, 64)
	cur++
	f.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (f *Fake) LPush(_ context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	rev := make([]string, len(values))
	for i, v := range values {
		rev[len(values)-1-i] = v
	}
	f.lists[key] = append(rev, f.lists[key]...)
	return nil
}

func (f *Fake) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	s, e := normalizeRange(start, stop, n)
	if s > e {
		return nil, nil
	}
	out := make([]string, e-s+1)
	copy(out, l[s:e+1])
	return out, nil
}

func (f *Fake) LTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	s, e := normalizeRange(start, stop, n)
	if s > e {
		f.lists[key] = nil
		return nil
	}
	f.lists[key] = append([]string(nil), l[s:e+1]...)
	return nil
}

func (f *Fake) LLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	return int64(len(f.lists[key])), nil
}

func normalizeRange(start, stop, n int64) (s, e int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
