// Package model holds the in-memory representation of a federated global
// model: a contiguous weight buffer plus an offset/size/shape map, a bounded
// ring of per-iteration snapshots, and the protobuf wire codec used both for
// the server-to-server GET_MODEL_WEIGHT/BROADCAST_MODEL_WEIGHT RPCs and for
// the round-trip law in the testable properties ("serialise via the
// protobuf schema, deserialise on a peer: bytewise equal").
package model

import (
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
	"lol.mleku.dev/errorf"

	"fedmesh.dev/pkg/utils"
)

// WeightType mirrors the element type carried for a named weight; the
// aggregation buffer and all-reduce chunking both operate on raw bytes, so
// this is metadata only, never interpreted by the core itself.
type WeightType int

const (
	Float32 WeightType = iota
	Float64
	Int32
	Int64
)

// WeightItem describes one named weight's placement inside a Model's
// contiguous WeightData buffer.
type WeightItem struct {
	Offset      uint64
	Size        uint64
	Shape       []int64
	Type        WeightType
	RequireAggr bool
}

// Model is one global-model snapshot: a flat byte buffer plus the map that
// locates each named weight inside it. All per-weight operations work in
// (buf, offset, size) triples; nothing here allocates per weight on the hot
// path.
type Model struct {
	TotalSize   uint64
	WeightData  []byte
	WeightItems map[string]WeightItem
}

// Slice returns the byte range for name inside m's WeightData.
func (m *Model) Slice(name string) ([]byte, bool) {
	wi, ok := m.WeightItems[name]
	if !ok {
		return nil, false
	}
	return m.WeightData[wi.Offset : wi.Offset+wi.Size], true
}

// Names returns the weight names in Go map iteration order, which is not
// deterministic; callers that need a stable order (such as ring-allreduce
// chunk boundaries across servers) sort the result, as Marshal does.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.WeightItems))
	for n := range m.WeightItems {
		out = append(out, n)
	}
	return out
}

// Clone deep-copies m so that a caller may mutate the copy (e.g. during
// aggregation) without racing a reader of the original.
func (m *Model) Clone() *Model {
	out := &Model{
		TotalSize:   m.TotalSize,
		WeightData:  append([]byte(nil), m.WeightData...),
		WeightItems: make(map[string]WeightItem, len(m.WeightItems)),
	}
	for k, v := range m.WeightItems {
		shape := append([]int64(nil), v.Shape...)
		v.Shape = shape
		out.WeightItems[k] = v
	}
	return out
}

// Equal reports whether m and other carry byte-identical weight data, the
// check behind the testable property that every live server eventually
// returns the same bytes for getModel(k) once an iteration's aggregation
// has converged.
func (m *Model) Equal(other *Model) bool {
	if m == nil || other == nil {
		return m == other
	}
	return utils.FastEqual(m.WeightData, other.WeightData)
}

// protobuf field numbers for Model and its nested WeightItem, per
// SPEC_FULL.md §4.I.
const (
	fieldTotalSize  = 1
	fieldWeightData = 2
	fieldItems      = 3

	itemFieldName        = 1
	itemFieldOffset      = 2
	itemFieldSize        = 3
	itemFieldShape       = 4
	itemFieldType        = 5
	itemFieldRequireAggr = 6
)

// Marshal encodes m using hand-rolled protowire varints/length-delimited
// fields, appending to dst.
func (m *Model) Marshal(dst []byte) []byte {
	dst = protowire.AppendTag(dst, fieldTotalSize, protowire.VarintType)
	dst = protowire.AppendVarint(dst, m.TotalSize)
	dst = protowire.AppendTag(dst, fieldWeightData, protowire.BytesType)
	dst = protowire.AppendBytes(dst, m.WeightData)
	names := m.Names()
	sortStrings(names)
	for _, name := range names {
		wi := m.WeightItems[name]
		dst = protowire.AppendTag(dst, fieldItems, protowire.BytesType)
		dst = protowire.AppendBytes(dst, marshalItem(name, wi))
	}
	return dst
}

func marshalItem(name string, wi WeightItem) []byte {
	var b []byte
	b = protowire.AppendTag(b, itemFieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, itemFieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, wi.Offset)
	b = protowire.AppendTag(b, itemFieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, wi.Size)
	for _, s := range wi.Shape {
		b = protowire.AppendTag(b, itemFieldShape, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s))
	}
	b = protowire.AppendTag(b, itemFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(wi.Type))
	b = protowire.AppendTag(b, itemFieldRequireAggr, protowire.VarintType)
	req := uint64(0)
	if wi.RequireAggr {
		req = 1
	}
	b = protowire.AppendVarint(b, req)
	return b
}

// Unmarshal decodes a Model previously produced by Marshal.
func Unmarshal(b []byte) (m *Model, err error) {
	m = &Model{WeightItems: make(map[string]WeightItem)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errorf.E("model: bad tag")
		}
		b = b[n:]
		switch num {
		case fieldTotalSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errorf.E("model: bad total_size")
			}
			m.TotalSize = v
			b = b[n:]
		case fieldWeightData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errorf.E("model: bad weight_data")
			}
			m.WeightData = append([]byte(nil), v...)
			b = b[n:]
		case fieldItems:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errorf.E("model: bad weight item")
			}
			name, wi, e := unmarshalItem(v)
			if e != nil {
				return nil, e
			}
			m.WeightItems[name] = wi
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errorf.E("model: bad field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalItem(b []byte) (name string, wi WeightItem, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", wi, errorf.E("model: bad item tag")
		}
		b = b[n:]
		switch num {
		case itemFieldName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item name")
			}
			name = string(v)
			b = b[n:]
		case itemFieldOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item offset")
			}
			wi.Offset = v
			b = b[n:]
		case itemFieldSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item size")
			}
			wi.Size = v
			b = b[n:]
		case itemFieldShape:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item shape")
			}
			wi.Shape = append(wi.Shape, int64(v))
			b = b[n:]
		case itemFieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item type")
			}
			wi.Type = WeightType(v)
			b = b[n:]
		case itemFieldRequireAggr:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item require_aggr")
			}
			wi.RequireAggr = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", wi, errorf.E("model: bad item field")
			}
			b = b[n:]
		}
	}
	return
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Store holds a ring of iteration_num -> *Model with at most MaxCount
// entries. Keys are strictly monotonic; inserting at k evicts every stored
// model with key >= k.
type Store struct {
	mu       sync.RWMutex
	MaxCount int
	models   map[uint64]*Model
}

// NewStore returns an empty Store bounded to maxCount entries (default 3
// when maxCount <= 0).
func NewStore(maxCount int) *Store {
	if maxCount <= 0 {
		maxCount = 3
	}
	return &Store{MaxCount: maxCount, models: make(map[uint64]*Model)}
}

// Insert stores m at iteration k, evicting every entry with key >= k (the
// caller is replacing a prior speculative result) and then the oldest
// entries beyond MaxCount.
func (s *Store) Insert(k uint64, m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for existing := range s.models {
		if existing >= k {
			delete(s.models, existing)
		}
	}
	s.models[k] = m
	for len(s.models) > s.MaxCount {
		var oldest uint64
		first := true
		for existing := range s.models {
			if first || existing < oldest {
				oldest = existing
				first = false
			}
		}
		delete(s.models, oldest)
	}
}

// Get returns the model stored at iteration k, if any.
func (s *Store) Get(k uint64) (*Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[k]
	return m, ok
}

// GetLatestModel returns the entry with the largest key.
func (s *Store) GetLatestModel() (*Model, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best uint64
	var bm *Model
	first := true
	for k, m := range s.models {
		if first || k > best {
			best, bm, first = k, m, false
		}
	}
	return bm, best, !first
}

// Reset clears the ring and reseeds it at iteration k with seed, used on a
// new-instance event.
func (s *Store) Reset(k uint64, seed *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = map[uint64]*Model{k: seed}
}

// Initialize copies feature_map into the ring at iteration cur-1, so the
// first getModel after start always has something to return.
func (s *Store) Initialize(cur uint64, seed *Model) {
	at := uint64(0)
	if cur > 0 {
		at = cur - 1
	}
	s.Insert(at, seed)
}
