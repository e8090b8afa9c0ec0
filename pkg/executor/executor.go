// Package executor implements the weight-aggregation engine: the
// per-iteration aggregation buffer fed by updateModel requests, and the
// ring all-reduce driver that combines every contributing server's partial
// sums into the new global model, falling back to reduce-to-rank0 plus
// broadcast when a weight has fewer elements than the ring has peers.
package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/cipher"
	"fedmesh.dev/pkg/model"
	"fedmesh.dev/pkg/rpc"
)

// Peer identifies one ring-allreduce participant.
type Peer struct {
	ID   string
	Addr string
}

// Transport carries ring-allreduce chunks between peers; RPCTransport is
// the production implementation, tests use an in-memory one wired directly
// to rpc.CollectiveRouter instances.
type Transport interface {
	Send(ctx context.Context, to Peer, meta rpc.CollectiveMessageMeta, chunk []byte) error
	Recv(ctx context.Context, meta rpc.CollectiveMessageMeta, timeout time.Duration) ([]byte, error)
}

// RPCTransport is the production Transport, backed by the server-to-server
// RPC plane.
type RPCTransport struct {
	Client *rpc.Client
	Router *rpc.CollectiveRouter
	SelfID string
}

func (t *RPCTransport) Send(ctx context.Context, to Peer, meta rpc.CollectiveMessageMeta, chunk []byte) error {
	meta.SendNode = t.SelfID
	meta.RecvNode = to.ID
	payload := rpc.EncodeCollectiveMeta(meta, chunk)
	_, err := t.Client.Call(ctx, to.Addr, &rpc.Message{
		Cmd: rpc.CmdCollectiveChunk, IterationNum: meta.Iteration, Payload: payload,
	})
	return err
}

func (t *RPCTransport) Recv(ctx context.Context, meta rpc.CollectiveMessageMeta, timeout time.Duration) ([]byte, error) {
	return t.Router.Wait(ctx, meta, timeout)
}

// Executor owns the per-iteration aggregation buffer and runs the
// all-reduce once per iteration on the last-event callback of
// count_for_aggregation.
type Executor struct {
	mu       sync.Mutex
	initial  *model.Model
	aggBuf   map[string][]byte // weight name -> accumulation bytes (float32 LE)
	dataSize uint64
	done     bool

	store  *model.Store
	selfID string
}

// New returns an Executor writing completed iterations into store.
func New(store *model.Store, selfID string) *Executor {
	return &Executor{store: store, selfID: selfID}
}

// ResetAggregationStatus allocates a zeroed aggregation buffer matching
// initial's layout; require_aggr=false weights are pre-filled with
// initial's bytes so aggregation leaves them unchanged.
func (e *Executor) ResetAggregationStatus(initial *model.Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initial = initial
	e.aggBuf = make(map[string][]byte, len(initial.WeightItems))
	e.dataSize = 0
	e.done = false
	for name, wi := range initial.WeightItems {
		if wi.RequireAggr {
			e.aggBuf[name] = make([]byte, wi.Size)
			continue
		}
		data, _ := initial.Slice(name)
		buf := make([]byte, len(data))
		copy(buf, data)
		e.aggBuf[name] = buf
	}
}

// HandleModelUpdate adds one client's already-data-size-multiplied weight
// delta into the aggregation buffer and accumulates data_size. It holds the
// same mutex as HandlePullWeight.
func (e *Executor) HandleModelUpdate(delta map[string][]float32, dataSize uint64) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initial == nil {
		return errorf.E("executor: aggregation status not initialised")
	}
	for name, vals := range delta {
		wi, ok := e.initial.WeightItems[name]
		if !ok || !wi.RequireAggr {
			continue
		}
		buf := e.aggBuf[name]
		addFloat32Into(buf, vals)
	}
	e.dataSize += dataSize
	return nil
}

func addFloat32Into(buf []byte, vals []float32) {
	n := len(buf) / 4
	if len(vals) < n {
		n = len(vals)
	}
	for i := 0; i < n; i++ {
		off := i * 4
		cur := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		cur += vals[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(cur+0))
	}
}

// Unmask removes the pairwise masks contributed by clients who dropped out
// before reconstructSecrets reached its threshold (pairwise-encrypt mode's
// TodoUnmask step): each entry in reconstructedSecrets is one dropped
// client's threshold-reconstructed private share, which regenerates that
// client's pairwise mask via masking.GetMasking and is then subtracted out
// of every require_aggr weight's running sum.
func (e *Executor) Unmask(masking cipher.Masking, selfPub []byte, reconstructedSecrets map[string][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initial == nil {
		return errorf.E("executor: aggregation status not initialised")
	}
	for flID, secret := range reconstructedSecrets {
		seed, err := masking.GetMasking(secret, selfPub)
		if chk.E(err) {
			return fmt.Errorf("executor: regenerate mask for dropped client %s: %w", flID, err)
		}
		for name, wi := range e.initial.WeightItems {
			if !wi.RequireAggr {
				continue
			}
			buf := e.aggBuf[name]
			subtractFloat32From(buf, expandSeed(seed, len(buf)))
		}
	}
	log.D.F("executor: unmasked %d dropped clients", len(reconstructedSecrets))
	return nil
}

// expandSeed stretches a short PRF seed into n bytes of keystream via
// repeated HMAC-SHA256(seed, counter), since the masking collaborator's
// GetMasking returns a fixed-size key rather than a buffer sized to the
// model it must cover.
func expandSeed(seed []byte, n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	var counter uint32
	for len(out) < n {
		h := hmac.New(sha256.New, seed)
		var cb [4]byte
		binary.BigEndian.PutUint32(cb[:], counter)
		h.Write(cb[:])
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:n]
}

func subtractFloat32From(buf, mask []byte) {
	n := len(buf) / 4
	if len(mask)/4 < n {
		n = len(mask) / 4
	}
	for i := 0; i < n; i++ {
		off := i * 4
		cur := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		m := math.Float32frombits(binary.LittleEndian.Uint32(mask[off : off+4]))
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(cur-m))
	}
}

// HandlePullWeight returns the raw bytes currently accumulated for name,
// used by the pullWeight admin round. It shares the aggregation mutex so it
// never observes a half-written buffer.
func (e *Executor) HandlePullWeight(name string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.aggBuf[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// DataSize returns the accumulated, not-yet-all-reduced data_size total.
func (e *Executor) DataSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataSize
}

// Done reports whether RunWeightAggregation has completed for the current
// iteration.
func (e *Executor) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// RunWeightAggregation runs the ring all-reduce for every require_aggr
// weight plus the data_size accumulator, divides by the total data size
// (FedAvg), and stores the resulting Model at iteration in store. ring must
// already be the intersection of live peers and contributors, ordered the
// same way on every server; selfRank is this server's index into ring, or
// -1 if this server is an aggregation-skipper (not itself in ring).
func (e *Executor) RunWeightAggregation(
	ctx context.Context, iteration uint64, ring []Peer, selfRank int,
	transport Transport, iterationFailed func(uint64) bool,
) (skipped bool, result *model.Model, err error) {
	if selfRank < 0 {
		log.D.F("executor: iteration %d has no local contribution, marking aggregation-skipper", iteration)
		e.mu.Lock()
		e.done = true
		e.mu.Unlock()
		return true, nil, nil
	}

	e.mu.Lock()
	initial := e.initial
	localDataSize := e.dataSize
	names := make([]string, 0, len(e.aggBuf))
	for name, wi := range initial.WeightItems {
		if wi.RequireAggr {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	bufs := make(map[string][]byte, len(names))
	for _, name := range names {
		src := e.aggBuf[name]
		b := make([]byte, len(src))
		copy(b, src)
		bufs[name] = b
	}
	e.mu.Unlock()

	totalDataSize, err := allReduceUint64(ctx, ring, selfRank, localDataSize, transport, iteration, "data_size", iterationFailed)
	if chk.E(err) {
		return false, nil, err
	}
	if totalDataSize == 0 {
		return false, nil, errorf.E("executor: total data_size is zero after all-reduce")
	}

	for _, name := range names {
		if e := ringAllReduceFloat32(ctx, ring, selfRank, name, bufs[name], transport, iteration, iterationFailed); chk.E(e) {
			return false, nil, e
		}
	}

	// FedAvg: divide every aggregated element by total data size.
	for _, name := range names {
		divideByScalar(bufs[name], float32(totalDataSize))
	}

	out := initial.Clone()
	for name, b := range bufs {
		if dst, ok := out.Slice(name); ok {
			copy(dst, b)
		}
	}
	for name, wi := range initial.WeightItems {
		if !wi.RequireAggr {
			if dst, ok := out.Slice(name); ok {
				src, _ := initial.Slice(name)
				copy(dst, src)
			}
		}
	}

	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
	e.store.Insert(iteration, out)
	return false, out, nil
}

func divideByScalar(buf []byte, denom float32) {
	if denom == 0 {
		return
	}
	n := len(buf) / 4
	for i := 0; i < n; i++ {
		off := i * 4
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v/denom))
	}
}

// ringAllReduceFloat32 runs the full reduce-scatter + all-gather ring
// all-reduce over buf in place, or the small-ring fallback when buf has
// fewer elements than len(ring).
func ringAllReduceFloat32(
	ctx context.Context, ring []Peer, selfRank int, weightName string, buf []byte,
	transport Transport, iteration uint64, iterationFailed func(uint64) bool,
) error {
	n := len(ring)
	if n <= 1 {
		return nil
	}
	count := len(buf) / 4
	if count < n {
		return reduceToRank0Broadcast(ctx, ring, selfRank, weightName, buf, transport, iteration, iterationFailed)
	}

	starts, sizes := chunkLayout(count, n)
	r := selfRank

	for step := 0; step < n-1; step++ {
		if iterationFailed(iteration) {
			return errorf.E("executor: iteration %d failed mid-allreduce (weight %s)", iteration, weightName)
		}
		sendIdx := mod(r-step, n)
		recvIdx := mod(r-step-1, n)
		to := ring[mod(r+1, n)]
		sendChunk := buf[starts[sendIdx]*4 : (starts[sendIdx]+sizes[sendIdx])*4]
		meta := rpc.CollectiveMessageMeta{
			Phase: 0, ChunkIndex: sendIdx, ForIndex: sendIdx, Iteration: iteration, WeightName: weightName,
		}
		if err := transport.Send(ctx, to, meta, sendChunk); chk.E(err) {
			return err
		}
		fromMeta := rpc.CollectiveMessageMeta{
			Phase: 0, ChunkIndex: recvIdx, ForIndex: recvIdx, Iteration: iteration, WeightName: weightName,
			SendNode: ring[mod(r-1, n)].ID,
		}
		received, err := transport.Recv(ctx, fromMeta, rpc.Timeout)
		if chk.E(err) {
			return err
		}
		addFloat32Into(buf[starts[recvIdx]*4:(starts[recvIdx]+sizes[recvIdx])*4], bytesToFloat32(received))
	}

	for step := 0; step < n-1; step++ {
		if iterationFailed(iteration) {
			return errorf.E("executor: iteration %d failed mid-allreduce (weight %s)", iteration, weightName)
		}
		sendIdx := mod(r-step+1, n)
		recvIdx := mod(r-step, n)
		to := ring[mod(r+1, n)]
		sendChunk := buf[starts[sendIdx]*4 : (starts[sendIdx]+sizes[sendIdx])*4]
		meta := rpc.CollectiveMessageMeta{
			Phase: 1, ChunkIndex: sendIdx, ForIndex: sendIdx, Iteration: iteration, WeightName: weightName,
		}
		if err := transport.Send(ctx, to, meta, sendChunk); chk.E(err) {
			return err
		}
		fromMeta := rpc.CollectiveMessageMeta{
			Phase: 1, ChunkIndex: recvIdx, ForIndex: recvIdx, Iteration: iteration, WeightName: weightName,
			SendNode: ring[mod(r-1, n)].ID,
		}
		received, err := transport.Recv(ctx, fromMeta, rpc.Timeout)
		if chk.E(err) {
			return err
		}
		copy(buf[starts[recvIdx]*4:(starts[recvIdx]+sizes[recvIdx])*4], received)
	}
	return nil
}

// reduceToRank0Broadcast implements the below-n-elements fallback: every
// non-zero rank sends its buffer to rank 0, which sums and broadcasts the
// result back.
func reduceToRank0Broadcast(
	ctx context.Context, ring []Peer, selfRank int, weightName string, buf []byte,
	transport Transport, iteration uint64, iterationFailed func(uint64) bool,
) error {
	n := len(ring)
	if selfRank == 0 {
		for src := 1; src < n; src++ {
			if iterationFailed(iteration) {
				return errorf.E("executor: iteration %d failed during reduce fallback", iteration)
			}
			meta := rpc.CollectiveMessageMeta{
				Phase: 0, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: weightName,
				SendNode: ring[src].ID,
			}
			received, err := transport.Recv(ctx, meta, rpc.Timeout)
			if chk.E(err) {
				return err
			}
			addFloat32Into(buf, bytesToFloat32(received))
		}
		for dst := 1; dst < n; dst++ {
			meta := rpc.CollectiveMessageMeta{Phase: 1, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: weightName}
			if err := transport.Send(ctx, ring[dst], meta, buf); chk.E(err) {
				return err
			}
		}
		return nil
	}

	meta := rpc.CollectiveMessageMeta{Phase: 0, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: weightName}
	if err := transport.Send(ctx, ring[0], meta, buf); chk.E(err) {
		return err
	}
	bcastMeta := rpc.CollectiveMessageMeta{
		Phase: 1, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: weightName, SendNode: ring[0].ID,
	}
	final, err := transport.Recv(ctx, bcastMeta, rpc.Timeout)
	if chk.E(err) {
		return err
	}
	copy(buf, final)
	return nil
}

// allReduceUint64 all-reduces a single scalar (the data_size accumulator)
// using the same reduce-to-rank0-plus-broadcast shape, since a 1-element
// value is always below the ring size.
func allReduceUint64(
	ctx context.Context, ring []Peer, selfRank int, local uint64,
	transport Transport, iteration uint64, name string, iterationFailed func(uint64) bool,
) (uint64, error) {
	n := len(ring)
	if n == 1 {
		return local, nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, local)

	if selfRank == 0 {
		total := local
		for src := 1; src < n; src++ {
			if iterationFailed(iteration) {
				return 0, errorf.E("executor: iteration %d failed during data_size all-reduce", iteration)
			}
			meta := rpc.CollectiveMessageMeta{Phase: 0, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: name, SendNode: ring[src].ID}
			received, err := transport.Recv(ctx, meta, rpc.Timeout)
			if chk.E(err) {
				return 0, err
			}
			total += binary.BigEndian.Uint64(received)
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, total)
		for dst := 1; dst < n; dst++ {
			meta := rpc.CollectiveMessageMeta{Phase: 1, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: name}
			if err := transport.Send(ctx, ring[dst], meta, out); chk.E(err) {
				return 0, err
			}
		}
		return total, nil
	}

	meta := rpc.CollectiveMessageMeta{Phase: 0, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: name}
	if err := transport.Send(ctx, ring[0], meta, buf); chk.E(err) {
		return 0, err
	}
	bcastMeta := rpc.CollectiveMessageMeta{Phase: 1, ChunkIndex: 0, ForIndex: 0, Iteration: iteration, WeightName: name, SendNode: ring[0].ID}
	final, err := transport.Recv(ctx, bcastMeta, rpc.Timeout)
	if chk.E(err) {
		return 0, err
	}
	return binary.BigEndian.Uint64(final), nil
}

// SyncLatestModelFromOtherServers queries every peer for the model at
// iteration (normally the server's own updated-iteration-num minus one) via
// GET_MODEL_WEIGHT and adopts the first non-empty reply, inserting it into
// store at iteration. If every peer replies empty (aggregation for that
// iteration hasn't completed anywhere yet), seed is accepted unchanged and
// re-inserted so a restarting server always has something to serve. Per
// §9 Open Question #4, the first non-empty reply is trusted without
// cross-checking other peers.
func (e *Executor) SyncLatestModelFromOtherServers(
	ctx context.Context, iteration uint64, peers []Peer, seed *model.Model,
	fetch func(ctx context.Context, addr string) ([]byte, error),
) {
	for _, p := range peers {
		if p.ID == e.selfID {
			continue
		}
		payload, err := fetch(ctx, p.Addr)
		if err != nil || len(payload) == 0 {
			continue
		}
		m, err := model.Unmarshal(payload)
		if chk.E(err) {
			continue
		}
		log.D.F("executor: adopted iteration %d model from peer %s", iteration, p.ID)
		e.store.Insert(iteration, m)
		return
	}
	log.D.F("executor: no peer has iteration %d yet, accepting local seed", iteration)
	e.store.Insert(iteration, seed)
}

func chunkLayout(count, n int) (starts, sizes []int) {
	base := count / n
	extra := count % n
	starts = make([]int, n)
	sizes = make([]int, n)
	offset := 0
	for i := 0; i < n; i++ {
		sz := base
		if i < extra {
			sz++
		}
		starts[i] = offset
		sizes[i] = sz
		offset += sz
	}
	return
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}
