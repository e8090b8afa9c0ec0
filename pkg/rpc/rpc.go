// Package rpc implements the server-to-server plane: a small length-prefixed
// binary protocol over net.Conn carrying SERVER_PING/PONG,
// SERVER_BROADCAST_EVENT, GET_MODEL_WEIGHT, BROADCAST_MODEL_WEIGHT,
// SERVER_PULL_WEIGHT, and the collective-op chunk carriers used by the ring
// all-reduce. Framing is modeled on the teacher's envelope
// Marshal/Unmarshal/Write trio, but binary rather than minified JSON since
// this plane carries raw model-weight bytes.
package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/utils/bufpool"
)

// Cmd identifies the kind of message carried by a Message frame.
type Cmd byte

const (
	CmdPing Cmd = iota + 1
	CmdPong
	CmdBroadcastEvent
	CmdGetModelWeight
	CmdBroadcastModelWeight
	CmdPullWeight
	CmdCollectiveChunk
)

// Timeout is the suspension timeout applied to every outbound call per
// §4.J.
const Timeout = 30 * time.Second

// Message is the wire frame: a small header plus an opaque payload whose
// interpretation depends on Cmd.
type Message struct {
	Cmd          Cmd
	RequestID    uint64
	IterationNum uint64
	SendNode     string
	RecvNode     string
	Payload      []byte
}

// Marshal encodes m as uint32-length-prefixed-header + payload, appending to
// dst. The header itself is a fixed binary layout followed by two
// length-prefixed node-id strings.
func (m *Message) Marshal(dst []byte) []byte {
	var hdr []byte
	hdr = append(hdr, byte(m.Cmd))
	hdr = appendUint64(hdr, m.RequestID)
	hdr = appendUint64(hdr, m.IterationNum)
	hdr = appendString(hdr, m.SendNode)
	hdr = appendString(hdr, m.RecvNode)
	hdr = appendUint32(hdr, uint32(len(m.Payload)))

	var frame []byte
	frame = appendUint32(frame, uint32(len(hdr)+len(m.Payload)))
	frame = append(frame, hdr...)
	frame = append(frame, m.Payload...)
	return append(dst, frame...)
}

// Write writes the marshalled frame to w.
func (m *Message) Write(w io.Writer) (err error) {
	_, err = w.Write(m.Marshal(nil))
	return
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendString(dst []byte, s string) []byte {
	dst = appendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// ReadMessage reads one length-prefixed frame from r and decodes it.
func ReadMessage(r io.Reader) (m *Message, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); chk.E(err) {
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) <= bufpool.BufferSize {
		pooled := bufpool.Get()
		defer bufpool.Put(pooled)
		buf := pooled[:n]
		if _, err = io.ReadFull(r, buf); chk.E(err) {
			return
		}
		return unmarshal(buf)
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); chk.E(err) {
		return
	}
	return unmarshal(buf)
}

func unmarshal(b []byte) (m *Message, err error) {
	if len(b) < 1+8+8+4 {
		return nil, errorf.E("rpc: short message")
	}
	m = &Message{}
	m.Cmd = Cmd(b[0])
	b = b[1:]
	m.RequestID = binary.BigEndian.Uint64(b)
	b = b[8:]
	m.IterationNum = binary.BigEndian.Uint64(b)
	b = b[8:]
	var s string
	if s, b, err = readString(b); chk.E(err) {
		return
	}
	m.SendNode = s
	if s, b, err = readString(b); chk.E(err) {
		return
	}
	m.RecvNode = s
	if len(b) < 4 {
		return nil, errorf.E("rpc: truncated payload length")
	}
	plen := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < plen {
		return nil, errorf.E("rpc: truncated payload")
	}
	m.Payload = append([]byte(nil), b[:plen]...)
	return
}

func readString(b []byte) (s string, rem []byte, err error) {
	if len(b) < 4 {
		return "", nil, errorf.E("rpc: truncated string length")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, errorf.E("rpc: truncated string")
	}
	return string(b[:n]), b[n:], nil
}

// CollectiveMessageMeta accompanies a ring-allreduce chunk; the receiver
// matches it against its own wait table by (iter, weight_name, phase,
// chunk_index, for_index, send_node).
type CollectiveMessageMeta struct {
	Phase      int // 0 = reduce-scatter, 1 = all-gather
	ChunkIndex int
	ForIndex   int
	Iteration  uint64
	WeightName string
	SendNode   string
	RecvNode   string
}

// EncodeCollectiveMeta serialises meta as a compact pipe-delimited header
// prefixed onto the raw chunk bytes carried in Message.Payload.
func EncodeCollectiveMeta(meta CollectiveMessageMeta, chunk []byte) []byte {
	hdr := fmt.Sprintf(
		"%d|%d|%d|%d|%s|%s|%s\n",
		meta.Phase, meta.ChunkIndex, meta.ForIndex, meta.Iteration,
		meta.WeightName, meta.SendNode, meta.RecvNode,
	)
	out := make([]byte, 0, len(hdr)+len(chunk))
	out = append(out, hdr...)
	out = append(out, chunk...)
	return out
}

// DecodeCollectiveMeta is the inverse of EncodeCollectiveMeta.
func DecodeCollectiveMeta(b []byte) (meta CollectiveMessageMeta, chunk []byte, err error) {
	nl := indexByte(b, '\n')
	if nl < 0 {
		return meta, nil, errorf.E("rpc: missing collective meta header")
	}
	hdr := string(b[:nl])
	chunk = b[nl+1:]
	var phase, idx, forIdx int
	var iter uint64
	var name, send, recv string
	_, err = fmt.Sscanf(hdr, "%d|%d|%d|%d|", &phase, &idx, &forIdx, &iter)
	if err != nil {
		return meta, nil, errorf.E("rpc: bad collective meta header: %w", err)
	}
	parts := splitPipe(hdr)
	if len(parts) != 7 {
		return meta, nil, errorf.E("rpc: malformed collective meta")
	}
	name, send, recv = parts[4], parts[5], parts[6]
	meta = CollectiveMessageMeta{
		Phase: phase, ChunkIndex: idx, ForIndex: forIdx, Iteration: iter,
		WeightName: name, SendNode: send, RecvNode: recv,
	}
	return
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func splitPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Handler receives every inbound Message and returns the reply payload. The
// server answers every frame, so a nil return sends a reply with an empty
// payload.
type Handler interface {
	Handle(ctx context.Context, m *Message) (reply []byte)
}

// Server accepts s2s connections and dispatches each frame to Handler.
// Stats, when set, accumulates per-frame byte counts.
type Server struct {
	ln      net.Listener
	handler Handler
	selfID  string
	Stats   *IOStats

	wg sync.WaitGroup
}

// Listen starts a TCP listener on addr.
func Listen(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }

// NewServer wraps an already-bound listener.
func NewServer(ln net.Listener, selfID string, handler Handler) *Server {
	return &Server{ln: ln, selfID: selfID, handler: handler}
}

// Serve runs the accept loop until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			default:
			}
			log.W.F("rpc: accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.D.F("rpc: connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.Stats.AddRecv(len(m.Payload))
		reply := s.handler.Handle(ctx, m)
		resp := &Message{
			Cmd:          replyCmd(m.Cmd),
			RequestID:    m.RequestID,
			IterationNum: m.IterationNum,
			SendNode:     s.selfID,
			RecvNode:     m.SendNode,
			Payload:      reply,
		}
		frame := resp.Marshal(nil)
		if _, err = conn.Write(frame); chk.E(err) {
			return
		}
		s.Stats.AddSent(len(frame))
	}
}

func replyCmd(c Cmd) Cmd {
	if c == CmdPing {
		return CmdPong
	}
	return c
}

// IOStats counts bytes moved on the server-to-server plane; the main loop
// samples it once per second to feed the data-rate stream.
type IOStats struct {
	sent atomic.Uint64
	recv atomic.Uint64
}

// NewIOStats returns zeroed counters shared between a Client and a Server.
func NewIOStats() *IOStats { return &IOStats{} }

// AddSent records n bytes written to a peer. Safe on a nil receiver.
func (s *IOStats) AddSent(n int) {
	if s != nil && n > 0 {
		s.sent.Add(uint64(n))
	}
}

// AddRecv records n bytes read from a peer. Safe on a nil receiver.
func (s *IOStats) AddRecv(n int) {
	if s != nil && n > 0 {
		s.recv.Add(uint64(n))
	}
}

// Totals returns the cumulative sent/received byte counts.
func (s *IOStats) Totals() (sent, recv uint64) {
	if s == nil {
		return 0, 0
	}
	return s.sent.Load(), s.recv.Load()
}

// peerConn is one pooled connection; its mutex serialises the
// write-request/read-reply exchange so concurrent Calls to the same peer
// never interleave frames.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Client dials peers on demand and matches replies to outbound calls by
// request id. Stats, when set, accumulates per-call byte counts.
type Client struct {
	selfID string
	nextID atomic.Uint64
	Stats  *IOStats

	mu    sync.Mutex
	conns map[string]*peerConn
}

// NewClient returns a Client identifying itself as selfID in outbound
// frames.
func NewClient(selfID string) *Client {
	return &Client{selfID: selfID, conns: make(map[string]*peerConn)}
}

func (c *Client) conn(addr string) (*peerConn, error) {
	c.mu.Lock()
	if pc, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.conns[addr]; ok {
		_ = conn.Close()
		return pc, nil
	}
	pc := &peerConn{conn: conn}
	c.conns[addr] = pc
	return pc, nil
}

func (c *Client) dropConn(addr string, pc *peerConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.conns[addr]; ok && cur == pc {
		_ = pc.conn.Close()
		delete(c.conns, addr)
	}
}

// Call sends m to addr and waits up to Timeout for the matching reply. The
// request/reply exchange holds the peer connection's lock, so concurrent
// Calls to the same peer are serialised rather than interleaved.
func (c *Client) Call(ctx context.Context, addr string, m *Message) (reply *Message, err error) {
	m.RequestID = c.nextID.Add(1)
	m.SendNode = c.selfID

	pc, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	_ = pc.conn.SetDeadline(deadline)
	frame := m.Marshal(nil)
	if _, err = pc.conn.Write(frame); err != nil {
		c.dropConn(addr, pc)
		return nil, err
	}
	c.Stats.AddSent(len(frame))
	reply, err = ReadMessage(pc.conn)
	if err != nil {
		c.dropConn(addr, pc)
		return nil, err
	}
	if reply.RequestID != m.RequestID {
		c.dropConn(addr, pc)
		return nil, errorf.E("rpc: reply request id %d does not match call %d", reply.RequestID, m.RequestID)
	}
	c.Stats.AddRecv(len(reply.Payload))
	return reply, nil
}

// Ping implements registry.Pinger: it sends SERVER_PING whose payload is the
// peer address it dialed (not this server's own address) and waits for the
// SERVER_PONG.
func (c *Client) Ping(ctx context.Context, addr string) error {
	_, err := c.Call(ctx, addr, &Message{Cmd: CmdPing, Payload: []byte(addr)})
	return err
}

// Close closes every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pc := range c.conns {
		_ = pc.conn.Close()
		delete(c.conns, addr)
	}
}

// EncodeBroadcastEvent / DecodeBroadcastEvent encode the
// SERVER_BROADCAST_EVENT{COUNT_EVENT} payload.
type BroadcastEventPayload struct {
	CountName    string
	TriggerFirst bool
	TriggerLast  bool
	Iteration    uint64
}

func EncodeBroadcastEvent(p BroadcastEventPayload) []byte {
	first, last := "0", "0"
	if p.TriggerFirst {
		first = "1"
	}
	if p.TriggerLast {
		last = "1"
	}
	return []byte(p.CountName + "|" + first + "|" + last + "|" + strconv.FormatUint(p.Iteration, 10))
}

func DecodeBroadcastEvent(b []byte) (p BroadcastEventPayload, err error) {
	parts := splitPipe(string(b))
	if len(parts) != 4 {
		return p, errorf.E("rpc: malformed broadcast event payload")
	}
	p.CountName = parts[0]
	p.TriggerFirst = parts[1] == "1"
	p.TriggerLast = parts[2] == "1"
	iter, perr := strconv.ParseUint(parts[3], 10, 64)
	if perr != nil {
		return p, errorf.E("rpc: bad iteration in broadcast event: %w", perr)
	}
	p.Iteration = iter
	return
}
