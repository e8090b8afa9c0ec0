package rpc

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	m := &Message{
		Cmd: CmdGetModelWeight, RequestID: 42, IterationNum: 7,
		SendNode: "node-a", RecvNode: "node-b", Payload: []byte("hello"),
	}
	b := m.Marshal(nil)
	var buf bytes.Buffer
	buf.Write(b)
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Cmd != m.Cmd || got.RequestID != m.RequestID || got.IterationNum != m.IterationNum {
		t.Fatalf("header mismatch: %+v != %+v", got, m)
	}
	if got.SendNode != m.SendNode || got.RecvNode != m.RecvNode {
		t.Fatalf("node id mismatch: %+v != %+v", got, m)
	}
	if !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("payload mismatch: %q != %q", got.Payload, m.Payload)
	}
}

func TestCollectiveMetaRoundTrip(t *testing.T) {
	meta := CollectiveMessageMeta{
		Phase: 1, ChunkIndex: 2, ForIndex: 3, Iteration: 9,
		WeightName: "w1", SendNode: "a", RecvNode: "b",
	}
	chunk := []byte{1, 2, 3, 4}
	enc := EncodeCollectiveMeta(meta, chunk)
	gotMeta, gotChunk, err := DecodeCollectiveMeta(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotMeta != meta {
		t.Fatalf("meta mismatch: %+v != %+v", gotMeta, meta)
	}
	if !bytes.Equal(gotChunk, chunk) {
		t.Fatalf("chunk mismatch")
	}
}

type echoHandler struct{ seen chan *Message }

func (h *echoHandler) Handle(_ context.Context, m *Message) []byte {
	h.seen <- m
	return append([]byte("echo:"), m.Payload...)
}

func TestClientServerRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	h := &echoHandler{seen: make(chan *Message, 1)}
	srv := NewServer(ln, "node-b", h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	c := NewClient("node-a")
	defer c.Close()

	reply, err := c.Call(ctx, ln.Addr().String(), &Message{
		Cmd: CmdGetModelWeight, IterationNum: 3, Payload: []byte("iter"),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply.Payload) != "echo:iter" {
		t.Fatalf("unexpected reply payload: %q", reply.Payload)
	}

	select {
	case seen := <-h.seen:
		if seen.SendNode != "node-a" {
			t.Fatalf("expected server to see sender id node-a, got %s", seen.SendNode)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler never observed the message")
	}
}

func TestBroadcastEventEncodeDecodeRoundTrip(t *testing.T) {
	p := BroadcastEventPayload{CountName: "updateModel", TriggerFirst: false, TriggerLast: true, Iteration: 5}
	got, err := DecodeBroadcastEvent(EncodeBroadcastEvent(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != p {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, p)
	}
}
