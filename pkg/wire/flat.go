package wire

import (
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"lol.mleku.dev/errorf"
)

// Envelope is the client-facing wire shape every round response collapses
// into once the kernel's own typed payload has been serialised to bytes:
// the shared retcode/reason/iteration/next_req_time fields plus an opaque
// payload vector. There is no .fbs schema in this exercise, so the table is
// built directly against the flatbuffers Builder/Table primitives rather
// than through generated accessors.
type Envelope struct {
	RetCode     RetCode
	Reason      string
	Iteration   uint64
	NextReqTime time.Time
	Payload     []byte
}

const (
	envFieldRetCode = 0
	envFieldReason  = 1
	envFieldIter    = 2
	envFieldNextReq = 3
	envFieldPayload = 4
	envNumFields    = 5
)

// EncodeEnvelope serialises e as a flatbuffer table.
func EncodeEnvelope(e Envelope) []byte {
	b := flatbuffers.NewBuilder(256)

	var payloadOff flatbuffers.UOffsetT
	if len(e.Payload) > 0 {
		payloadOff = b.CreateByteVector(e.Payload)
	}
	reasonOff := b.CreateString(e.Reason)

	b.StartObject(envNumFields)
	b.PrependInt32Slot(envFieldRetCode, int32(e.RetCode), 0)
	b.PrependUOffsetTSlot(envFieldReason, reasonOff, 0)
	b.PrependUint64Slot(envFieldIter, e.Iteration, 0)
	b.PrependInt64Slot(envFieldNextReq, e.NextReqTime.UnixMilli(), 0)
	if payloadOff != 0 {
		b.PrependUOffsetTSlot(envFieldPayload, payloadOff, 0)
	}
	root := b.EndObject()
	b.Finish(root)
	return b.FinishedBytes()
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(buf []byte) (e Envelope, err error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return e, errorf.E("wire: short envelope")
	}
	n := flatbuffers.GetUOffsetT(buf)
	t := &flatbuffers.Table{Bytes: buf, Pos: n}

	if o := t.Offset(4 + envFieldRetCode*2); o != 0 {
		e.RetCode = RetCode(t.GetInt32(t.Pos + flatbuffers.UOffsetT(o)))
	}
	if o := t.Offset(4 + envFieldReason*2); o != 0 {
		e.Reason = t.String(t.Pos + flatbuffers.UOffsetT(o))
	}
	if o := t.Offset(4 + envFieldIter*2); o != 0 {
		e.Iteration = t.GetUint64(t.Pos + flatbuffers.UOffsetT(o))
	}
	if o := t.Offset(4 + envFieldNextReq*2); o != 0 {
		ms := t.GetInt64(t.Pos + flatbuffers.UOffsetT(o))
		e.NextReqTime = time.UnixMilli(ms)
	}
	if o := t.Offset(4 + envFieldPayload*2); o != 0 {
		e.Payload = t.ByteVector(t.Pos + flatbuffers.UOffsetT(o))
	}
	return e, nil
}

// FromResponse builds the wire Envelope for a Response whose round-specific
// Payload has already been serialised to payloadBytes by the caller (each
// round kernel knows its own payload shape; the envelope only carries the
// fields every round shares).
func FromResponse(r Response, payloadBytes []byte) Envelope {
	return Envelope{
		RetCode: r.RetCode, Reason: r.Reason, Iteration: r.Iteration,
		NextReqTime: r.NextReqTime, Payload: payloadBytes,
	}
}
