package round

import (
	"context"
	"time"

	"lol.mleku.dev/log"

	"fedmesh.dev/pkg/rpc"
	"fedmesh.dev/pkg/wire"
)

func deviceMetasKey(d *Dispatcher) string { return d.deps.Instance.KeyPrefix() + "DeviceMetas" }
func attestationKey(d *Dispatcher) string { return d.deps.Instance.KeyPrefix() + "KeyAttestation" }

func encodeDeviceMeta(p StartFLJobRequest) string {
	return fmtUint(p.DataSize) + "|" + fmtUint(p.EvalDataSize) + "|" + fmtInt(p.NowMs)
}

// kernelStartFLJob registers the client's declared data sizes and
// attestation key, counts it against the startFLJob round, and returns the
// latest model the store has available.
func kernelStartFLJob(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, ok := req.Payload.(StartFLJobRequest)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "bad startFLJob payload"}
	}

	if err := d.deps.Cache.HSet(ctx, deviceMetasKey(d), payload.FlID, encodeDeviceMeta(payload)); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	if len(payload.Attestation) > 0 {
		if err := d.deps.Cache.HSet(ctx, attestationKey(d), payload.FlID, string(payload.Attestation)); err != nil {
			log.W.F("round: startFLJob: persisting attestation for %s: %v", payload.FlID, err)
		}
	}

	iter := d.deps.Instance.IterationNum()
	if _, err := d.deps.Counters.Count(ctx, "startFLJob", iter); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}

	m, _, ok := d.deps.Store.GetLatestModel()
	if !ok {
		return wire.Response{RetCode: wire.SucNotReady, Iteration: iter, NextReqTime: time.Now().Add(time.Second)}
	}
	return wire.Response{
		RetCode: wire.Succeed, Iteration: iter,
		Payload: StartFLJobResponse{Model: m.Marshal(nil), Selected: true},
	}
}

// kernelUpdateModel verifies the client's signature, decodes its compressed
// delta, folds it into the aggregation buffer, and counts the contribution
// against both the updateModel round and the per-server aggregation gate.
func kernelUpdateModel(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, ok := req.Payload.(UpdateModelRequest)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "bad updateModel payload"}
	}

	iter := d.deps.Instance.IterationNum()
	if req.Header.IterationNum != iter {
		return wire.Response{RetCode: wire.OutOfTime, Reason: "stale iteration", Iteration: iter}
	}

	verdict := checkRequestSignature(d, req.Header)
	switch verdict {
	case wire.Timeout:
		return wire.Response{RetCode: wire.RequestError, Reason: "unknown fl_id attestation"}
	case wire.Failed:
		return wire.Response{RetCode: wire.RequestError, Reason: "signature check failed"}
	}

	delta, err := d.deps.Cipher.Decoder.Decode(payload.Compressed)
	if err != nil {
		return wire.Response{RetCode: wire.RequestError, Reason: err.Error()}
	}
	if err := d.deps.Exec.HandleModelUpdate(delta, payload.DataSize); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	if err := d.deps.Cache.SAdd(ctx, d.deps.Instance.KeyPrefix()+"updateModel:Set", payload.FlID); err != nil {
		log.W.F("round: updateModel: SAdd contributor set: %v", err)
	}

	if d.deps.Summary != nil {
		if raw, found, err := d.deps.Cache.HGet(ctx, deviceMetasKey(d), payload.FlID); err == nil && found {
			if startMs, ok := parseThirdPipeField(raw); ok {
				d.deps.Summary.RecordParticipationTime(payload.NowMs - startMs)
			}
		}
		if payload.SignBHat != "" {
			if err := d.deps.Summary.PushSignDSbHat(ctx, payload.SignBHat); err != nil {
				log.W.F("round: updateModel: push SignDS bHat: %v", err)
			}
		}
	}

	if _, err := d.deps.Counters.Count(ctx, "updateModel", iter); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	if _, err := d.deps.Counters.Count(ctx, "count_for_aggregation", iter); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	return wire.Response{RetCode: wire.Succeed, Iteration: iter}
}

// kernelGetModel serves the current iteration's model, or the latest one
// available while aggregation is still running, through the refcounted
// response cache so concurrent callers share one serialisation.
func kernelGetModel(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, _ := req.Payload.(GetModelRequest)
	iter := d.deps.Instance.IterationNum()

	m, ok := d.deps.Store.Get(iter)
	modelIter := iter
	if !ok || !d.deps.Exec.Done() {
		m, modelIter, ok = d.deps.Store.GetLatestModel()
	}
	if !ok {
		return wire.Response{RetCode: wire.SucNotReady, Iteration: iter, NextReqTime: time.Now().Add(time.Second)}
	}

	key := Key("getModel", iter, modelIter, payload.CompressType)
	bytes := d.responseCache.Get(key, func() []byte { return m.Marshal(nil) })
	d.responseCache.Release(key)

	return wire.Response{
		RetCode: wire.Succeed, Iteration: modelIter,
		Payload: GetModelResponse{ModelBytes: bytes, ModelIteration: modelIter},
	}
}

// kernelPullWeight serves one weight's accumulated aggregation bytes.
// Aggregation-skipper servers (those not participating in this iteration's
// ring) forward the request over SERVER_PULL_WEIGHT to a peer that is.
func kernelPullWeight(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, ok := req.Payload.(PullWeightRequest)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "bad pullWeight payload"}
	}

	if d.deps.IsSkipper != nil && d.deps.IsSkipper() {
		addr, ok := d.deps.SkipperPeerAddr()
		if !ok {
			return wire.Response{RetCode: wire.SystemError, Reason: "no aggregating peer known"}
		}
		reply, err := d.deps.RPC.Call(ctx, addr, &rpc.Message{
			Cmd: rpc.CmdPullWeight, IterationNum: d.deps.Instance.IterationNum(), Payload: []byte(payload.Name),
		})
		if err != nil {
			return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
		}
		return wire.Response{RetCode: wire.Succeed, Payload: PullWeightResponse{Data: reply.Payload}}
	}

	data, ok := d.deps.Exec.HandlePullWeight(payload.Name)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "unknown weight " + payload.Name}
	}
	return wire.Response{RetCode: wire.Succeed, Payload: PullWeightResponse{Data: data}}
}

// kernelPushWeight overwrites one weight in the current iteration's model
// (an admin override, not a client path) and broadcasts the change to
// peers so their Store stays consistent.
func kernelPushWeight(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, ok := req.Payload.(PushWeightRequest)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "bad pushWeight payload"}
	}

	iter := d.deps.Instance.IterationNum()
	m, ok := d.deps.Store.Get(iter)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "no model at current iteration"}
	}
	clone := m.Clone()
	dst, ok := clone.Slice(payload.Name)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "unknown weight " + payload.Name}
	}
	if len(dst) != len(payload.Data) {
		return wire.Response{RetCode: wire.RequestError, Reason: "weight size mismatch"}
	}
	copy(dst, payload.Data)
	d.deps.Store.Insert(iter, clone)

	if d.deps.Broadcast != nil {
		if err := d.deps.Broadcast(ctx, clone); err != nil {
			log.W.F("round: pushWeight: broadcast: %v", err)
		}
	}
	return wire.Response{RetCode: wire.Succeed, Iteration: iter}
}

// kernelPushMetrics folds a client's self-reported training metrics into
// the summary recorder's running averages.
func kernelPushMetrics(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	payload, ok := req.Payload.(PushMetricsRequest)
	if !ok {
		return wire.Response{RetCode: wire.RequestError, Reason: "bad pushMetrics payload"}
	}
	if d.deps.Summary != nil {
		d.deps.Summary.RecordUploadLoss(payload.Loss)
		d.deps.Summary.RecordUploadAccuracy(payload.Accuracy)
		d.deps.Summary.RecordTrainDataSize(payload.TrainDataSize)
		d.deps.Summary.RecordEvalDataSize(payload.EvalDataSize)
		if payload.GroupID != "" {
			d.deps.Summary.RecordGroupLabel(payload.GroupID, payload.Label)
		}
	}
	iter := d.deps.Instance.IterationNum()
	if _, err := d.deps.Counters.Count(ctx, "pushMetrics", iter); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	return wire.Response{RetCode: wire.Succeed, Iteration: iter}
}

func checkRequestSignature(d *Dispatcher, h wire.Header) wire.SigVerdict {
	now := time.Now
	if d.deps.Sig.Now != nil {
		now = d.deps.Sig.Now
	}
	return cipherCheckSignature(d.deps.Sig.Lookup, d.deps.Sig.Verifier, h, d.deps.Sig.ReplayWindow, now())
}
