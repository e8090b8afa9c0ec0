package round

import (
	"context"
	"strings"
	"time"

	"fedmesh.dev/pkg/counter"
	"fedmesh.dev/pkg/wire"
)

// kernelCipherPush returns a kernel that persists a client's opaque
// cipher-module payload into the hash at keyPrefix+hashName, keyed by
// fl_id, and counts the contribution against countName. exchangeKeys,
// shareSecrets and pushListSign are all instances of this shape.
func kernelCipherPush(hashName, countName string) func(context.Context, *Dispatcher, wire.RoundRequest) wire.Response {
	return func(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
		payload, ok := req.Payload.(CipherPayloadRequest)
		if !ok {
			return wire.Response{RetCode: wire.RequestError, Reason: "bad " + countName + " payload"}
		}
		key := d.deps.Instance.KeyPrefix() + hashName
		if err := d.deps.Cache.HSet(ctx, key, payload.FlID, string(payload.Data)); err != nil {
			return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
		}
		iter := d.deps.Instance.IterationNum()
		if _, err := d.deps.Counters.Count(ctx, countName, iter); err != nil {
			return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
		}
		return wire.Response{RetCode: wire.Succeed, Iteration: iter}
	}
}

// kernelCipherGet returns a kernel that gates on gateOn's threshold (skipped
// entirely when gateOn is empty) and, once reached, returns every fl_id's
// payload persisted in the hash at keyPrefix+hashName, pipe-joined.
// getKeys, getSecrets, getClientList and getListSign are all instances of
// this shape.
func kernelCipherGet(hashName, gateOn string) func(context.Context, *Dispatcher, wire.RoundRequest) wire.Response {
	return func(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
		iter := d.deps.Instance.IterationNum()
		if gateOn != "" {
			ready, err := d.deps.Counters.ReachThreshold(ctx, gateOn)
			if err != nil {
				return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
			}
			if !ready {
				return wire.Response{RetCode: wire.SucNotReady, Iteration: iter, NextReqTime: time.Now().Add(time.Second)}
			}
		}
		key := d.deps.Instance.KeyPrefix() + hashName
		fields, err := d.deps.Cache.HGetAll(ctx, key)
		if err != nil {
			return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
		}
		return wire.Response{
			RetCode: wire.Succeed, Iteration: iter,
			Payload: CipherPayloadResponse{Data: []byte(joinHashValues(fields))},
		}
	}
}

func joinHashValues(fields map[string]string) string {
	vals := make([]string, 0, len(fields))
	for _, v := range fields {
		vals = append(vals, v)
	}
	return strings.Join(vals, "|")
}

// kernelReconstructSecrets gates on shareSecrets reaching its threshold,
// combines every persisted encrypted share via the secret-sharing
// collaborator, and persists the reconstructed secret under the caller's
// own fl_id so a subsequent getSecrets-style read can retrieve it.
func kernelReconstructSecrets(ctx context.Context, d *Dispatcher, req wire.RoundRequest) wire.Response {
	iter := d.deps.Instance.IterationNum()
	ready, err := d.deps.Counters.ReachThreshold(ctx, "shareSecrets")
	if err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	if !ready {
		return wire.Response{RetCode: wire.SucNotReady, Iteration: iter, NextReqTime: time.Now().Add(time.Second)}
	}

	fields, err := d.deps.Cache.HGetAll(ctx, d.deps.Instance.KeyPrefix()+"EncryptedShares")
	if err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	shares := make([][]byte, 0, len(fields))
	for _, v := range fields {
		shares = append(shares, []byte(v))
	}
	secret, err := d.deps.Cipher.Secrets.Combine(shares)
	if err != nil {
		return wire.Response{RetCode: wire.RequestError, Reason: err.Error()}
	}
	if err := d.deps.Cache.HSet(ctx, d.deps.Instance.KeyPrefix()+"ReconstructedSecrets", req.Header.FlID, string(secret)); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	if _, err := d.deps.Counters.Count(ctx, "reconstructSecrets", iter); err != nil {
		return wire.Response{RetCode: wire.SystemError, Reason: err.Error()}
	}
	return wire.Response{RetCode: wire.Succeed, Iteration: iter, Payload: CipherPayloadResponse{Data: secret}}
}

// RoundConfig carries the per-round thresholds and timer windows the
// hyper-params config supplies (§6); all are expressed in round units (a
// threshold of 0 means "no gate", used by rounds a peer reads rather than
// contributes to).
type RoundConfig struct {
	StartFLJobThreshold   uint64
	StartFLJobWindowSec   int
	UpdateModelThreshold  uint64
	UpdateModelWindowSec  int
	CipherThreshold       uint64
	CipherWindowSec       int
	ReconstructThreshold  uint64
	GlobalWindowSec       int
}

// RegisterDefaultRounds registers every round kernel against d, wiring each
// one's counter/timer pair. The aggregation-trigger counter
// (count_for_aggregation) is registered separately here since it backs
// updateModel rather than being its own client-facing round; its last-event
// callback is d.deps.OnAggregationReady.
func RegisterDefaultRounds(d *Dispatcher, cfg RoundConfig) {
	d.RegisterRound("startFLJob", cfg.StartFLJobThreshold, cfg.StartFLJobWindowSec, false, kernelStartFLJob)
	d.RegisterRound("updateModel", cfg.UpdateModelThreshold, cfg.UpdateModelWindowSec, false, kernelUpdateModel)
	d.RegisterRound("getModel", 0, cfg.GlobalWindowSec, false, kernelGetModel)
	d.RegisterRound("pullWeight", 0, cfg.GlobalWindowSec, false, kernelPullWeight)
	d.RegisterRound("pushWeight", 0, cfg.GlobalWindowSec, false, kernelPushWeight)
	d.RegisterRound("pushMetrics", 0, cfg.GlobalWindowSec, false, kernelPushMetrics)

	d.RegisterRound("exchangeKeys", cfg.CipherThreshold, cfg.CipherWindowSec, false, kernelCipherPush("Keys:Hash", "exchangeKeys"))
	d.RegisterRound("getKeys", 0, cfg.CipherWindowSec, false, kernelCipherGet("Keys:Hash", "exchangeKeys"))
	d.RegisterRound("shareSecrets", cfg.CipherThreshold, cfg.CipherWindowSec, false, kernelCipherPush("EncryptedShares", "shareSecrets"))
	d.RegisterRound("getSecrets", 0, cfg.CipherWindowSec, false, kernelCipherGet("EncryptedShares", "shareSecrets"))
	d.RegisterRound("getClientList", 0, cfg.CipherWindowSec, false, kernelCipherGet("DeviceMetas", ""))
	d.RegisterRound("reconstructSecrets", cfg.ReconstructThreshold, cfg.CipherWindowSec, false, kernelReconstructSecrets,
		func(iteration uint64) {
			if d.deps.OnUnmaskReady != nil {
				d.deps.OnUnmaskReady(iteration)
			}
		})
	d.RegisterRound("pushListSign", cfg.CipherThreshold, cfg.CipherWindowSec, false, kernelCipherPush("Signatures:Hash", "pushListSign"))
	d.RegisterRound("getListSign", 0, cfg.CipherWindowSec, false, kernelCipherGet("Signatures:Hash", "pushListSign"))

	lastCb := counter.LastCallbackFunc(func(iteration uint64) {
		if d.deps.OnAggregationReady != nil {
			d.deps.OnAggregationReady(iteration)
		}
	})
	d.deps.Counters.RegisterCounter("count_for_aggregation", cfg.UpdateModelThreshold, nil, lastCb, true)
}
