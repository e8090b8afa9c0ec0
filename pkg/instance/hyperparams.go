package instance

import (
	"context"
	"encoding/json"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
)

// HyperParams is the per-instance training configuration, synced from the
// cache's hyperParams:String blob and merged the way app/config.KVSlice.Compose
// merges environment overrides: only keys present in an incoming update
// overwrite the cached value, every other field is left as-is.
type HyperParams struct {
	StartFLJobThreshold       uint64  `json:"start_fl_job_threshold"`
	StartFLJobTimeWindow      uint64  `json:"start_fl_job_time_window"`
	UpdateModelTimeWindow     uint64  `json:"update_model_time_window"`
	ClientEpochNum            uint64  `json:"client_epoch_num"`
	ClientBatchSize           uint64  `json:"client_batch_size"`
	FLIterationNum            uint64  `json:"fl_iteration_num"`
	GlobalIterationTimeWindow uint64  `json:"global_iteration_time_window"`
	CipherTimeWindow          uint64  `json:"cipher_time_window"`
	ReconstructSecretsThreshold uint64 `json:"reconstruct_secrets_threshold"`
	SignDimOut                uint64  `json:"sign_dim_out"`

	UpdateModelRatio  float64 `json:"update_model_ratio"`
	ClientLearningRate float64 `json:"client_learning_rate"`
	ShareSecretsRatio float64 `json:"share_secrets_ratio"`
	DPEps             float64 `json:"dp_eps"`
	DPDelta           float64 `json:"dp_delta"`
	DPNormClip        float64 `json:"dp_norm_clip"`
	SignK             float64 `json:"sign_k"`
	SignEps           float64 `json:"sign_eps"`
	SignThrRatio      float64 `json:"sign_thr_ratio"`
	SignGlobalLR      float64 `json:"sign_global_lr"`
	LaplaceEvalEps    float64 `json:"laplace_eval_eps"`

	EncryptType         string `json:"encrypt_type"`
	UploadCompressType   string `json:"upload_compress_type"`
	DownloadCompressType string `json:"download_compress_type"`

	SecureAggregation bool `json:"secure_aggregation"`
	EnableSSL         bool `json:"enable_ssl"`
	PKIVerify         bool `json:"pki_verify"`
}

// DefaultHyperParams returns a HyperParams with every threshold/window set to
// a usable minimum so a fresh instance can run before any scheduler posts a
// config.
func DefaultHyperParams() HyperParams {
	return HyperParams{
		StartFLJobThreshold:       1,
		StartFLJobTimeWindow:      60,
		UpdateModelTimeWindow:     60,
		ClientEpochNum:            1,
		ClientBatchSize:           32,
		GlobalIterationTimeWindow: 60,
		CipherTimeWindow:          60,
		ReconstructSecretsThreshold: 1,
		UpdateModelRatio:          1.0,
		ClientLearningRate:       0.01,
		EncryptType:              "NOT_ENCRYPT",
		UploadCompressType:       "NO_COMPRESS",
		DownloadCompressType:     "NO_COMPRESS",
	}
}

func (c *Context) hyperParamsKey() string { return c.prefix() + "hyperParams:String" }

// SyncHyperParams reads the cached hyper-params blob, if any, and returns it
// decoded; an absent key returns DefaultHyperParams.
func (c *Context) SyncHyperParams(ctx context.Context) (hp HyperParams, err error) {
	raw, found, err := c.cache.Get(ctx, c.hyperParamsKey())
	if chk.E(err) {
		return
	}
	if !found {
		return DefaultHyperParams(), nil
	}
	if err = json.Unmarshal([]byte(raw), &hp); chk.E(err) {
		return HyperParams{}, errorf.E("instance: malformed hyperParams blob: %w", err)
	}
	return hp, nil
}

// MergeHyperParamsUpdate applies a partial JSON update onto base following
// the "only provided keys overwrite" rule: it unmarshals update over a copy
// of base field-by-field via a raw map, so an absent key in update never
// resets the corresponding field to its zero value.
func MergeHyperParamsUpdate(base HyperParams, update []byte) (merged HyperParams, err error) {
	baseJSON, err := json.Marshal(base)
	if chk.E(err) {
		return
	}
	var baseMap map[string]json.RawMessage
	if err = json.Unmarshal(baseJSON, &baseMap); chk.E(err) {
		return
	}
	var updateMap map[string]json.RawMessage
	if err = json.Unmarshal(update, &updateMap); chk.E(err) {
		return base, errorf.E("instance: malformed hyperParams update: %w", err)
	}
	for k, v := range updateMap {
		baseMap[k] = v
	}
	mergedJSON, err := json.Marshal(baseMap)
	if chk.E(err) {
		return
	}
	if err = json.Unmarshal(mergedJSON, &merged); chk.E(err) {
		return
	}
	return merged, nil
}

// WriteHyperParams persists hp as the instance's hyperParams:String blob.
func (c *Context) WriteHyperParams(ctx context.Context, hp HyperParams) error {
	b, err := json.Marshal(hp)
	if chk.E(err) {
		return err
	}
	return c.cache.SetEx(ctx, c.hyperParamsKey(), string(b), c.configExpireSec)
}
