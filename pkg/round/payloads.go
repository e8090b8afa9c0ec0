package round

// StartFLJobRequest is the client-supplied payload for the startFLJob
// round; NowMs anchors the participation-time histogram recorded at
// updateModel.
type StartFLJobRequest struct {
	FlID         string
	DataSize     uint64
	EvalDataSize uint64
	NowMs        int64
	Attestation  []byte
}

// StartFLJobResponse carries the current global model plus whether the
// client was selected to participate this iteration.
type StartFLJobResponse struct {
	Model    []byte
	Selected bool
}

// UpdateModelRequest carries a client's compressed weight delta. SignBHat
// is only set under SignDS encryption: the client's randomised-response bit
// ("0"/"1"), fed to the summary recorder's per-iteration SignDS estimator.
type UpdateModelRequest struct {
	FlID       string
	DataSize   uint64
	Compressed []byte
	NowMs      int64
	SignBHat   string
}

// GetModelRequest identifies which compression the caller wants the
// serialised model returned in.
type GetModelRequest struct {
	FlID         string
	CompressType int
}

// GetModelResponse carries the serialised model for one iteration.
type GetModelResponse struct {
	ModelBytes     []byte
	ModelIteration uint64
}

// PullWeightRequest/PullWeightResponse are the admin pullWeight round's
// request/response shapes.
type PullWeightRequest struct{ Name string }
type PullWeightResponse struct{ Data []byte }

// PushWeightRequest/PushWeightResponse are the admin pushWeight round's
// request/response shapes.
type PushWeightRequest struct {
	Name string
	Data []byte
}
type PushWeightResponse struct{}

// PushMetricsRequest carries a client's self-reported training metrics.
// GroupID/Label are only populated for instances running without ground
// truth, where the summary's unsupervised evaluator scores the reported
// pairs instead of a plain accuracy average.
type PushMetricsRequest struct {
	FlID          string
	Loss          float64
	Accuracy      float64
	TrainDataSize uint64
	EvalDataSize  uint64
	GroupID       string
	Label         int
}

// CipherPayloadRequest is the shared shape for every cipher-mode "push"
// round (exchangeKeys, shareSecrets, pushListSign): an opaque
// cipher-module payload keyed by fl_id.
type CipherPayloadRequest struct {
	FlID string
	Data []byte
}

// CipherPayloadResponse is the shared shape for every cipher-mode "get"
// round: the pipe-joined set of every fl_id's payload persisted so far.
type CipherPayloadResponse struct {
	Data []byte
}
