// Package summary collects per-iteration round accept/reject counts,
// upload loss/accuracy, and the participation-time histogram into the
// shared cache, elects one writer per iteration via an acquire-once lock,
// and persists the iteration's metrics to a JSON-line file plus a
// per-second data-rate stream.
package summary

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"lol.mleku.dev/chk"

	"fedmesh.dev/pkg/cache"
)

const (
	summaryHashTTLSec = 30
	lockPendingTTLSec = 10
	lockFinishTTLSec  = 30
)

// roundStat is the local accept/reject/total tally for one round name.
type roundStat struct{ accept, reject uint64 }

// Recorder is the per-server, per-iteration summary accumulator.
type Recorder struct {
	cache     cache.I
	keyPrefix string
	selfID    string
	dataDir   string
	l1Ms      int64
	l2Ms      int64

	mu             sync.Mutex
	rounds         map[string]*roundStat
	lossSum        float64
	lossCount      uint64
	accSum         float64
	accCount       uint64
	trainDataSize  uint64
	evalDataSize   uint64
	participation  [3]uint64 // [0]=<L1 [1]=<L2 [2]>=L2
	groupIDs       []string
	labels         []int

	metricsFile  *os.File
	metricsBuf   *bufio.Writer
	dataRateMu   sync.Mutex
	dataRateFile *os.File
	dataRateBuf  *bufio.Writer
	dataRateDate string
	dataRateAddr string
}

// New returns a Recorder scoped to keyPrefix, writing metrics/data-rate
// files under dataDir. l1Ms/l2Ms are the participation-time histogram
// bucket boundaries.
func New(c cache.I, keyPrefix, selfID, dataDir string, l1Ms, l2Ms int64) *Recorder {
	return &Recorder{
		cache: c, keyPrefix: keyPrefix, selfID: selfID, dataDir: dataDir,
		l1Ms: l1Ms, l2Ms: l2Ms,
		rounds: make(map[string]*roundStat),
	}
}

func (r *Recorder) statFor(name string) *roundStat {
	s, ok := r.rounds[name]
	if !ok {
		s = &roundStat{}
		r.rounds[name] = s
	}
	return s
}

// RecordRoundOutcome tallies one round invocation's accept/reject.
func (r *Recorder) RecordRoundOutcome(name string, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statFor(name)
	if accepted {
		s.accept++
	} else {
		s.reject++
	}
}

// RecordParticipationTime buckets update_model_time_ms - startFLJob_time_ms
// into the three-bucket histogram.
func (r *Recorder) RecordParticipationTime(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ms < r.l1Ms:
		r.participation[0]++
	case ms < r.l2Ms:
		r.participation[1]++
	default:
		r.participation[2]++
	}
}

// RecordUploadLoss/RecordUploadAccuracy accumulate client-reported training
// metrics for the iteration's running average.
func (r *Recorder) RecordUploadLoss(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lossSum += v
	r.lossCount++
}

func (r *Recorder) RecordUploadAccuracy(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accSum += v
	r.accCount++
}

func (r *Recorder) RecordTrainDataSize(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trainDataSize += v
}

func (r *Recorder) RecordEvalDataSize(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalDataSize += v
}

// RecordGroupLabel accumulates one client's (group_id, label) pair for
// instances that run without ground truth, fed to an Unsupervised evaluator
// at iteration-end.
func (r *Recorder) RecordGroupLabel(groupID string, label int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupIDs = append(r.groupIDs, groupID)
	r.labels = append(r.labels, label)
}

// GroupLabels returns the accumulated (group_id, label) pairs for this
// iteration, or ok=false if no unsupervised-eval data was reported.
func (r *Recorder) GroupLabels() (groupIDs []string, labels []int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.groupIDs) == 0 {
		return nil, nil, false
	}
	return append([]string(nil), r.groupIDs...), append([]int(nil), r.labels...), true
}

// AverageLoss/AverageAccuracy return the iteration's running averages (0 if
// nothing was recorded).
func (r *Recorder) AverageLoss() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lossCount == 0 {
		return 0
	}
	return r.lossSum / float64(r.lossCount)
}

func (r *Recorder) AverageAccuracy() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accCount == 0 {
		return 0
	}
	return r.accSum / float64(r.accCount)
}

// TotalAccepted returns the number of accepted requests across every round
// this iteration, the clientVisitedInfo figure in the metrics file.
func (r *Recorder) TotalAccepted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, s := range r.rounds {
		total += s.accept
	}
	return total
}

// Reset clears every in-memory accumulator, called on iteration advance.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = make(map[string]*roundStat)
	r.lossSum, r.lossCount = 0, 0
	r.accSum, r.accCount = 0, 0
	r.trainDataSize, r.evalDataSize = 0, 0
	r.participation = [3]uint64{}
	r.groupIDs, r.labels = nil, nil
}

func (r *Recorder) lockKey() string    { return r.keyPrefix + "summaryLock:String" }
func (r *Recorder) summaryKey() string { return r.keyPrefix + "summary:Hash" }

// AcquireLock attempts to become the elected writer for this iteration's
// summary via SETEX NX.
func (r *Recorder) AcquireLock(ctx context.Context) (acquired bool, err error) {
	return r.cache.SetExNX(ctx, r.lockKey(), r.selfID+"|pending", lockPendingTTLSec)
}

// MarkFinished overwrites the lock value to record the elected writer
// finished persisting metrics, extending its TTL to 30s.
func (r *Recorder) MarkFinished(ctx context.Context) error {
	return r.cache.SetEx(ctx, r.lockKey(), r.selfID+"|Finish", lockFinishTTLSec)
}

// WriteSummaryHash persists this server's local tallies into the shared
// summary:Hash under its own node-id field.
func (r *Recorder) WriteSummaryHash(ctx context.Context) error {
	r.mu.Lock()
	encoded := r.encodeLocked()
	r.mu.Unlock()
	if err := r.cache.HSet(ctx, r.summaryKey(), r.selfID, encoded); chk.E(err) {
		return err
	}
	return r.cache.Expire(ctx, r.summaryKey(), summaryHashTTLSec)
}

func (r *Recorder) encodeLocked() string {
	out := fmt.Sprintf(
		"loss=%f;count=%d;acc=%f;count=%d;train=%d;eval=%d;p0=%d;p1=%d;p2=%d",
		r.lossSum, r.lossCount, r.accSum, r.accCount,
		r.trainDataSize, r.evalDataSize,
		r.participation[0], r.participation[1], r.participation[2],
	)
	for name, s := range r.rounds {
		out += fmt.Sprintf(";%s=%d/%d", name, s.accept, s.reject)
	}
	return out
}

// MetricsRecord is one line appended to metrics.json.
type MetricsRecord struct {
	InstanceName          string    `json:"instanceName"`
	FlName                string    `json:"flName"`
	InstanceStatus        string    `json:"instanceStatus"`
	FlIterationNum        uint64    `json:"flIterationNum"`
	CurrentIteration      uint64    `json:"currentIteration"`
	Metrics               Metrics   `json:"metrics"`
	ClientVisitedInfo     uint64    `json:"clientVisitedInfo"`
	IterationResult       bool      `json:"iterationResult"`
	StartTime             time.Time `json:"startTime"`
	EndTime               time.Time `json:"endTime"`
	IterationExecutionMs  int64     `json:"iterationExecutionTime"`
}

// Metrics is the nested metrics object inside MetricsRecord.
type Metrics struct {
	MetricsLoss      float64 `json:"metricsLoss"`
	MetricsAuc       float64 `json:"metricsAuc"`
	UnsupervisedEval float64 `json:"unsupervisedEval"`
}

func (r *Recorder) openMetricsFile() (*bufio.Writer, error) {
	if r.metricsFile != nil {
		return r.metricsBuf, nil
	}
	if err := os.MkdirAll(r.dataDir, 0o755); chk.E(err) {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(r.dataDir, "metrics.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if chk.E(err) {
		return nil, err
	}
	r.metricsFile = f
	r.metricsBuf = bufio.NewWriter(f)
	return r.metricsBuf, nil
}

// PersistMetrics appends one JSON line for the completed iteration.
func (r *Recorder) PersistMetrics(rec MetricsRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, err := r.openMetricsFile()
	if chk.E(err) {
		return err
	}
	b, err := json.Marshal(rec)
	if chk.E(err) {
		return err
	}
	if _, err = buf.Write(b); chk.E(err) {
		return err
	}
	if _, err = buf.WriteString("\n"); chk.E(err) {
		return err
	}
	return buf.Flush()
}

// DataRateSample is one line appended to the per-address data-rate stream.
type DataRateSample struct {
	Time    time.Time `json:"time"`
	Send    uint64    `json:"send"`
	Receive uint64    `json:"receive"`
}

// AppendDataRate writes one data-rate sample for address, rolling to a new
// file when the UTC date changes.
func (r *Recorder) AppendDataRate(address string, send, receive uint64, at time.Time) error {
	r.dataRateMu.Lock()
	defer r.dataRateMu.Unlock()

	date := at.UTC().Format("2006-01-02")
	if r.dataRateFile == nil || date != r.dataRateDate || address != r.dataRateAddr {
		if r.dataRateFile != nil {
			_ = r.dataRateBuf.Flush()
			_ = r.dataRateFile.Close()
		}
		if err := os.MkdirAll(r.dataDir, 0o755); chk.E(err) {
			return err
		}
		name := fmt.Sprintf("data_rate.%s.%s.json", date, address)
		f, err := os.OpenFile(filepath.Join(r.dataDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if chk.E(err) {
			return err
		}
		r.dataRateFile = f
		r.dataRateBuf = bufio.NewWriter(f)
		r.dataRateDate = date
		r.dataRateAddr = address
	}

	b, err := json.Marshal(DataRateSample{Time: at, Send: send, Receive: receive})
	if chk.E(err) {
		return err
	}
	if _, err = r.dataRateBuf.Write(b); chk.E(err) {
		return err
	}
	if _, err = r.dataRateBuf.WriteString("\n"); chk.E(err) {
		return err
	}
	return r.dataRateBuf.Flush()
}

// Close flushes and closes any open file handles.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.metricsFile != nil {
		_ = r.metricsBuf.Flush()
		_ = r.metricsFile.Close()
	}
	r.mu.Unlock()

	r.dataRateMu.Lock()
	if r.dataRateFile != nil {
		_ = r.dataRateBuf.Flush()
		_ = r.dataRateFile.Close()
	}
	r.dataRateMu.Unlock()
}

// RoundTallyString renders a round's accept/reject/total as a log-friendly
// triple, used by the main loop's per-iteration summary log line.
func RoundTallyString(accept, reject uint64) string {
	return strconv.FormatUint(accept, 10) + "/" + strconv.FormatUint(reject, 10) +
		"/" + strconv.FormatUint(accept+reject, 10)
}

