// Package cipher declares the cryptographic and compression collaborators
// the core treats as black boxes per §1/§9: secret sharing, pairwise-mask
// key agreement, SignDS differential privacy, compression codecs, and
// unsupervised evaluation. None of their internals are specified here; the
// core only calls through these narrow interfaces and interprets the
// PASSED/FAILED/TIMEOUT verdict of the shared signature-check helper.
package cipher

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"

	"fedmesh.dev/pkg/wire"
)

// SecretSharing is the external secret-sharing primitive used by the
// shareSecrets/reconstructSecrets rounds.
type SecretSharing interface {
	Split(secret []byte, n, threshold int) ([][]byte, error)
	Combine(shares [][]byte) ([]byte, error)
}

// Masking is the external pairwise-mask key-agreement primitive used by the
// exchangeKeys/getKeys rounds.
type Masking interface {
	GetMasking(selfPriv, peerPub []byte) ([]byte, error)
}

// Decoder decodes a client's compressed weight-update payload (QUANT,
// DIFF_SPARSE_QUANT, or NO_COMPRESS) into named float32 deltas.
type Decoder interface {
	Decode(compressed []byte) (map[string][]float32, error)
}

// Unsupervised scores client-reported (group_id, label) pairs for instances
// that run without ground truth, feeding metricsAuc/unsupervisedEval in the
// summary metrics file.
type Unsupervised interface {
	Score(groupIDs []string, labels []int, kind string) (float64, error)
}

// SignatureVerifier is the external RSA/attestation verifier; Verify
// reports only whether the raw signature check passed, leaving replay and
// unknown-fl_id handling to CheckSignature below.
type SignatureVerifier interface {
	Verify(pubKey []byte, hash []byte, signature []byte) bool
}

// AttestationLookup resolves a client's registered attestation public key;
// ok is false for an unknown fl_id.
type AttestationLookup func(flID string) (pubKey []byte, ok bool)

// SignatureHash computes SHA256(fl_id || timestamp || iteration_as_decimal)
// per §4.H.
func SignatureHash(flID string, timestamp int64, iteration uint64) []byte {
	h := sha256.New()
	h.Write([]byte(flID))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	h.Write(tsBuf[:])
	h.Write([]byte(strconv.FormatUint(iteration, 10)))
	return h.Sum(nil)
}

// CheckSignature implements §4.H's shared verification helper: unknown
// fl_id attestation -> TIMEOUT; bad signature -> FAILED; otherwise PASSED,
// subject to the replay-attack time window.
func CheckSignature(
	lookup AttestationLookup, verifier SignatureVerifier,
	flID string, timestamp int64, iteration uint64, signature []byte,
	replayAttackTimeDiff time.Duration, now time.Time,
) wire.SigVerdict {
	pubKey, ok := lookup(flID)
	if !ok {
		return wire.Timeout
	}
	hash := SignatureHash(flID, timestamp, iteration)
	withinWindow := absDuration(now.Unix()-timestamp) < int64(replayAttackTimeDiff/time.Second)
	if !withinWindow || !verifier.Verify(pubKey, hash, signature) {
		return wire.Failed
	}
	return wire.Passed
}

func absDuration(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}
