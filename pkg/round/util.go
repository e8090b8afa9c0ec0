package round

import (
	"strconv"
	"strings"
	"time"

	"fedmesh.dev/pkg/cipher"
	"fedmesh.dev/pkg/wire"
)

func fmtUint(v uint64) string { return strconv.FormatUint(v, 10) }
func fmtInt(v int64) string   { return strconv.FormatInt(v, 10) }

// parseThirdPipeField extracts the third '|'-delimited field of a
// DeviceMetas hash value (dataSize|evalDataSize|nowMs) as an int64.
func parseThirdPipeField(s string) (int64, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return 0, false
	}
	v, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func cipherCheckSignature(
	lookup cipher.AttestationLookup, verifier cipher.SignatureVerifier, h wire.Header,
	window time.Duration, now time.Time,
) wire.SigVerdict {
	return cipher.CheckSignature(lookup, verifier, h.FlID, h.Timestamp, h.IterationNum, h.Signature, window, now)
}
