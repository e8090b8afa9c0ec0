package app

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"lol.mleku.dev/errorf"
)

// The cipher package declares every cryptographic collaborator as a narrow
// interface and treats it as a black box: none of the examples in the
// retrieval pack ship a library scoped to FL pairwise-masking or threshold
// secret-sharing, so these are minimal, functional stand-ins built on
// crypto/hmac and crypto/sha256 rather than a borrowed cryptographic
// design. A deployment that needs real security guarantees swaps these for
// its own SecretSharing/Masking/SignatureVerifier, which is exactly what
// the interfaces in pkg/cipher exist to let it do.

// xorSecretSharing implements cipher.SecretSharing as an n-way XOR split:
// Split XORs the secret against n-1 random pads and appends the running XOR
// as the last share; Combine XORs every share back together. It carries no
// threshold guarantee (any n-1 shares reveal nothing, but so does 1), which
// is why it's a stand-in and not a documented security property.
type xorSecretSharing struct{}

func (xorSecretSharing) Split(secret []byte, n, threshold int) (shares [][]byte, err error) {
	if n < 1 {
		return nil, errorf.E("cipher: secret sharing requires n >= 1")
	}
	shares = make([][]byte, n)
	acc := append([]byte(nil), secret...)
	for i := 0; i < n-1; i++ {
		pad := make([]byte, len(secret))
		if _, err = rand.Read(pad); err != nil {
			return nil, err
		}
		shares[i] = pad
		xorInto(acc, pad)
	}
	shares[n-1] = acc
	return shares, nil
}

func (xorSecretSharing) Combine(shares [][]byte) (secret []byte, err error) {
	if len(shares) == 0 {
		return nil, errorf.E("cipher: no shares to combine")
	}
	out := append([]byte(nil), shares[0]...)
	for _, s := range shares[1:] {
		xorInto(out, s)
	}
	return out, nil
}

func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// hmacMasking implements cipher.Masking as HMAC-SHA256(selfPriv, peerPub):
// both sides of a pair compute the same key only if they agree on which of
// the two strings is "priv" and which is "pub" (for example, the lower
// fl_id's key always plays selfPriv). That convention is left to the
// clients; the exchangeKeys round stores key payloads as given.
type hmacMasking struct{}

func (hmacMasking) GetMasking(selfPriv, peerPub []byte) ([]byte, error) {
	h := hmac.New(sha256.New, selfPriv)
	h.Write(peerPub)
	return h.Sum(nil), nil
}

// hmacSignatureVerifier implements cipher.SignatureVerifier as a keyed-MAC
// check: the "public key" registered at startFLJob is really a shared
// secret known to the client, and Verify recomputes HMAC-SHA256(pubKey,
// hash) and compares it to signature in constant time.
type hmacSignatureVerifier struct{}

func (hmacSignatureVerifier) Verify(pubKey, hash, signature []byte) bool {
	mac := hmac.New(sha256.New, pubKey)
	mac.Write(hash)
	return hmac.Equal(mac.Sum(nil), signature)
}

// rawDecoder implements cipher.Decoder for NO_COMPRESS payloads: a
// sequence of (name-length-prefixed string, count uint32, count*float32)
// records, every integer and float big-endian, the same length-prefix
// convention pkg/rpc uses for its own frame header.
type rawDecoder struct{}

func (rawDecoder) Decode(compressed []byte) (map[string][]float32, error) {
	out := make(map[string][]float32)
	b := compressed
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, errorf.E("cipher: truncated weight name length")
		}
		nameLen := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < nameLen {
			return nil, errorf.E("cipher: truncated weight name")
		}
		name := string(b[:nameLen])
		b = b[nameLen:]
		if len(b) < 4 {
			return nil, errorf.E("cipher: truncated weight count")
		}
		count := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < count*4 {
			return nil, errorf.E("cipher: truncated weight values")
		}
		vals := make([]float32, count)
		for i := uint32(0); i < count; i++ {
			vals[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4 : i*4+4]))
		}
		b = b[count*4:]
		out[name] = vals
	}
	return out, nil
}

// EncodeNoCompress is rawDecoder's companion encoder, exposed so a client
// stub or test can build a well-formed UpdateModelRequest.Compressed
// payload without duplicating the framing.
func EncodeNoCompress(deltas map[string][]float32) []byte {
	names := make([]string, 0, len(deltas))
	for n := range deltas {
		names = append(names, n)
	}
	sortStrings(names)
	var out []byte
	for _, name := range names {
		vals := deltas[name]
		var nameLen [4]byte
		binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
		out = append(out, nameLen[:]...)
		out = append(out, name...)
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(vals)))
		out = append(out, countBuf[:]...)
		for _, v := range vals {
			var vb [4]byte
			binary.BigEndian.PutUint32(vb[:], math.Float32bits(v))
			out = append(out, vb[:]...)
		}
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ratioUnsupervised implements cipher.Unsupervised with a trivial
// agreement-ratio score: the fraction of (group, label) pairs sharing their
// group's majority label. It is a usable default for metricsAuc/
// unsupervisedEval, not a statistically rigorous AUC estimator.
type ratioUnsupervised struct{}

func (ratioUnsupervised) Score(groupIDs []string, labels []int, kind string) (float64, error) {
	if len(groupIDs) != len(labels) {
		return 0, errorf.E("cipher: groupIDs/labels length mismatch")
	}
	if len(groupIDs) == 0 {
		return 0, nil
	}
	counts := make(map[string]map[int]int)
	for i, g := range groupIDs {
		if counts[g] == nil {
			counts[g] = make(map[int]int)
		}
		counts[g][labels[i]]++
	}
	majority := make(map[string]int)
	for g, byLabel := range counts {
		best, bestN := 0, -1
		for label, n := range byLabel {
			if n > bestN {
				best, bestN = label, n
			}
		}
		majority[g] = best
	}
	agree := 0
	for i, g := range groupIDs {
		if labels[i] == majority[g] {
			agree++
		}
	}
	return float64(agree) / float64(len(groupIDs)), nil
}
