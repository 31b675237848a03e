package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests. The version suffix allows the algorithm to
// change without colliding with older digests.
const (
	DomainPayload  = "takedown/payload/v1"
	DomainSnapshot = "takedown/snapshot/v1"
)

// DigestHeader carries PayloadDigest on every queued request so the
// backend can reject a body altered in transit or by a remap bug.
const DigestHeader = "X-Payload-Digest"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest returns the digest of an encoded request body.
func PayloadDigest(body []byte) string {
	return hashWithDomain(DomainPayload, body)
}

// SnapshotDigest returns the digest of the canonical encoding of v.
func SnapshotDigest(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("snapshot digest: %w", err)
	}
	return hashWithDomain(DomainSnapshot, b), nil
}
