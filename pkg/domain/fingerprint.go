package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintHexLen truncates the digest to keep the index compact. The
// fingerprint is a deduplication aid, not a security boundary, so the reduced
// collision resistance is acceptable.
const fingerprintHexLen = 16

// Fingerprint derives a fixed-length digest from the five identity fields of
// a record. Identical identity tuples always produce identical fingerprints
// regardless of paths or metrics; missing fields count as empty strings.
func Fingerprint(r ExperimentRecord) string {
	joined := strings.Join([]string{
		r.Flowcell,
		r.Device,
		r.ExperimentName,
		r.Date,
		r.Time,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:fingerprintHexLen]
}
