// Package integrity provides tamper-evident hashing and Merkle tree construction
// for resolution audit trails. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hash version prefix. Every action hash carries it so the encoding can evolve.
const hashV2Prefix = "v2:"

// ActionFields are the canonical fields of a resolution action covered by its hash.
// Seq is excluded: the store assigns it at append time.
type ActionFields struct {
	ID           uuid.UUID
	ResolutionID uuid.UUID
	ActionType   string
	Description  string
	PerformedBy  string
	PerformedAt  time.Time
	Parameters   map[string]any
	Result       *string
	Success      bool
}

// ComputeContentHash produces a versioned SHA-256 hex digest of an action.
func ComputeContentHash(f ActionFields) string {
	return hashV2Prefix + computeV2Hash(f)
}

// VerifyContentHash checks whether a stored hash matches the recomputed hash.
// Unversioned or unknown hashes never verify.
func VerifyContentHash(stored string, f ActionFields) bool {
	if !strings.HasPrefix(stored, hashV2Prefix) {
		return false
	}
	return stored == hashV2Prefix+computeV2Hash(f)
}

// computeV2Hash produces a length-prefixed SHA-256 hex digest.
// Each field is encoded as a 4-byte big-endian length prefix followed by the field bytes.
// This avoids delimiter collisions when freeform text fields contain pipe characters.
func computeV2Hash(f ActionFields) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(f.ID.String())
	writeField(f.ResolutionID.String())
	writeField(f.ActionType)
	writeField(f.Description)
	writeField(f.PerformedBy)
	writeField(f.PerformedAt.UTC().Format(time.RFC3339Nano))
	writeField(canonicalParams(f.Parameters))
	r := ""
	if f.Result != nil {
		r = *f.Result
	}
	writeField(r)
	writeField(strconv.FormatBool(f.Success))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams renders parameters as JSON with sorted keys. Nil and empty
// maps encode identically.
func canonicalParams(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are taken in the given order; action chains pass them in seq order.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// Build tree bottom-up.
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
