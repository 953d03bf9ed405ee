package models

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FilterFlags select the aggregate seed dataset.
type FilterFlags struct {
	RecommendedOnly bool `json:"recommended_only"`
	FreeOnly        bool `json:"free_only"`
	Limit           int  `json:"limit,omitempty"`
}

// Signature is the canonical, human-readable name of the flag combination.
func (f FilterFlags) Signature() string {
	var parts []string
	if f.FreeOnly {
		parts = append(parts, "free")
	}
	if f.RecommendedOnly {
		parts = append(parts, "recommended")
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, "+")
}

// Digest is a short stable hash of the signature used to namespace
// persistent cache keys.
func (f FilterFlags) Digest() string {
	return SignatureDigest(f.Signature())
}

// SignatureDigest hashes an arbitrary filter signature to 16 hex chars.
func SignatureDigest(signature string) string {
	sum := blake2b.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:8])
}
