package photon

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the canonical content hash of b, "sha256:<hex>".
// The same form is used for spec hashes, compile-cache keys, and marketplace
// manifest integrity checks.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
