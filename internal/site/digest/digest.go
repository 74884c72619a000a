// Package digest computes the content hashes used to skip no-op pushes of
// membership and topology state. Values are encoded with CBOR Core
// Deterministic Encoding so the same logical data always hashes the same.
package digest

import (
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("digest: CBOR encoder initialization failed: " + err.Error())
	}
}

// Of hashes the deterministic encoding of v. Zero is reserved for "nothing
// known yet", so a value that happens to hash to zero is mapped to one.
func Of(v any) uint64 {
	h := xxhash.New()
	if err := encMode.NewEncoder(h).Encode(v); err != nil {
		// Only unsupported Go types fail to encode; callers pass plain structs.
		panic("digest: encode: " + err.Error())
	}
	sum := h.Sum64()
	if sum == 0 {
		return 1
	}
	return sum
}

// Combine hashes an ordered list of component hashes.
func Combine(parts ...uint64) uint64 {
	return Of(parts)
}
