package merkle

import (
	"bytes"
	"encoding/hex"
	"hash"
	"strings"
)

// HashLeaf returns the hex-encoded hash of the given value using the supplied
// digest
func HashLeaf(h hash.Hash, val []byte) string {
	h.Reset()
	h.Write(val)
	sum := h.Sum(nil)
	h.Reset()
	return hex.EncodeToString(sum)
}

func combine(h hash.Hash, left, right []byte) []byte {
	h.Reset()
	if bytes.Compare(left, right) <= 0 {
		h.Write(left)
		h.Write(right)
	} else {
		h.Write(right)
		h.Write(left)
	}
	sum := h.Sum(nil)
	h.Reset()
	return sum
}

// CalculateRoot recomputes the candidate root for the given hex-encoded leaf
// hash and sibling path; pairs are combined in sorted order so the result does
// not depend on left/right position bookkeeping
func CalculateRoot(h hash.Hash, leaf string, path []string) string {
	current, _ := hex.DecodeString(strings.ToLower(leaf))

	for _, sibling := range path {
		dec, _ := hex.DecodeString(strings.ToLower(sibling))
		current = combine(h, current, dec)
	}

	return hex.EncodeToString(current)
}

// Verify returns true iff the given leaf hash and sibling path recompute the
// given root; it is a pure function and never fails -- an unparseable or
// non-member proof simply yields false
func Verify(h hash.Hash, root, leaf string, path []string) bool {
	if h == nil {
		return false
	}
	return CalculateRoot(h, leaf, path) == strings.ToLower(root)
}
