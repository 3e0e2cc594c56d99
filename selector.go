package gocbx

import (
	"strconv"

	"github.com/dgryski/go-rendezvous"
)

// querySelector deterministically picks a query node for a given logical
// target (an index name, design-document name, or client_context_id) using
// rendezvous (highest-random-weight) hashing, so repeat requests for the
// same target prefer the same node while minimally reshuffling when nodes
// come and go (§4.16/C16).
type querySelector struct{}

// Pick returns the chosen node index from candidates for key, or -1 if
// candidates is empty.
func (querySelector) Pick(key string, candidates []int) int {
	if len(candidates) == 0 {
		return -1
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	labels := make([]string, len(candidates))
	for i, idx := range candidates {
		labels[i] = strconv.Itoa(idx)
	}
	r := rendezvous.New(labels, rendezvousHash)
	chosen := r.Lookup(key)
	for _, idx := range candidates {
		if strconv.Itoa(idx) == chosen {
			return idx
		}
	}
	return candidates[0]
}

func rendezvousHash(s string) uint64 {
	// FNV-1a 64-bit, a fast non-cryptographic hash suitable for HRW
	// weighting; rendezvous.New requires callers to supply their own
	// hash function.
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
