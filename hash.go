package gocbx

import "hash/crc32"

// Partition computes the vbucket index for key under a partition count P
// (§4.1). P must be a power of two; callers that violate this get
// ErrInvalidConfig rather than a silently wrong shard.
func Partition(key []byte, p int) (int, error) {
	if p <= 0 || p&(p-1) != 0 {
		return 0, wrapf(ErrInvalidConfig, "partition count %d is not a power of two", p)
	}
	sum := crc32.ChecksumIEEE(key)
	return int((sum >> 16) & uint32(p-1)), nil
}
