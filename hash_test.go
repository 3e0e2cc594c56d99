package gocbx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionPowerOfTwoRequired(t *testing.T) {
	_, err := Partition([]byte("foo"), 3)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPartitionDeterministic(t *testing.T) {
	p1, err := Partition([]byte("user::42"), 1024)
	require.NoError(t, err)
	p2, err := Partition([]byte("user::42"), 1024)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	require.GreaterOrEqual(t, p1, 0)
	require.Less(t, p1, 1024)
}

func TestPartitionSpreadsAcrossRange(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 4096; i++ {
		p, err := Partition([]byte{byte(i), byte(i >> 8)}, 1024)
		require.NoError(t, err)
		seen[p] = true
	}
	require.Greater(t, len(seen), 1, "expected keys to spread across more than one partition")
}
