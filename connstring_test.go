package gocbx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConnectionStringBasic(t *testing.T) {
	seeds, opts, err := ParseConnectionString("couchbase://node1,node2:11210")
	require.NoError(t, err)
	require.Equal(t, []string{"node1", "node2:11210"}, seeds)
	require.Equal(t, defaultDialOptions().KVTimeout, opts.KVTimeout)
}

func TestParseConnectionStringOptions(t *testing.T) {
	seeds, opts, err := ParseConnectionString(
		"couchbase://node1?kv_timeout=2500&enable_tls=true&num_kv_connections=4&compression=yes")
	require.NoError(t, err)
	require.Equal(t, []string{"node1"}, seeds)
	require.Equal(t, 2500*time.Millisecond, opts.KVTimeout)
	require.True(t, opts.EnableTLS)
	require.True(t, opts.Compression)
	require.Equal(t, 4, opts.NumKVConnections)
}

func TestParseConnectionStringUnknownOptionIgnored(t *testing.T) {
	_, _, err := ParseConnectionString("couchbase://node1?some_future_flag=1")
	require.NoError(t, err)
}

func TestParseConnectionStringRejectsMissingScheme(t *testing.T) {
	_, _, err := ParseConnectionString("node1:11210")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseConnectionStringRejectsEmptyHostList(t *testing.T) {
	_, _, err := ParseConnectionString("couchbase://")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseConnectionStringRejectsWrongScheme(t *testing.T) {
	_, _, err := ParseConnectionString("http://node1")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
