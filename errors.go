package gocbx

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transport-level sentinels (§7 taxonomy: Transport).
var (
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("operation timed out")
	ErrTLSFailure     = errors.New("tls handshake failed")
	ErrNoCapacity     = errors.New("no capacity: pool lease deadline exceeded")
	ErrFrameTooLarge  = errors.New("frame exceeds configured maximum size")
)

// Protocol-level sentinels.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnexpectedOpaque  = errors.New("unexpected opaque in response")
	ErrBadMagic          = errors.New("bad packet magic")
)

// Handshake-level sentinels.
var (
	ErrAuthFailure        = errors.New("authentication failed")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrFeatureUnsupported = errors.New("feature unsupported by server")
)

// Routing-level sentinels.
var (
	ErrNoMap  = errors.New("no cluster map available")
	ErrNoNode = errors.New("no node for partition")
)

// ErrInvalidConfig is returned when a caller-supplied configuration value
// fails a structural invariant (e.g. a non-power-of-two partition count).
var ErrInvalidConfig = errors.New("invalid configuration")

// NotMyVBucketError signals a routing miss with an optional embedded config
// blob, per §7 Routing/NotMyVBucket(embeddedConfig?).
type NotMyVBucketError struct {
	EmbeddedConfig []byte
}

func (e *NotMyVBucketError) Error() string { return "not my vbucket" }

// Domain-level sentinels, surfaced to the caller unchanged (§7 Propagation).
var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeyExists    = errors.New("key already exists")
	ErrCASMismatch  = errors.New("cas mismatch")
	ErrDeltaBadVal  = errors.New("delta applied to non-numeric value")
	ErrTooBig       = errors.New("value too big")
	ErrLocked       = errors.New("key is locked")
	ErrTmpFail      = errors.New("temporary failure")
	ErrNotStored    = errors.New("not stored")
	ErrAccessDenied = errors.New("access denied")
)

// Query/HTTP sentinels.
var (
	ErrStreamAlreadyRead = errors.New("stream already read")
	ErrStreamNotDrained  = errors.New("stream metadata accessed before drain")
	ErrParse             = errors.New("parse error")
)

// HTTPStatusError wraps a non-2xx HTTP response observed by the query
// service client (§7 Query/HTTP, HttpStatus(code, body)).
type HTTPStatusError struct {
	Code int
	Body []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, truncate(e.Body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// wrapf is a thin alias over pkg/errors.Wrapf kept local so call sites read
// naturally; it preserves the sentinel via errors.Is/errors.Cause while
// attaching a stack trace to the outer error for debugging.
func wrapf(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return errors.Wrapf(cause, format, args...)
}
