package gocbx

import (
	"math/rand"
	"sync"
	"time"
)

// RetryDecision is the result of RetrySupervisor.Retry: either wait a
// duration and try again, or stop with a terminal error (§4.8/C8).
type RetryDecision struct {
	Wait bool
	Dur  time.Duration
	Err  error
}

// RetrySupervisor computes back-off per §4.8 (failures are classified by
// the Dispatcher before it is consulted): full
// jitter, base 1ms, factor 2, cap 500ms, with a fast (zero-delay) retry for
// NMV when a fresher map is already available. One RetrySupervisor is
// shared by every concurrent Dispatcher.Do call (§5), so access to Rand —
// which is itself unsafe for concurrent use, unlike the locked top-level
// math/rand functions — is serialized with randMu.
type RetrySupervisor struct {
	Base time.Duration
	Cap  time.Duration
	Rand *rand.Rand

	randMu sync.Mutex
}

// NewRetrySupervisor builds a RetrySupervisor using the spec's default
// schedule.
func NewRetrySupervisor() *RetrySupervisor {
	return &RetrySupervisor{
		Base: time.Millisecond,
		Cap:  500 * time.Millisecond,
		Rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Retry decides whether attempt should be retried before deadline. fastNMV
// signals the NMV-with-fresher-map-already-available case, which retries
// immediately with no delay (§4.8).
func (r *RetrySupervisor) Retry(attempt int, deadline time.Time, fastNMV bool) RetryDecision {
	if fastNMV {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return RetryDecision{Err: ErrTimeout}
		}
		return RetryDecision{Wait: true, Dur: 0}
	}

	backoff := r.Base << uint(attempt)
	if backoff <= 0 || backoff > r.Cap { // overflow or exceeded cap
		backoff = r.Cap
	}
	r.randMu.Lock()
	n := r.Rand.Int63n(int64(backoff) + 1)
	r.randMu.Unlock()
	jittered := time.Duration(n)

	if !deadline.IsZero() {
		wakeAt := time.Now().Add(jittered)
		if wakeAt.After(deadline) {
			return RetryDecision{Err: ErrTimeout}
		}
	}
	return RetryDecision{Wait: true, Dur: jittered}
}

// ReconnectBackoff computes the config-provider subscription reconnect
// delay per §4.6: exponential, base 100ms, cap 10s, full jitter.
func ReconnectBackoff(r *rand.Rand, attempt int) time.Duration {
	const base = 100 * time.Millisecond
	const capDur = 10 * time.Second
	backoff := base << uint(attempt)
	if backoff <= 0 || backoff > capDur {
		backoff = capDur
	}
	return time.Duration(r.Int63n(int64(backoff) + 1))
}
