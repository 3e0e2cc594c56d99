package gocbx

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNetConn stubs out net.Conn well enough for die()'s teardown path; the
// pool tests never exercise actual reads or writes.
type fakeNetConn struct{ net.Conn }

func (fakeNetConn) Close() error { return nil }

// newFakeReadyConn builds a Conn that looks Ready to a Pool without ever
// touching the network, for exercising Acquire/Release/reap behavior in
// isolation from the handshake.
func newFakeReadyConn() *Conn {
	c := &Conn{
		logger:  nopLogger{},
		nc:      fakeNetConn{},
		pending: make(map[uint32]pendingEntry),
		deadCh:  make(chan struct{}),
	}
	c.state.Store(int32(StateReady))
	return c
}

func newCountingDialer(conns ...*Conn) func(context.Context, string, connectOptions) (*Conn, error) {
	var n int32
	return func(context.Context, string, connectOptions) (*Conn, error) {
		i := atomic.AddInt32(&n, 1) - 1
		if int(i) >= len(conns) {
			return newFakeReadyConn(), nil
		}
		return conns[i], nil
	}
}

func TestPoolAcquireDialsUpToSize(t *testing.T) {
	p := NewPool("node1:11210", 2, connectOptions{})
	p.dial = newCountingDialer()

	l1, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	l2, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	require.NotSame(t, l1.Conn(), l2.Conn())
	require.Len(t, p.conns, 2)
}

func TestPoolAcquireReusesReleasedConnection(t *testing.T) {
	p := NewPool("node1:11210", 1, connectOptions{})
	p.dial = newCountingDialer()

	l1, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	c := l1.Conn()
	l1.Release()

	l2, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Same(t, c, l2.Conn())
}

func TestPoolAcquireFailsWithNoCapacityPastDeadline(t *testing.T) {
	p := NewPool("node1:11210", 1, connectOptions{})
	p.dial = newCountingDialer()

	l1, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Acquire(context.Background(), time.Now().Add(20*time.Millisecond))
	require.ErrorIs(t, err, ErrNoCapacity)
}

func TestPoolAcquireServesFIFOWaiter(t *testing.T) {
	p := NewPool("node1:11210", 1, connectOptions{})
	p.dial = newCountingDialer()

	l1, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var l2 *Lease
	go func() {
		defer wg.Done()
		var err error
		l2, err = p.Acquire(context.Background(), time.Now().Add(time.Second))
		require.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter block on cond.Wait
	l1.Release()
	wg.Wait()
	require.NotNil(t, l2)
}

func TestPoolReapsDeadConnectionsOnAcquire(t *testing.T) {
	dead := newFakeReadyConn()
	p := NewPool("node1:11210", 2, connectOptions{})
	p.dial = newCountingDialer(dead)

	l1, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	l1.Release()

	dead.state.Store(int32(StateClosed))

	l2, err := p.Acquire(context.Background(), time.Time{})
	require.NoError(t, err)
	require.NotSame(t, dead, l2.Conn())
}

func TestPoolCloseTearsDownConnections(t *testing.T) {
	p := NewPool("node1:11210", 2, connectOptions{})
	p.dial = newCountingDialer()

	l1, _ := p.Acquire(context.Background(), time.Time{})
	l1.Release()

	p.Close()
	require.Empty(t, p.conns)
}
