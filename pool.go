package gocbx

import (
	"context"
	"sync"
	"time"
)

// Pool is a bounded set of Connections to one node (§4.4/C4). Lease
// semantics: Acquire blocks until a Ready connection is available or the
// deadline passes, in which case it fails with ErrNoCapacity. Waiters are
// served FIFO, the fairness policy §4.4 requires.
type Pool struct {
	addr    string
	size    int
	opts    connectOptions
	dial    func(ctx context.Context, addr string, opts connectOptions) (*Conn, error)
	metrics *metrics

	mu      sync.Mutex
	cond    *sync.Cond
	conns   []*Conn
	leased  map[*Conn]bool
	waiters int
}

// NewPool constructs a Pool for one node. size is clamped to [1,64] per
// §4.4.
func NewPool(addr string, size int, opts connectOptions) *Pool {
	if size < 1 {
		size = 1
	}
	if size > 64 {
		size = 64
	}
	p := &Pool{addr: addr, size: size, opts: opts, dial: DialConn, leased: make(map[*Conn]bool)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lease is a handle on a leased Connection; callers must call Release when
// done, whether the op succeeded, failed, or was cancelled (§3 "Pending
// request entry" ownership notes apply equally to lease ownership).
type Lease struct {
	conn *Conn
	p    *Pool
}

// Conn returns the underlying connection.
func (l *Lease) Conn() *Conn { return l.conn }

// Release returns the connection to the pool. It is safe to call exactly
// once; calling it after the connection has died simply drops it (the pool
// lazily replaces dead connections on the next Acquire, per §4.4).
func (l *Lease) Release() {
	l.p.mu.Lock()
	delete(l.p.leased, l.conn)
	l.p.mu.Unlock()
	l.p.cond.Signal()
	if l.p.metrics != nil {
		l.p.metrics.activeLeases.Dec()
	}
}

// Acquire returns a Ready connection, waiting (FIFO) for one to become
// available, dialing new connections up to size as needed. If no
// connection becomes Ready before deadline, it returns ErrNoCapacity and no
// request frame is ever written (§4.4, scenario E3).
func (p *Pool) Acquire(ctx context.Context, deadline time.Time) (*Lease, error) {
	start := time.Now()
	var timer *time.Timer
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return nil, ErrNoCapacity
		}
		timer = time.AfterFunc(d, func() {
			p.mu.Lock()
			p.cond.Broadcast() // wake all FIFO waiters so the expired one can observe the deadline
			p.mu.Unlock()
		})
		defer timer.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		p.reapDeadLocked()

		if c := p.pickReadyLocked(); c != nil {
			p.leased[c] = true
			return p.leaseLocked(c, start), nil
		}

		if len(p.conns) < p.size {
			p.mu.Unlock()
			c, err := p.dial(ctx, p.addr, p.opts)
			p.mu.Lock()
			if err == nil {
				p.conns = append(p.conns, c)
				p.leased[c] = true
				return p.leaseLocked(c, start), nil
			}
			// Dial failed; fall through to wait for another slot or
			// the deadline, rather than hammering the node.
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrNoCapacity
		}

		p.waiters++
		p.cond.Wait()
		p.waiters--

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrNoCapacity
		}
	}
}

// leaseLocked records pool-lease metrics for a connection Acquire is about
// to hand out and wraps it in a Lease. Called with p.mu held.
func (p *Pool) leaseLocked(c *Conn, start time.Time) *Lease {
	if p.metrics != nil {
		p.metrics.activeLeases.Inc()
		p.metrics.poolWaitDuration.Observe(time.Since(start).Seconds())
	}
	return &Lease{conn: c, p: p}
}

// pickReadyLocked returns an unleased Ready connection, if any.
func (p *Pool) pickReadyLocked() *Conn {
	for _, c := range p.conns {
		if !p.leased[c] && c.State() == StateReady {
			return c
		}
	}
	return nil
}

// reapDeadLocked drops connections that have entered Draining or Closed;
// they are lazily replaced on the next Acquire, per §4.4.
func (p *Pool) reapDeadLocked() {
	live := p.conns[:0]
	for _, c := range p.conns {
		switch c.State() {
		case StateDraining, StateClosed:
			delete(p.leased, c)
		default:
			live = append(live, c)
		}
	}
	p.conns = live
}

// Close tears down every connection in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
	p.leased = make(map[*Conn]bool)
	p.cond.Broadcast()
}
