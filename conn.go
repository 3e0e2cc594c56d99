package gocbx

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is one of the lifecycle states a Connection moves through
// (§3). Requests may only be written once the connection reaches Ready.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHelloNegotiating
	StateAuthenticating
	StateBucketSelecting
	StateReady
	StateDraining
	StateClosed
)

// pendingEntry is one outstanding request's delivery handle, per §3's
// "Pending request table": a one-shot channel plus the time it was
// enqueued, used to compute wait durations and drive the metrics histogram.
type pendingEntry struct {
	done    chan pendingResult
	enqueue time.Time
}

type pendingResult struct {
	pkt *Packet
	err error
}

// Conn is one multiplexed TCP session to one node (§4.3/C3). Many in-flight
// requests are multiplexed over the socket by opaque correlation ID; a
// single reader goroutine demultiplexes responses while writers serialize
// outbound frames under writeMu, matching §5's ordering guarantee that a
// connection observes requests in send order unless unordered execution was
// negotiated.
type Conn struct {
	addr string
	nc   net.Conn

	logger       Logger
	maxFrameSize uint32
	metrics      *metrics

	state      atomic.Int32
	nextOpaque atomic.Uint32

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]pendingEntry

	unordered     bool
	snappyEnabled bool

	clusterMapNotify chan []byte // values of unsolicited server pushes (buffer 4, dropped when full); nothing in this package reads it

	closeOnce sync.Once
	deadCh    chan struct{}
}

// connectOptions carries the subset of cfg a Conn needs to perform its
// handshake, kept narrow so tests can construct a Conn without a full
// Agent.
type connectOptions struct {
	dialFn         func(ctx context.Context, network, addr string) (net.Conn, error)
	connectTimeout time.Duration
	maxFrameSize   uint32
	bucket         string
	username       string
	password       string
	tlsEnabled     bool
	logger         Logger
	metrics        *metrics
}

// DialConn performs the full handshake sequence of §4.3: TCP connect, HELLO
// feature negotiation, SASL authentication, and (if a bucket is named)
// SELECT_BUCKET, returning a Conn in StateReady.
func DialConn(ctx context.Context, addr string, opts connectOptions) (*Conn, error) {
	if opts.logger == nil {
		opts.logger = nopLogger{}
	}
	if opts.maxFrameSize == 0 {
		opts.maxFrameSize = DefaultMaxFrameSize
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		// Bare hostname (as a connection string may carry): use the
		// default KV port.
		addr = net.JoinHostPort(addr, "11210")
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if opts.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, opts.connectTimeout)
		defer cancel()
	}

	nc, err := opts.dialFn(dialCtx, "tcp", addr)
	if err != nil {
		if opts.metrics != nil {
			opts.metrics.connectsTotal.WithLabelValues(addr, "dial_error").Inc()
		}
		return nil, wrapf(ErrConnectionLost, "dial %s: %v", addr, err)
	}

	c := &Conn{
		addr:             addr,
		nc:               nc,
		logger:           opts.logger,
		maxFrameSize:     opts.maxFrameSize,
		metrics:          opts.metrics,
		pending:          make(map[uint32]pendingEntry),
		clusterMapNotify: make(chan []byte, 4),
		deadCh:           make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	if err := c.handshake(ctx, opts); err != nil {
		nc.Close()
		if opts.metrics != nil {
			opts.metrics.connectsTotal.WithLabelValues(addr, "handshake_error").Inc()
		}
		return nil, err
	}

	c.state.Store(int32(StateReady))
	go c.readLoop()
	if opts.metrics != nil {
		opts.metrics.connectsTotal.WithLabelValues(addr, "success").Inc()
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, opts connectOptions) error {
	c.logger.Log(LogLevelDebug, "opening connection", "addr", c.addr)

	c.state.Store(int32(StateHelloNegotiating))
	negotiated, err := c.helloExchange(ctx, opts)
	if err != nil {
		return wrapf(ErrFeatureUnsupported, "hello negotiation with %s: %v", c.addr, err)
	}
	c.unordered = negotiated[FeatureUnorderedExecution]
	c.snappyEnabled = negotiated[FeatureSnappy]

	c.state.Store(int32(StateAuthenticating))
	if opts.username != "" {
		if err := c.authenticate(ctx, opts); err != nil {
			return err // ErrAuthFailure: fatal, no retry on the same credentials
		}
	}

	if opts.bucket != "" {
		c.state.Store(int32(StateBucketSelecting))
		if err := c.selectBucket(ctx, opts.bucket); err != nil {
			return err
		}
	}
	return nil
}

// helloExchange sends HELLO advertising every feature this client supports
// and returns the server's intersection, keyed by Feature (§4.3 step 2).
func (c *Conn) helloExchange(ctx context.Context, opts connectOptions) (map[Feature]bool, error) {
	wanted := []Feature{
		FeatureJSON, FeatureMutationTokens, FeatureXattr, FeatureSnappy,
		FeatureEnhancedErrors, FeatureUnorderedExecution, FeatureSelectBucket,
	}
	if opts.tlsEnabled {
		wanted = append(wanted, FeatureTLS)
	}

	extras := make([]byte, len(wanted)*2)
	for i, f := range wanted {
		binary.BigEndian.PutUint16(extras[i*2:], uint16(f))
	}
	req := &Packet{Magic: MagicReq, Opcode: OpHello, Value: extras}
	resp, err := c.roundTripSync(ctx, req, 10*time.Second)
	if err != nil {
		return nil, err
	}

	negotiated := make(map[Feature]bool, len(wanted))
	for i := 0; i+1 < len(resp.Value); i += 2 {
		negotiated[Feature(binary.BigEndian.Uint16(resp.Value[i:]))] = true
	}
	return negotiated, nil
}

// authenticate drives SASL mechanism negotiation and exchange (§4.3 step
// 3) via C11's candidateMechanisms/driveSASL, sending each step as a raw
// SASL auth/step packet.
func (c *Conn) authenticate(ctx context.Context, opts connectOptions) error {
	listReq := &Packet{Magic: MagicReq, Opcode: OpSASLListMech}
	listResp, err := c.roundTripSync(ctx, listReq, 10*time.Second)
	if err != nil {
		return wrapf(ErrAuthFailure, "sasl list mechanisms: %v", err)
	}
	supported := splitMechanisms(string(listResp.Value))

	candidates := candidateMechanisms(opts.username, opts.password, opts.tlsEnabled)
	mech, err := pickMechanism(candidates, supported)
	if err != nil {
		return err
	}

	first := true
	send := func(ctx context.Context, payload []byte) ([]byte, error) {
		opcode := OpSASLAuth
		if !first {
			opcode = OpSASLStep
		}
		first = false
		req := &Packet{Magic: MagicReq, Opcode: opcode, Key: []byte(mech.Name()), Value: payload}
		resp, err := c.roundTripSync(ctx, req, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return resp.Value, nil
	}
	if err := driveSASL(ctx, mech, c.addr, send); err != nil {
		return err
	}
	return nil
}

func splitMechanisms(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (c *Conn) selectBucket(ctx context.Context, bucket string) error {
	req := &Packet{Magic: MagicReq, Opcode: OpSelectBucket, Key: []byte(bucket)}
	resp, err := c.roundTripSync(ctx, req, 10*time.Second)
	if err != nil {
		return err
	}
	if Status(resp.StatusOrVB) != StatusSuccess {
		return wrapf(ErrBucketNotFound, "select bucket %q", bucket)
	}
	return nil
}

// roundTripSync performs one lock-step write-then-read directly on the
// socket, used only during the handshake before the async reader loop and
// opaque demux table exist yet — the same shape as the teacher's own
// writeRequest+readResponse pair used inside brokerCxn.init before
// handleResps is started.
func (c *Conn) roundTripSync(ctx context.Context, req *Packet, timeout time.Duration) (*Packet, error) {
	req.Opaque = c.nextOpaque.Add(1)
	buf := Encode(nil, req)

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(dl)
	} else {
		c.nc.SetDeadline(time.Now().Add(timeout))
	}
	defer c.nc.SetDeadline(time.Time{})

	if _, err := c.nc.Write(buf); err != nil {
		return nil, wrapf(ErrConnectionLost, "write: %v", err)
	}

	var acc []byte
	hdr := make([]byte, headerSize)
	for {
		pkt, consumed, err := Decode(acc, c.maxFrameSize)
		if err != nil {
			return nil, err
		}
		if pkt != nil {
			if pkt.Opaque != req.Opaque {
				return nil, ErrUnexpectedOpaque
			}
			_ = consumed
			return pkt, nil
		}
		n, err := io.ReadAtLeast(c.nc, hdr, 1)
		if err != nil {
			return nil, wrapf(ErrConnectionLost, "read: %v", err)
		}
		acc = append(acc, hdr[:n]...)
	}
}

// send enqueues req for delivery and awaits the matching response by
// opaque, or deadline expiry (§4.3 "send"). On timeout the pending entry is
// removed so a late response is silently discarded, per §5's cancellation
// model.
func (c *Conn) send(ctx context.Context, req *Packet, deadline time.Time) (*Packet, error) {
	if ConnState(c.state.Load()) != StateReady {
		return nil, ErrConnectionLost
	}

	opaque := c.nextOpaque.Add(1)
	req.Opaque = opaque
	entry := pendingEntry{done: make(chan pendingResult, 1), enqueue: time.Now()}

	c.mu.Lock()
	c.pending[opaque] = entry
	c.mu.Unlock()

	buf := Encode(nil, req)

	c.writeMu.Lock()
	if !deadline.IsZero() {
		c.nc.SetWriteDeadline(deadline)
	}
	_, writeErr := c.nc.Write(buf)
	c.nc.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if writeErr != nil {
		c.removePending(opaque)
		c.die(wrapf(ErrConnectionLost, "write: %v", writeErr))
		return nil, ErrConnectionLost
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			c.removePending(opaque)
			return nil, ErrTimeout
		}
		timer = time.NewTimer(d)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-entry.done:
		return res.pkt, res.err
	case <-timerCh:
		c.removePending(opaque)
		return nil, ErrTimeout
	case <-c.deadCh:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		c.removePending(opaque)
		return nil, ctx.Err()
	}
}

func (c *Conn) removePending(opaque uint32) {
	c.mu.Lock()
	delete(c.pending, opaque)
	c.mu.Unlock()
}

// readLoop is the reader half of §4.3: it parses inbound frames and
// demultiplexes by opaque ID, discarding unsolicited or late responses.
// Server-initiated pushes (e.g. clustermap-change notifications) are put on
// the connection's clusterMapNotify channel; they are not passed on to the
// config provider (C6).
func (c *Conn) readLoop() {
	var acc []byte
	buf := make([]byte, 64*1024)

	for {
		pkt, consumed, err := Decode(acc, c.maxFrameSize)
		if err != nil {
			c.die(err)
			return
		}
		if pkt == nil {
			n, rerr := c.nc.Read(buf)
			if rerr != nil {
				c.die(wrapf(ErrConnectionLost, "read: %v", rerr))
				return
			}
			acc = append(acc, buf[:n]...)
			continue
		}
		acc = acc[consumed:]

		if pkt.Magic == MagicReq || pkt.Magic == MagicFramedReq {
			// Server-initiated push, e.g. a clustermap-change
			// notification under the enhanced-errors feature.
			select {
			case c.clusterMapNotify <- pkt.Value:
			default:
			}
			continue
		}

		c.mu.Lock()
		entry, ok := c.pending[pkt.Opaque]
		if ok {
			delete(c.pending, pkt.Opaque)
		}
		c.mu.Unlock()

		if !ok {
			continue // unsolicited or late: discard
		}
		if c.metrics != nil {
			c.metrics.opLatency.WithLabelValues(opcodeLabel(pkt.Opcode)).Observe(time.Since(entry.enqueue).Seconds())
		}
		entry.done <- pendingResult{pkt: pkt}
	}
}

func opcodeLabel(op uint8) string {
	return strconv.Itoa(int(op))
}

// die transitions the connection through Draining to Closed, failing every
// pending entry with ErrConnectionLost and discarding writers that arrive
// afterward, per §4.3's failure contract.
func (c *Conn) die(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDraining))
		c.logger.Log(LogLevelDebug, "connection draining", "addr", c.addr, "err", cause)

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[uint32]pendingEntry)
		c.mu.Unlock()
		for _, e := range pending {
			e.done <- pendingResult{err: ErrConnectionLost}
		}

		c.nc.Close()
		c.state.Store(int32(StateClosed))
		close(c.deadCh)
	})
}

// Close gracefully tears down the connection.
func (c *Conn) Close() error {
	c.die(nil)
	return nil
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// IsUnorderedExecution reports whether the HELLO handshake negotiated
// unordered execution (§4.3).
func (c *Conn) IsUnorderedExecution() bool { return c.unordered }

// SnappyEnabled reports whether the HELLO handshake negotiated snappy
// compression (§4.15/C15).
func (c *Conn) SnappyEnabled() bool { return c.snappyEnabled }
