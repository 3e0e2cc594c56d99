package gocbx

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer reads one binary-protocol request at a time off conn and
// replies with the next scripted response in order, echoing opaque so the
// dispatcher's multiplexing works as it would against a real node.
type fakeServer struct {
	conn      net.Conn
	responses []fakeResponse
}

type fakeResponse struct {
	status Status
	value  []byte
}

func (s *fakeServer) run() {
	var acc []byte
	buf := make([]byte, 4096)
	i := 0
	for {
		pkt, consumed, err := Decode(acc, DefaultMaxFrameSize)
		if err != nil {
			return
		}
		if pkt == nil {
			n, rerr := s.conn.Read(buf)
			if rerr != nil {
				return
			}
			acc = append(acc, buf[:n]...)
			continue
		}
		acc = acc[consumed:]

		if i >= len(s.responses) {
			return
		}
		r := s.responses[i]
		i++
		resp := &Packet{
			Magic:      MagicRes,
			Opcode:     pkt.Opcode,
			Opaque:     pkt.Opaque,
			StatusOrVB: uint16(r.status),
			Value:      r.value,
		}
		out := Encode(nil, resp)
		if _, werr := s.conn.Write(out); werr != nil {
			return
		}
	}
}

// newLiveConnPair builds a Conn backed by a net.Pipe whose other end is
// driven by a fakeServer, bypassing DialConn's handshake so the test
// exercises only the dispatcher/send/classify path.
func newLiveConnPair(t *testing.T, responses []fakeResponse) *Conn {
	t.Helper()
	client, server := net.Pipe()

	c := &Conn{
		logger:       nopLogger{},
		nc:           client,
		maxFrameSize: DefaultMaxFrameSize,
		pending:      make(map[uint32]pendingEntry),
		deadCh:       make(chan struct{}),
		clusterMapNotify: make(chan []byte, 4),
	}
	c.state.Store(int32(StateReady))
	go c.readLoop()

	srv := &fakeServer{conn: server, responses: responses}
	go srv.run()

	t.Cleanup(func() { c.Close() })
	return c
}

// singleConnPool wraps one pre-built Conn as a Pool of size 1, for tests
// that want full control over the wire-level responses a dispatcher sees.
func singleConnPool(c *Conn) *Pool {
	p := NewPool("fake:11210", 1, connectOptions{})
	p.dial = func(context.Context, string, connectOptions) (*Conn, error) { return c, nil }
	return p
}

type fakePoolLocator struct{ pool *Pool }

func (f fakePoolLocator) PoolFor(int) (*Pool, bool) { return f.pool, true }

type fakeConfigSink struct {
	applied   [][]byte
	refreshed int
}

func (f *fakeConfigSink) ApplyRawConfig(blob []byte) { f.applied = append(f.applied, blob) }
func (f *fakeConfigSink) RefreshAsync()              { f.refreshed++ }

func testClusterMap() *ClusterMapRef {
	ref := &ClusterMapRef{}
	ref.Apply(&ClusterMap{
		Rev:        1,
		Nodes:      []NodeInfo{{Host: "fake", KVPort: 11210}},
		Partitions: 1,
		VBMap:      [][]int{{0}},
	})
	return ref
}

func newTestDispatcher(pool *Pool, sink ConfigSink) *Dispatcher {
	return &Dispatcher{
		Map:            testClusterMap(),
		Pools:          fakePoolLocator{pool: pool},
		Sink:           sink,
		Retry:          NewRetrySupervisor(),
		AcquireTimeout: time.Second,
	}
}

func TestDispatcherSuccessReturnsValue(t *testing.T) {
	c := newLiveConnPair(t, []fakeResponse{{status: StatusSuccess, value: []byte("bar")}})
	d := newTestDispatcher(singleConnPool(c), &fakeConfigSink{})

	resp, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeGet, Deadline: time.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), resp.Value)
}

func TestDispatcherDomainFailureDoesNotRetry(t *testing.T) {
	c := newLiveConnPair(t, []fakeResponse{{status: StatusKeyNotFound}})
	d := newTestDispatcher(singleConnPool(c), &fakeConfigSink{})

	_, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeGet, Deadline: time.Now().Add(time.Second)})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDispatcherFatalStatusIsNotRetried(t *testing.T) {
	c := newLiveConnPair(t, []fakeResponse{{status: StatusAuthError}})
	d := newTestDispatcher(singleConnPool(c), &fakeConfigSink{})

	_, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeGet, Deadline: time.Now().Add(time.Second)})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestDispatcherNMVAppliesEmbeddedConfigThenRetries(t *testing.T) {
	c := newLiveConnPair(t, []fakeResponse{
		{status: StatusNotMyVBucket, value: []byte(`{"rev":2}`)},
		{status: StatusSuccess, value: []byte("bar")},
	})
	sink := &fakeConfigSink{}
	d := newTestDispatcher(singleConnPool(c), sink)

	resp, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeGet, Deadline: time.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), resp.Value)
	require.Len(t, sink.applied, 1)
	require.Equal(t, 0, sink.refreshed)
}

func TestDispatcherTmpFailRetriesUntilSuccess(t *testing.T) {
	c := newLiveConnPair(t, []fakeResponse{
		{status: StatusTmpFail},
		{status: StatusTmpFail},
		{status: StatusSuccess, value: []byte("ok")},
	})
	d := newTestDispatcher(singleConnPool(c), &fakeConfigSink{})

	resp, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeSet, Value: []byte("v"), Deadline: time.Now().Add(2 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Value)
}

func TestDispatcherNoMapFails(t *testing.T) {
	c := newLiveConnPair(t, nil)
	d := newTestDispatcher(singleConnPool(c), &fakeConfigSink{})
	d.Map = &ClusterMapRef{} // never applied

	_, err := d.Do(context.Background(), Request{Key: []byte("foo"), Op: OpcodeGet, Deadline: time.Now().Add(50 * time.Millisecond)})
	require.Error(t, err)
}
