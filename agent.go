package gocbx

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Agent is the top-level handle on a connected cluster: it owns the
// cluster map, the config provider, one connection pool per node, the
// dispatcher, and the ambient logger/metrics every subcomponent shares
// (§9 "All state lives inside a 'cluster' object whose lifetime bounds
// every subcomponent"). Grounded on the teacher's own Client type
// (kgo.Client), which plays the identical owning role over brokers,
// metadata, and the producer/consumer subsystems.
type Agent struct {
	cfg cfg

	logger  Logger
	metrics *metrics

	clusterMap *ClusterMapRef

	poolMu sync.Mutex
	pools  map[int]*Pool

	configProvider *ConfigProvider
	dispatcher     *Dispatcher
	queryClient    *QueryClient

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds an Agent, bootstraps the cluster map, and starts the
// background config subscription. The returned Agent is ready to serve KV
// and query operations.
func New(opts ...Opt) (*Agent, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	if c.connStringErr != nil {
		return nil, c.connStringErr
	}
	if len(c.seeds) == 0 {
		return nil, wrapf(ErrInvalidConfig, "no seed nodes configured")
	}

	m := newMetrics(c.registerer)
	a := &Agent{
		cfg:        c,
		logger:     c.logger,
		metrics:    m,
		clusterMap: &ClusterMapRef{},
		pools:      make(map[int]*Pool),
	}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	a.dispatcher = &Dispatcher{
		Map:            a.clusterMap,
		Pools:          a,
		Sink:           nil, // set once configProvider exists, below
		Retry:          NewRetrySupervisor(),
		Metrics:        m,
		AcquireTimeout: c.acquireTimeout,
		SnappyEnabled:  true,
	}

	cp := NewConfigProvider(c.seeds, c.bucket, c.username, c.password, a.clusterMap, c.logger)
	cp.KVFallback = a
	a.configProvider = cp
	a.dispatcher.Sink = cp

	a.queryClient = NewQueryClient(a.clusterMap, c.username, c.password, c.dial.EnableTLS)

	if err := cp.Bootstrap(a.runCtx); err != nil {
		a.runCancel()
		return nil, err
	}
	go cp.Run(a.runCtx)

	return a, nil
}

// connectOptionsFor builds the connectOptions a node connection pool dials
// with, from the Agent's configuration.
func (a *Agent) connectOptionsFor() connectOptions {
	return connectOptions{
		dialFn:         dialFuncFrom(a.cfg.dialFn),
		connectTimeout: a.cfg.connectTimeout,
		maxFrameSize:   a.cfg.maxFrameSize,
		bucket:         a.cfg.bucket,
		username:       a.cfg.username,
		password:       a.cfg.password,
		tlsEnabled:     a.cfg.dial.EnableTLS,
		logger:         a.cfg.logger,
		metrics:        a.metrics,
	}
}

func dialFuncFrom(f func(ctx context.Context, network, addr string) (net.Conn, error)) func(context.Context, string, string) (net.Conn, error) {
	if f != nil {
		return f
	}
	return (&net.Dialer{}).DialContext
}

// PoolFor implements PoolLocator: it lazily creates and caches a Pool for
// the node at nodeIndex in the current cluster map.
func (a *Agent) PoolFor(nodeIndex int) (*Pool, bool) {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()

	if p, ok := a.pools[nodeIndex]; ok {
		return p, true
	}

	m := a.clusterMap.Load()
	if m == nil || nodeIndex < 0 || nodeIndex >= len(m.Nodes) {
		return nil, false
	}
	node := m.Nodes[nodeIndex]
	if node.KVPort == 0 {
		return nil, false
	}
	addr := fmt.Sprintf("%s:%d", node.Host, node.KVPort)
	p := NewPool(addr, a.cfg.poolSize, a.connectOptionsFor())
	p.metrics = a.metrics
	a.pools[nodeIndex] = p
	return p, true
}

// FetchClusterConfig implements ClusterConfigFetcher: it dials a new
// connection to each seed in turn (pool connections are not reused) and
// issues the KV "get cluster config" command on the first that connects,
// the fallback path §4.6 races against the HTTP stream on bootstrap.
func (a *Agent) FetchClusterConfig(ctx context.Context) ([]byte, error) {
	var lastErr error
	for _, seed := range a.cfg.seeds {
		opts := a.connectOptionsFor()
		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.connectTimeout)
		c, err := DialConn(dialCtx, seed, opts)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.send(ctx, &Packet{Magic: MagicReq, Opcode: OpGetClusterConfig}, time.Now().Add(a.cfg.dial.KVTimeout))
		c.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Value, nil
	}
	if lastErr == nil {
		lastErr = ErrNoNode
	}
	return nil, lastErr
}

// Get fetches the value stored at key (§4.7, the Dispatcher's GET path).
func (a *Agent) Get(ctx context.Context, key []byte, deadline time.Time) (*Packet, error) {
	return a.dispatcher.Do(ctx, Request{Key: key, Op: OpcodeGet, Deadline: deadline})
}

// Set stores value at key unconditionally, per the Dispatcher's SET path.
func (a *Agent) Set(ctx context.Context, key, value []byte, expiry uint32, deadline time.Time) (*Packet, error) {
	return a.dispatcher.Do(ctx, Request{Key: key, Op: OpcodeSet, Value: value, Expiry: expiry, Deadline: deadline})
}

// Add stores value at key only if it does not already exist.
func (a *Agent) Add(ctx context.Context, key, value []byte, expiry uint32, deadline time.Time) (*Packet, error) {
	return a.dispatcher.Do(ctx, Request{Key: key, Op: OpcodeAdd, Value: value, Expiry: expiry, Deadline: deadline})
}

// Replace stores value at key only if it already exists, optionally CAS-gated.
func (a *Agent) Replace(ctx context.Context, key, value []byte, cas uint64, expiry uint32, deadline time.Time) (*Packet, error) {
	return a.dispatcher.Do(ctx, Request{Key: key, Op: OpcodeReplace, Value: value, Expiry: expiry, CAS: cas, Deadline: deadline})
}

// Delete removes key, optionally CAS-gated.
func (a *Agent) Delete(ctx context.Context, key []byte, cas uint64, deadline time.Time) (*Packet, error) {
	return a.dispatcher.Do(ctx, Request{Key: key, Op: OpcodeDelete, CAS: cas, Deadline: deadline})
}

// Query executes req against the query/search/analytics/views service it
// targets and returns a streamed row iterator (§4.10).
func (a *Agent) Query(ctx context.Context, req QueryRequest) (*RowReader, error) {
	return a.queryClient.Execute(ctx, req)
}

// Close stops the config subscription and tears down every node pool.
func (a *Agent) Close() error {
	a.runCancel()
	a.configProvider.Stop()

	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	for _, p := range a.pools {
		p.Close()
	}
	return nil
}
