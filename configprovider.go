package gocbx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// parseRawClusterConfig decodes one cluster-manager/KV config blob into a
// ClusterMap. It is deliberately loose: any field it doesn't recognize is
// left at its zero value rather than rejected, per §4.6's "unknown fields
// are ignored" policy.
func parseRawClusterConfig(blob []byte, bucket string) (*ClusterMap, error) {
	var doc struct {
		Rev   uint64 `json:"rev"`
		VBSM  struct {
			VBucketMap [][]int `json:"vBucketMap"`
		} `json:"vBucketServerMap"`
		NodesExt []struct {
			Hostname string         `json:"hostname"`
			Services map[string]int `json:"services"`
		} `json:"nodesExt"`
		BucketCapabilities []string `json:"bucketCapabilities"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, wrapf(ErrParse, "decoding cluster config: %v", err)
	}

	nodes := make([]NodeInfo, len(doc.NodesExt))
	for i, n := range doc.NodesExt {
		nodes[i] = NodeInfo{
			Host:          n.Hostname,
			KVPort:        n.Services["kv"],
			ViewPort:      n.Services["capi"],
			QueryPort:     n.Services["n1ql"],
			SearchPort:    n.Services["fts"],
			AnalyticsPort: n.Services["cbas"],
		}
	}
	caps := make(map[string]bool, len(doc.BucketCapabilities))
	for _, c := range doc.BucketCapabilities {
		caps[c] = true
	}

	return &ClusterMap{
		Rev:        doc.Rev,
		Bucket:     bucket,
		Nodes:      nodes,
		Partitions: len(doc.VBSM.VBucketMap),
		VBMap:      doc.VBSM.VBucketMap,
		Caps:       caps,
	}, nil
}

// ClusterConfigFetcher performs the KV-side fallback, C6's option (b): "get
// cluster config" against any Ready connection (§4.6).
type ClusterConfigFetcher interface {
	FetchClusterConfig(ctx context.Context) ([]byte, error)
}

// ConfigProvider obtains and maintains the cluster topology (C6). It races
// a streaming HTTP subscription against a KV fallback for the initial
// fetch, then keeps the HTTP subscription alive, reconnecting with
// exponential backoff on loss (§4.6). Modeled on the teacher's own
// long-lived metadata refresh loop (broker.go's periodic updateMetadata),
// adapted from a polling timer to a persistent chunked stream.
type ConfigProvider struct {
	HTTPClient *http.Client
	Seeds      []string
	Bucket     string
	Username   string
	Password   string
	Map        *ClusterMapRef
	Logger     Logger
	KVFallback ClusterConfigFetcher

	rnd       *rand.Rand
	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewConfigProvider constructs a ConfigProvider ready to Run.
func NewConfigProvider(seeds []string, bucket, username, password string, m *ClusterMapRef, logger Logger) *ConfigProvider {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConfigProvider{
		HTTPClient: &http.Client{},
		Seeds:      seeds,
		Bucket:     bucket,
		Username:   username,
		Password:   password,
		Map:        m,
		Logger:     logger,
		rnd:        rand.New(rand.NewSource(1)),
		refreshCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Bootstrap performs the initial config fetch, racing the HTTP streaming
// endpoint's first chunk against the KV fallback; whichever succeeds first
// wins (§4.6). It returns once the cluster map has its first snapshot, or
// with the last error once every path has failed.
func (cp *ConfigProvider) Bootstrap(ctx context.Context) error {
	type result struct {
		cfg *ClusterMap
		err error
	}
	results := make(chan result, 2)

	go func() {
		blob, err := cp.fetchHTTPOnce(ctx)
		if err != nil {
			results <- result{err: err}
			return
		}
		m, err := parseRawClusterConfig(blob, cp.Bucket)
		results <- result{cfg: m, err: err}
	}()

	if cp.KVFallback != nil {
		go func() {
			blob, err := cp.KVFallback.FetchClusterConfig(ctx)
			if err != nil {
				results <- result{err: err}
				return
			}
			m, err := parseRawClusterConfig(blob, cp.Bucket)
			results <- result{cfg: m, err: err}
		}()
	}

	var lastErr error
	attempts := 2
	if cp.KVFallback == nil {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		r := <-results
		if r.err == nil && r.cfg != nil {
			cp.Map.Apply(r.cfg)
			return nil
		}
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = ErrNoMap
	}
	return lastErr
}

// fetchHTTPOnce reads a single JSON chunk from the cluster-manager's
// streaming config endpoint.
func (cp *ConfigProvider) fetchHTTPOnce(ctx context.Context) ([]byte, error) {
	if len(cp.Seeds) == 0 {
		return nil, ErrNoMap
	}
	url := fmt.Sprintf("http://%s/pools/default/b/%s", cp.Seeds[0], cp.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cp.Username != "" {
		req.SetBasicAuth(cp.Username, cp.Password)
	}
	resp, err := cp.HTTPClient.Do(req)
	if err != nil {
		return nil, wrapf(ErrConnectionLost, "config subscription: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPStatusError{Code: resp.StatusCode}
	}

	reader := bufio.NewReader(resp.Body)
	chunk, err := reader.ReadBytes('\n')
	if err != nil && len(chunk) == 0 {
		return nil, wrapf(ErrConnectionLost, "config subscription read: %v", err)
	}
	return bytes.TrimSpace(chunk), nil
}

// Run keeps the streaming HTTP subscription alive, parsing each chunk and
// applying it to the cluster map, reconnecting on loss with the backoff
// schedule §4.6 specifies. It returns when ctx is done or Stop is called.
func (cp *ConfigProvider) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-cp.stopCh:
			return
		default:
		}

		err := cp.subscribeOnce(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		cp.Logger.Log(LogLevelWarn, "config subscription lost", "err", err)

		delay := ReconnectBackoff(cp.rnd, attempt)
		attempt++
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-cp.refreshCh:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return
		case <-cp.stopCh:
			t.Stop()
			return
		}
	}
}

// subscribeOnce opens the streaming endpoint and applies every chunk until
// the connection drops or ctx ends.
func (cp *ConfigProvider) subscribeOnce(ctx context.Context) error {
	if len(cp.Seeds) == 0 {
		return ErrNoMap
	}
	url := fmt.Sprintf("http://%s/pools/default/b/%s", cp.Seeds[0], cp.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cp.Username != "" {
		req.SetBasicAuth(cp.Username, cp.Password)
	}
	resp, err := cp.HTTPClient.Do(req)
	if err != nil {
		return wrapf(ErrConnectionLost, "config subscription: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &HTTPStatusError{Code: resp.StatusCode}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cp.stopCh:
			return nil
		default:
		}
		chunk, err := reader.ReadBytes('\n')
		chunk = bytes.TrimSpace(chunk)
		if len(chunk) > 0 {
			if m, perr := parseRawClusterConfig(chunk, cp.Bucket); perr == nil {
				cp.Map.Apply(m)
			} else {
				cp.Logger.Log(LogLevelWarn, "discarding unparseable config chunk", "err", perr)
			}
		}
		if err != nil {
			return wrapf(ErrConnectionLost, "config subscription read: %v", err)
		}
	}
}

// ApplyRawConfig implements ConfigSink: it parses an embedded config blob
// observed on an NMV response and applies it directly (§4.6 "On NMV...").
func (cp *ConfigProvider) ApplyRawConfig(blob []byte) {
	if len(blob) == 0 {
		return
	}
	m, err := parseRawClusterConfig(blob, cp.Bucket)
	if err != nil {
		cp.Logger.Log(LogLevelWarn, "discarding unparseable embedded config", "err", err)
		return
	}
	cp.Map.Apply(m)
}

// RefreshAsync implements ConfigSink; the Dispatcher calls it when an NMV
// carries no embedded config (§4.6). It queues at most one signal for Run,
// which cuts short a pending reconnect back-off. It does not fetch a config
// itself: while the subscription is connected, the signal stays queued
// until the next reconnect back-off.
func (cp *ConfigProvider) RefreshAsync() {
	select {
	case cp.refreshCh <- struct{}{}:
	default:
	}
}

// Stop ends Run's reconnect loop.
func (cp *ConfigProvider) Stop() {
	cp.stopOnce.Do(func() { close(cp.stopCh) })
}
