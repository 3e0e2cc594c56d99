package gocbx

import "sync/atomic"

// NodeInfo describes one data node's addressable endpoints (§3).
type NodeInfo struct {
	Host         string
	KVPort       int
	ViewPort     int
	QueryPort    int
	SearchPort   int
	AnalyticsPort int
}

// ClusterMap is an immutable topology snapshot (§3). A new snapshot fully
// replaces the old one atomically; nothing ever mutates a ClusterMap in
// place once published.
type ClusterMap struct {
	Rev        uint64
	Bucket     string
	Nodes      []NodeInfo
	Partitions int        // P, a power of two
	VBMap      [][]int    // per-partition [owner, replica1, replica2, ...] node indices
	Caps       map[string]bool
}

// NodeFor returns the node index owning (replicaIndex==0) or replicating
// partition p (§4.5). It fails with ErrNoNode if the map has no entry.
func (m *ClusterMap) NodeFor(partition, replicaIndex int) (int, error) {
	if m == nil || partition < 0 || partition >= len(m.VBMap) {
		return 0, ErrNoNode
	}
	row := m.VBMap[partition]
	if replicaIndex < 0 || replicaIndex >= len(row) {
		return 0, ErrNoNode
	}
	idx := row[replicaIndex]
	if idx < 0 || idx >= len(m.Nodes) {
		return 0, ErrNoNode
	}
	return idx, nil
}

// QueryNodes returns the indices of nodes advertising a query-capable port
// for service, used by the query node selector (C16).
func (m *ClusterMap) QueryNodes(service QueryService) []int {
	if m == nil {
		return nil
	}
	var out []int
	for i, n := range m.Nodes {
		switch service {
		case ServiceN1QL:
			if n.QueryPort != 0 {
				out = append(out, i)
			}
		case ServiceSearch:
			if n.SearchPort != 0 {
				out = append(out, i)
			}
		case ServiceAnalytics:
			if n.AnalyticsPort != 0 {
				out = append(out, i)
			}
		case ServiceViews:
			if n.ViewPort != 0 {
				out = append(out, i)
			}
		}
	}
	return out
}

// ClusterMapRef is an atomically-swapped reference to the current
// ClusterMap, the RCU-like pattern spec §9 calls for: readers never observe
// a torn map, writers never block readers. Grounded on the teacher's own
// atomic.Value-based consumer session field (consumer.go: `session
// atomic.Value`).
type ClusterMapRef struct {
	v atomic.Value // holds *ClusterMap
}

// Load returns the current snapshot, or nil if none has been published yet.
func (r *ClusterMapRef) Load() *ClusterMap {
	m, _ := r.v.Load().(*ClusterMap)
	return m
}

// Apply replaces the current snapshot with next only if next.Rev is
// strictly greater than the current revision (§4.5), i.e. compare-and-swap
// keyed on revision. Returns true if the snapshot was applied.
func (r *ClusterMapRef) Apply(next *ClusterMap) bool {
	if next == nil {
		return false
	}
	for {
		loaded := r.v.Load()
		cur, _ := loaded.(*ClusterMap)
		if cur != nil && next.Rev <= cur.Rev {
			return false
		}
		// atomic.Value.CompareAndSwap requires the untyped nil
		// interface as `old` on an empty Value; a typed nil
		// *ClusterMap wrapped in an interface is not equal to that.
		var swapped bool
		if loaded == nil {
			swapped = r.v.CompareAndSwap(nil, next)
		} else {
			swapped = r.v.CompareAndSwap(cur, next)
		}
		if swapped {
			return true
		}
		// Lost the race against a concurrent Apply; retry the
		// monotonicity check against whatever won.
	}
}

// QueryService names one of the HTTP query planes (§6).
type QueryService int

const (
	ServiceN1QL QueryService = iota
	ServiceSearch
	ServiceAnalytics
	ServiceViews
)
