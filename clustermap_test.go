package gocbx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClusterMapRefAppliesFirstSnapshot(t *testing.T) {
	var ref ClusterMapRef
	require.Nil(t, ref.Load())

	m := &ClusterMap{Rev: 1, VBMap: [][]int{{0}}}
	require.True(t, ref.Apply(m))
	require.Same(t, m, ref.Load())
}

func TestClusterMapRefRejectsStaleRevision(t *testing.T) {
	var ref ClusterMapRef
	ref.Apply(&ClusterMap{Rev: 5})

	require.False(t, ref.Apply(&ClusterMap{Rev: 5}))
	require.False(t, ref.Apply(&ClusterMap{Rev: 3}))
	require.True(t, ref.Apply(&ClusterMap{Rev: 6}))
	require.Equal(t, uint64(6), ref.Load().Rev)
}

func TestClusterMapRefConcurrentApply(t *testing.T) {
	var ref ClusterMapRef
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(rev uint64) {
			defer wg.Done()
			ref.Apply(&ClusterMap{Rev: rev})
		}(uint64(i))
	}
	wg.Wait()
	require.Equal(t, uint64(100), ref.Load().Rev)
}

func TestNodeForLooksUpByPartitionAndReplica(t *testing.T) {
	m := &ClusterMap{
		Nodes:      []NodeInfo{{Host: "a"}, {Host: "b"}},
		Partitions: 2,
		VBMap:      [][]int{{0, 1}, {1, 0}},
	}
	idx, err := m.NodeFor(0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	idx, err = m.NodeFor(1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	idx, err = m.NodeFor(0, 1)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestNodeForOutOfRangeIsErrNoNode(t *testing.T) {
	m := &ClusterMap{Partitions: 1, VBMap: [][]int{{0}}, Nodes: []NodeInfo{{}}}
	_, err := m.NodeFor(5, 0)
	require.ErrorIs(t, err, ErrNoNode)

	_, err = m.NodeFor(0, 3)
	require.ErrorIs(t, err, ErrNoNode)
}

func TestQueryNodesFiltersByService(t *testing.T) {
	m := &ClusterMap{Nodes: []NodeInfo{
		{Host: "a", QueryPort: 8093},
		{Host: "b"},
		{Host: "c", QueryPort: 8093, SearchPort: 8094},
	}}
	require.Equal(t, []int{0, 2}, m.QueryNodes(ServiceN1QL))
	require.Equal(t, []int{2}, m.QueryNodes(ServiceSearch))
	require.Nil(t, m.QueryNodes(ServiceAnalytics))
}
