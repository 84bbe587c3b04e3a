package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes(n int) []Node {
	nodes := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, Node{
			ID:              i,
			IP:              fmt.Sprintf("10.0.0.%d", i+1),
			Port:            7000 + i,
			Device:          fmt.Sprintf("sd%c", 'a'+i),
			ReplicationIP:   fmt.Sprintf("10.1.0.%d", i+1),
			ReplicationPort: 8000 + i,
			Zone:            i % 3,
			Weight:          100,
		})
	}
	return nodes
}

func TestNewHashRingDefaults(t *testing.T) {
	r, err := NewHashRing(HashRingConfig{Nodes: testNodes(5)})
	require.NoError(t, err)

	assert.Equal(t, 3, r.ReplicaCount())
	assert.Equal(t, 271, r.PartitionCount())
}

func TestNewHashRingValidation(t *testing.T) {
	_, err := NewHashRing(HashRingConfig{})
	assert.Error(t, err)

	_, err = NewHashRing(HashRingConfig{Nodes: testNodes(2), Replicas: 3})
	assert.Error(t, err)

	dup := testNodes(3)
	dup[2].ID = 0
	_, err = NewHashRing(HashRingConfig{Nodes: dup, Replicas: 2})
	assert.Error(t, err)
}

func TestGetPartNodesStable(t *testing.T) {
	r, err := NewHashRing(HashRingConfig{Nodes: testNodes(5), Replicas: 3, PartitionCount: 64})
	require.NoError(t, err)

	for part := 0; part < r.PartitionCount(); part++ {
		first := r.GetPartNodes(part)
		require.Len(t, first, 3)

		// Same partition always resolves to the same ordered node set.
		second := r.GetPartNodes(part)
		assert.Equal(t, first, second)

		seen := make(map[int]bool)
		for _, n := range first {
			assert.False(t, seen[n.ID], "node %d assigned twice to partition %d", n.ID, part)
			seen[n.ID] = true
			assert.Equal(t, -1, n.Index)
			assert.Equal(t, -1, n.HandoffIndex)
		}
	}
}

func TestGetMoreNodesDisjointFromPrimaries(t *testing.T) {
	r, err := NewHashRing(HashRingConfig{Nodes: testNodes(6), Replicas: 3, PartitionCount: 32})
	require.NoError(t, err)

	for part := 0; part < r.PartitionCount(); part++ {
		primary := make(map[int]bool)
		for _, n := range r.GetPartNodes(part) {
			primary[n.ID] = true
		}

		it := r.GetMoreNodes(part)
		count := 0
		for {
			n, ok := it.Next()
			if !ok {
				break
			}
			count++
			assert.False(t, primary[n.ID], "handoff %d is also a primary for partition %d", n.ID, part)
		}
		assert.Equal(t, 3, count)
	}
}

func TestPartitionInRange(t *testing.T) {
	r, err := NewHashRing(HashRingConfig{Nodes: testNodes(4), Replicas: 2, PartitionCount: 128})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		part := r.Partition("bucket", fmt.Sprintf("object-%d", i))
		assert.GreaterOrEqual(t, part, 0)
		assert.Less(t, part, 128)
	}
}

func TestNodeAddr(t *testing.T) {
	n := testNodes(1)[0]
	assert.Equal(t, "10.0.0.1:7000", n.Addr())

	n.UseReplication = true
	assert.Equal(t, "10.1.0.1:8000", n.Addr())
}
