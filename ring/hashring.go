package ring

import (
	"errors"
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash"
)

// hasher implements consistent.Hasher using xxhash
type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// member implements consistent.Member
type member string

func (m member) String() string {
	return string(m)
}

// HashRingConfig holds configuration for building a HashRing.
type HashRingConfig struct {
	Nodes []Node

	// Replicas is the number of primary nodes per partition.
	Replicas int

	// PartitionCount and VnodeFactor tune the consistent-hash layout.
	PartitionCount int
	VnodeFactor    int
}

// HashRing implements Ring on top of a consistent-hash ring with virtual
// nodes. Partition placement is stable for a fixed node set.
type HashRing struct {
	ring     *consistent.Consistent
	nodes    map[string]Node
	replicas int
	parts    int
}

// NewHashRing builds a ring from the configured node set.
func NewHashRing(cfg HashRingConfig) (*HashRing, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("hash ring requires at least one node")
	}

	replicas := cfg.Replicas
	if replicas == 0 {
		replicas = 3
	}
	if replicas > len(cfg.Nodes) {
		return nil, fmt.Errorf("replica count %d exceeds node count %d", replicas, len(cfg.Nodes))
	}
	partitionCount := cfg.PartitionCount
	if partitionCount == 0 {
		partitionCount = 271
	}
	vnodeFactor := cfg.VnodeFactor
	if vnodeFactor == 0 {
		vnodeFactor = 100
	}

	ringCfg := consistent.Config{
		PartitionCount:    partitionCount,
		ReplicationFactor: vnodeFactor,
		Load:              1.25,
		Hasher:            hasher{},
	}
	c := consistent.New(nil, ringCfg)

	nodes := make(map[string]Node, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		name := node.Name()
		if _, dup := nodes[name]; dup {
			return nil, fmt.Errorf("duplicate node id %d", node.ID)
		}
		node.Index = -1
		node.HandoffIndex = -1
		nodes[name] = node
		c.Add(member(name))
	}

	return &HashRing{
		ring:     c,
		nodes:    nodes,
		replicas: replicas,
		parts:    partitionCount,
	}, nil
}

// ReplicaCount returns the number of primaries per partition.
func (r *HashRing) ReplicaCount() int {
	return r.replicas
}

// PartitionCount returns the total number of partitions.
func (r *HashRing) PartitionCount() int {
	return r.parts
}

// Partition maps a bucket/object pair to its partition.
func (r *HashRing) Partition(bucket, object string) int {
	return r.ring.FindPartitionID([]byte(bucket + "/" + object))
}

// GetPartNodes returns the primary nodes for a partition in ring-walk order.
func (r *HashRing) GetPartNodes(partition int) []Node {
	members, err := r.ring.GetClosestNForPartition(partition, r.replicas)
	if err != nil {
		// Replicas never exceeds the member count (checked at build time),
		// so this only fires for an out-of-range partition.
		return nil
	}

	nodes := make([]Node, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, r.nodes[m.String()])
	}
	return nodes
}

// GetMoreNodes returns the handoff nodes for a partition: every remaining
// member in ring-walk order after the primaries. The walk is deferred until
// the first pull.
func (r *HashRing) GetMoreNodes(partition int) NodeIterator {
	return &handoffIter{ring: r, partition: partition}
}

type handoffIter struct {
	ring      *HashRing
	partition int
	fetched   bool
	nodes     []Node
	pos       int
}

func (it *handoffIter) Next() (Node, bool) {
	if !it.fetched {
		it.fetched = true
		it.nodes = it.ring.handoffNodes(it.partition)
	}
	if it.pos >= len(it.nodes) {
		return Node{}, false
	}
	node := it.nodes[it.pos]
	it.pos++
	return node, true
}

func (r *HashRing) handoffNodes(partition int) []Node {
	total := len(r.ring.GetMembers())
	if total <= r.replicas {
		return nil
	}
	members, err := r.ring.GetClosestNForPartition(partition, total)
	if err != nil {
		return nil
	}

	nodes := make([]Node, 0, total-r.replicas)
	for _, m := range members[r.replicas:] {
		nodes = append(nodes, r.nodes[m.String()])
	}
	return nodes
}
