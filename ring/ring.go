package ring

// NodeIterator yields node descriptors one at a time. Implementations are
// single-pass; Next returns false once the sequence is exhausted.
type NodeIterator interface {
	Next() (Node, bool)
}

// Ring maps partitions to ordered sets of candidate storage nodes.
type Ring interface {
	// ReplicaCount is the number of primary nodes assigned to a partition.
	ReplicaCount() int

	// PartitionCount is the total number of partitions on the ring.
	PartitionCount() int

	// Partition returns the partition a bucket/object pair belongs to.
	Partition(bucket, object string) int

	// GetPartNodes returns the primary nodes for a partition in ring order.
	// The returned slice is owned by the caller.
	GetPartNodes(partition int) []Node

	// GetMoreNodes returns a lazy sequence of handoff nodes for a partition.
	// The underlying ring walk is not performed until the first pull.
	GetMoreNodes(partition int) NodeIterator
}
