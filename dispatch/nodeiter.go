package dispatch

import (
	"log/slog"

	"github.com/mulgadc/ringproxy/ring"
)

// NodeIterOptions tune a NodeIter for one request.
type NodeIterOptions struct {
	// UseReplication routes every yielded descriptor to the replication
	// network, mirroring the backend request header.
	UseReplication bool

	// Nodes substitutes a pre-built node sequence for the ring's primary
	// assignment, e.g. to resume iteration from a known point. The slice is
	// copied; the caller's backing array is never touched.
	Nodes []ring.Node
}

// NodeIter yields candidate nodes for a partition: primaries first in ring
// order, each annotated with its Index, then lazily fetched handoff nodes
// annotated with HandoffIndex from 0. The total number of nodes yielded is
// capped at twice the primary count. Single pass, not safe for concurrent
// use on its own; wrap in a SafeIter when several workers pull from it.
type NodeIter struct {
	ring      ring.Ring
	partition int

	primaries []ring.Node
	pos       int

	primariesLeft int
	nodesLeft     int

	handoffs     ring.NodeIterator
	handoffIndex int

	useReplication bool
}

// NewNodeIter builds an iterator over the candidate nodes for a partition.
func NewNodeIter(r ring.Ring, partition int, opts NodeIterOptions) *NodeIter {
	var primaries []ring.Node
	if opts.Nodes != nil {
		primaries = make([]ring.Node, len(opts.Nodes))
		copy(primaries, opts.Nodes)
	} else {
		primaries = r.GetPartNodes(partition)
	}

	return &NodeIter{
		ring:           r,
		partition:      partition,
		primaries:      primaries,
		primariesLeft:  len(primaries),
		nodesLeft:      2 * r.ReplicaCount(),
		useReplication: opts.UseReplication,
	}
}

// PrimariesLeft reports how many primary nodes have not yet been yielded.
func (it *NodeIter) PrimariesLeft() int {
	return it.primariesLeft
}

// NodesLeft reports the remaining total node budget.
func (it *NodeIter) NodesLeft() int {
	return it.nodesLeft
}

// Next yields the next candidate node. The returned descriptor is a copy;
// ok is false once the budget or the ring is exhausted.
func (it *NodeIter) Next() (ring.Node, bool) {
	if it.nodesLeft <= 0 {
		return ring.Node{}, false
	}

	if it.pos < len(it.primaries) {
		node := it.primaries[it.pos]
		node.Index = it.pos
		node.HandoffIndex = -1
		node.UseReplication = it.useReplication
		it.pos++
		it.primariesLeft--
		it.nodesLeft--
		return node, true
	}

	if it.handoffs == nil {
		slog.Debug("node iter: primaries exhausted, fetching handoffs", "partition", it.partition)
		it.handoffs = it.ring.GetMoreNodes(it.partition)
	}

	node, ok := it.handoffs.Next()
	if !ok {
		return ring.Node{}, false
	}
	node.Index = -1
	node.HandoffIndex = it.handoffIndex
	node.UseReplication = it.useReplication
	it.handoffIndex++
	it.nodesLeft--
	return node, true
}
