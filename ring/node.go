package ring

import "fmt"

// Node describes a single storage device in the cluster. Descriptors are
// passed around by value; the ring hands out copies so callers can annotate
// them without touching the ring's own state.
type Node struct {
	ID              int     `toml:"id"`
	IP              string  `toml:"ip"`
	Port            int     `toml:"port"`
	Device          string  `toml:"device"`
	ReplicationIP   string  `toml:"replication_ip"`
	ReplicationPort int     `toml:"replication_port"`
	Region          int     `toml:"region"`
	Zone            int     `toml:"zone"`
	Weight          float64 `toml:"weight"`

	// Index is the primary ordinal assigned by the node iterator
	// (0..replicas-1). HandoffIndex is the ordinal among handoff nodes,
	// starting at 0. Exactly one of the two is set on a yielded node;
	// both are -1 on a raw ring descriptor.
	Index        int `toml:"-"`
	HandoffIndex int `toml:"-"`

	// UseReplication selects the replication network address pair.
	UseReplication bool `toml:"-"`
}

// Addr returns the host:port the node should be contacted on, honoring
// the replication-network selection.
func (n Node) Addr() string {
	if n.UseReplication && n.ReplicationIP != "" {
		return fmt.Sprintf("%s:%d", n.ReplicationIP, n.ReplicationPort)
	}
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// Name returns the stable member name used on the hash ring.
func (n Node) Name() string {
	return fmt.Sprintf("node-%d", n.ID)
}
