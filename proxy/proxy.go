// Package proxy is the S3-facing front end. It resolves each request to a
// partition on the hash ring, fans the work out to the storage nodes over
// QUIC, and reduces the per-node outcomes to one client response.
package proxy

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/mulgadc/ringproxy/dispatch"
	"github.com/mulgadc/ringproxy/ec"
	"github.com/mulgadc/ringproxy/ring"
)

const (
	ModeReplica = "replica"
	ModeEC      = "ec"

	defaultChunkSize = 64 * 1024
)

// Bucket configures placement for one bucket.
type Bucket struct {
	Name   string `toml:"name"`
	Region string `toml:"region"`

	// Mode is "replica" (default) or "ec".
	Mode string `toml:"mode"`

	// DataShards/ParityShards apply to ec mode only.
	DataShards   int `toml:"data_shards"`
	ParityShards int `toml:"parity_shards"`

	Public bool `toml:"public"`
}

// Config is the proxy's TOML configuration.
type Config struct {
	Version string `toml:"version"`
	Region  string `toml:"region"`

	Listen string `toml:"listen"`
	Debug  bool   `toml:"debug"`

	// ChunkSize is the client-facing chunk size for GET streaming.
	ChunkSize int `toml:"chunk_size"`

	// Replicas, PartitionCount and VnodeFactor shape the hash ring.
	Replicas       int `toml:"replicas"`
	PartitionCount int `toml:"partition_count"`
	VnodeFactor    int `toml:"vnode_factor"`

	// RequestTimeoutSecs bounds each fan-out wait.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`

	// Auth lists accepted SigV4 credentials; empty disables authentication.
	Auth []Credential `toml:"auth"`

	Nodes   []ring.Node `toml:"nodes"`
	Buckets []Bucket    `toml:"buckets"`
}

// Proxy holds the wired request path: ring for placement, transport for
// node I/O, one erasure codec per ec bucket.
type Proxy struct {
	cfg       *Config
	ring      ring.Ring
	transport Transport
	codecs    map[string]*ec.Codec
}

// New builds a proxy over the real QUIC transport.
func New(cfg *Config) (*Proxy, error) {
	return NewWithTransport(cfg, NewQUICTransport())
}

// NewWithTransport builds a proxy with an injected transport.
func NewWithTransport(cfg *Config, t Transport) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r, err := ring.NewHashRing(ring.HashRingConfig{
		Nodes:          cfg.Nodes,
		Replicas:       cfg.Replicas,
		PartitionCount: cfg.PartitionCount,
		VnodeFactor:    cfg.VnodeFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("build ring: %w", err)
	}

	codecs := make(map[string]*ec.Codec)
	for _, b := range cfg.Buckets {
		if b.Mode != ModeEC {
			continue
		}
		codec, err := ec.New(b.DataShards, b.ParityShards)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.Name, err)
		}
		codecs[b.Name] = codec
	}

	return &Proxy{
		cfg:       cfg,
		ring:      r,
		transport: t,
		codecs:    codecs,
	}, nil
}

// Ring exposes placement for the admin surface.
func (p *Proxy) Ring() ring.Ring {
	return p.ring
}

// requestTimeout bounds one fan-out wait.
func (p *Proxy) requestTimeout() time.Duration {
	return time.Duration(p.cfg.RequestTimeoutSecs) * time.Second
}

// nodeCount is the per-object fan-out width for a bucket.
func (p *Proxy) nodeCount(b Bucket) int {
	if b.Mode == ModeEC {
		return p.codecs[b.Name].TotalShards()
	}
	return p.ring.ReplicaCount()
}

// S3Error is the amz-style XML error body.
type S3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestId string   `xml:"RequestId"`
	HostId    string   `xml:"HostId"`
}

// nodeIter builds the candidate sequence for a partition: primaries in
// ring order, then handoffs, shared safely across goroutines.
func (p *Proxy) nodeIter(partition int) *dispatch.SafeIter[ring.Node] {
	return dispatch.NewSafeIter[ring.Node](dispatch.NewNodeIter(p.ring, partition, dispatch.NodeIterOptions{}))
}
