package quicclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

// Pool keeps one QUIC connection per storage node and hands out Clients
// on demand. Streams are cheap, so a single connection per node is enough;
// the pool exists to skip repeated TLS handshakes on the proxy hot path.
type Pool struct {
	mu       sync.RWMutex
	conns    map[string]*pooledConn
	tlsConf  *tls.Config
	quicConf *quic.Config
}

type pooledConn struct {
	mu       sync.Mutex
	client   *Client
	lastUsed time.Time
	uses     int64
}

func NewPool() *Pool {
	p := &Pool{
		conns: make(map[string]*pooledConn),
		tlsConf: &tls.Config{
			InsecureSkipVerify: true, // self-signed node certs. Use mTLS with your CA in prod.
			NextProtos:         []string{alpn},
		},
		quicConf: &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
			MaxIdleTimeout:       120 * time.Second,
		},
	}

	go p.reapLoop()

	return p
}

// Get returns a live Client for addr, dialing only when no healthy
// connection exists.
func (p *Pool) Get(ctx context.Context, addr string) (*Client, error) {
	p.mu.RLock()
	pc, ok := p.conns[addr]
	p.mu.RUnlock()

	if ok {
		if c := pc.take(); c != nil {
			return c, nil
		}
		slog.Debug("pool: cached connection dead", "addr", addr)
	}

	return p.dial(ctx, addr)
}

// take returns the cached client if its connection is still open.
// A closed QUIC connection's Context() is canceled.
func (pc *pooledConn) take() *Client {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.client == nil || pc.client.conn.Context().Err() != nil {
		return nil
	}
	pc.lastUsed = time.Now()
	pc.uses++
	return pc.client
}

func (p *Pool) dial(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have dialed while we waited for the lock.
	if pc, ok := p.conns[addr]; ok {
		if c := pc.take(); c != nil {
			return c, nil
		}
		pc.mu.Lock()
		if pc.client != nil {
			_ = pc.client.Close()
		}
		pc.mu.Unlock()
		delete(p.conns, addr)
	}

	conn, err := quic.DialAddr(ctx, addr, p.tlsConf, p.quicConf)
	if err != nil {
		return nil, err
	}

	client := &Client{conn: conn}
	p.conns[addr] = &pooledConn{
		client:   client,
		lastUsed: time.Now(),
		uses:     1,
	}

	slog.Debug("pool: dialed", "addr", addr)
	return client, nil
}

// Invalidate drops the connection for addr so the next Get redials.
// Call it after a transport-level error.
func (p *Pool) Invalidate(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.conns[addr]; ok {
		pc.mu.Lock()
		if pc.client != nil {
			_ = pc.client.Close()
		}
		pc.mu.Unlock()
		delete(p.conns, addr)
	}
}

// Close tears down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, pc := range p.conns {
		pc.mu.Lock()
		if pc.client != nil {
			_ = pc.client.Close()
		}
		pc.mu.Unlock()
		delete(p.conns, addr)
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		p.reap()
	}
}

// reap drops connections that went idle or died.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()

	const maxIdle = 2 * time.Minute
	now := time.Now()

	for addr, pc := range p.conns {
		pc.mu.Lock()
		idle := now.Sub(pc.lastUsed) > maxIdle
		dead := pc.client == nil || pc.client.conn.Context().Err() != nil
		if idle || dead {
			if pc.client != nil {
				_ = pc.client.Close()
			}
			delete(p.conns, addr)
		}
		pc.mu.Unlock()
	}
}

// Stats reports connection counts for the admin endpoint.
func (p *Pool) Stats() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var uses int64
	for _, pc := range p.conns {
		pc.mu.Lock()
		uses += pc.uses
		pc.mu.Unlock()
	}

	return map[string]int64{
		"connections": int64(len(p.conns)),
		"uses":        uses,
	}
}

// DefaultPool is shared by callers that do not manage their own pool.
var DefaultPool = NewPool()

// DialPooled returns a Client for addr from the default pool.
func DialPooled(ctx context.Context, addr string) (*Client, error) {
	return DefaultPool.Get(ctx, addr)
}
