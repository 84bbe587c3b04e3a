package proxy

import (
	"context"
	"io"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/quic/quicclient"
	"github.com/mulgadc/ringproxy/quic/quicproto"
)

// Transport is the node I/O surface the handlers dispatch through. The
// production transport speaks QUIC; tests inject fakes.
type Transport interface {
	Get(ctx context.Context, addr string, meta quicproto.GetMeta) (backend.Source, error)
	Put(ctx context.Context, addr string, meta quicproto.PutMeta, body io.Reader) (quicproto.PutResult, int, error)
	Delete(ctx context.Context, addr string, meta quicproto.DeleteMeta) (int, error)
}

type quicTransport struct {
	pool *quicclient.Pool
}

// NewQUICTransport dispatches over pooled QUIC connections.
func NewQUICTransport() Transport {
	return &quicTransport{pool: quicclient.NewPool()}
}

func (t *quicTransport) client(ctx context.Context, addr string) (*quicclient.Client, error) {
	return t.pool.Get(ctx, addr)
}

func (t *quicTransport) Get(ctx context.Context, addr string, meta quicproto.GetMeta) (backend.Source, error) {
	c, err := t.client(ctx, addr)
	if err != nil {
		return nil, err
	}
	src, err := c.Get(ctx, meta)
	if err != nil {
		t.pool.Invalidate(addr)
		return nil, err
	}
	return src, nil
}

func (t *quicTransport) Put(ctx context.Context, addr string, meta quicproto.PutMeta, body io.Reader) (quicproto.PutResult, int, error) {
	c, err := t.client(ctx, addr)
	if err != nil {
		return quicproto.PutResult{}, 0, err
	}
	result, status, err := c.Put(ctx, meta, body)
	if err != nil {
		t.pool.Invalidate(addr)
		return quicproto.PutResult{}, 0, err
	}
	return result, status, nil
}

func (t *quicTransport) Delete(ctx context.Context, addr string, meta quicproto.DeleteMeta) (int, error) {
	c, err := t.client(ctx, addr)
	if err != nil {
		return 0, err
	}
	status, err := c.Delete(ctx, meta)
	if err != nil {
		t.pool.Invalidate(addr)
		return 0, err
	}
	return status, nil
}
