package quicclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/quic/quicproto"
)

const alpn = "ringproxy-obj-v1"

// Client is one QUIC connection to a storage node. Every RPC runs on its
// own stream, so a single client serves concurrent requests.
type Client struct {
	conn  *quic.Conn
	reqID uint64
}

// Dial opens a fresh, unpooled connection.
func Dial(ctx context.Context, addr string) (*Client, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // self-signed node certs. Use mTLS with your CA in prod.
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		KeepAlivePeriod:      15 * time.Second,
		MaxIdleTimeout:       60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears the connection down. Pooled clients are closed by the pool.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "done")
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

// Get fetches an object (or a byte range of it) and returns a streaming
// Source. The caller must Close the source to release the stream.
func (c *Client) Get(ctx context.Context, meta quicproto.GetMeta) (backend.Source, error) {
	st, br, hdr, respMeta, err := c.roundTrip(ctx, quicproto.MethodGET, meta, nil, 0)
	if err != nil {
		return nil, err
	}

	src := &objectSource{
		status:  int(hdr.Status),
		headers: http.Header{},
		stream:  st,
		body:    io.LimitReader(br, quicproto.BodySize(hdr.BodyLen)),
	}

	if hdr.Status == quicproto.StatusOK || hdr.Status == quicproto.StatusPartialContent {
		var result quicproto.GetResult
		if err := json.Unmarshal(respMeta, &result); err != nil {
			st.CancelRead(0)
			_ = st.Close()
			return nil, fmt.Errorf("bad get result: %w", err)
		}
		src.headers.Set("Content-Length", strconv.FormatInt(result.Size, 10))
		src.headers.Set("Etag", result.ETag)
		src.headers.Set("Last-Modified", time.Unix(0, result.ModTime).UTC().Format(http.TimeFormat))
		src.headers.Set("X-Object-Total-Size", strconv.FormatInt(result.TotalSize, 10))
		if result.ContentRange != "" {
			src.headers.Set("Content-Range", result.ContentRange)
		}
	} else {
		var failure quicproto.ErrorResult
		_ = json.Unmarshal(respMeta, &failure)
		src.headers.Set("X-Backend-Error", failure.Error)
	}

	return src, nil
}

// Put stores size bytes from body as a replica or fragment on the node.
func (c *Client) Put(ctx context.Context, meta quicproto.PutMeta, body io.Reader) (quicproto.PutResult, int, error) {
	st, _, hdr, respMeta, err := c.roundTrip(ctx, quicproto.MethodPUT, meta, body, meta.Size)
	if err != nil {
		return quicproto.PutResult{}, 0, err
	}
	st.CancelRead(0)
	_ = st.Close()

	if hdr.Status != quicproto.StatusCreated {
		var failure quicproto.ErrorResult
		_ = json.Unmarshal(respMeta, &failure)
		return quicproto.PutResult{}, int(hdr.Status), nil
	}

	var result quicproto.PutResult
	if err := json.Unmarshal(respMeta, &result); err != nil {
		return quicproto.PutResult{}, int(hdr.Status), fmt.Errorf("bad put result: %w", err)
	}
	return result, int(hdr.Status), nil
}

// Delete removes an object from the node.
func (c *Client) Delete(ctx context.Context, meta quicproto.DeleteMeta) (int, error) {
	st, _, hdr, _, err := c.roundTrip(ctx, quicproto.MethodDELETE, meta, nil, 0)
	if err != nil {
		return 0, err
	}
	st.CancelRead(0)
	_ = st.Close()
	return int(hdr.Status), nil
}

// Status asks the node for liveness info.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	st, _, hdr, respMeta, err := c.roundTrip(ctx, quicproto.MethodSTATUS, struct{}{}, nil, 0)
	if err != nil {
		return nil, err
	}
	st.CancelRead(0)
	_ = st.Close()

	if hdr.Status != quicproto.StatusOK {
		return nil, backend.ErrUnavailableError
	}
	var out map[string]any
	if err := json.Unmarshal(respMeta, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// roundTrip opens a stream, writes header+meta+body, and reads the response
// header and meta. The stream and buffered reader are returned so body
// streaming can continue.
func (c *Client) roundTrip(ctx context.Context, method uint8, meta any, body io.Reader, bodyLen int64) (*quic.Stream, *bufio.Reader, quicproto.Header, []byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, quicproto.Header{}, nil, err
	}

	st, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, quicproto.Header{}, nil, fmt.Errorf("open stream: %w", err)
	}

	bw := bufio.NewWriterSize(st, 128*1024)
	br := bufio.NewReaderSize(st, 128*1024)

	req := quicproto.Header{
		Version: quicproto.Version1,
		Method:  method,
		ReqID:   c.nextID(),
		MetaLen: quicproto.MetaLen(len(metaBytes)),
	}
	if bodyLen > 0 {
		req.BodyLen = quicproto.BodyLen(bodyLen)
	}

	if err := quicproto.WriteHeader(bw, req); err != nil {
		abort(st)
		return nil, nil, quicproto.Header{}, nil, err
	}
	if _, err := bw.Write(metaBytes); err != nil {
		abort(st)
		return nil, nil, quicproto.Header{}, nil, err
	}
	if body != nil {
		if _, err := io.CopyN(bw, body, bodyLen); err != nil {
			abort(st)
			return nil, nil, quicproto.Header{}, nil, fmt.Errorf("send body: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		abort(st)
		return nil, nil, quicproto.Header{}, nil, err
	}

	hdr, err := quicproto.ReadHeader(br)
	if err != nil {
		abort(st)
		return nil, nil, quicproto.Header{}, nil, fmt.Errorf("read response: %w", err)
	}
	respMeta, err := quicproto.ReadMeta(br, hdr.MetaLen, 64*1024)
	if err != nil {
		abort(st)
		return nil, nil, quicproto.Header{}, nil, fmt.Errorf("read response meta: %w", err)
	}
	return st, br, hdr, respMeta, nil
}

func abort(st *quic.Stream) {
	st.CancelRead(0)
	st.CancelWrite(0)
	_ = st.Close()
}

// objectSource adapts a GET response stream to backend.Source.
type objectSource struct {
	status  int
	headers http.Header
	stream  *quic.Stream
	body    io.Reader
	closed  atomic.Bool
}

func (o *objectSource) Status() int { return o.status }

func (o *objectSource) Header(name string) string { return o.headers.Get(name) }

func (o *objectSource) Headers() http.Header { return o.headers }

func (o *objectSource) Read(p []byte) (int, error) {
	return o.body.Read(p)
}

// Close releases the stream, not the pooled connection.
func (o *objectSource) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.stream.CancelRead(0)
	return o.stream.Close()
}
