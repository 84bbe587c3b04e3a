package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mulgadc/ringproxy/backend"
)

// SourceFn supplies the next candidate backend source when the current one
// fails mid-stream. The getter's BackendHeaders carry the fast-forwarded
// Range the new node must honor. Returning an error means the candidates
// are exhausted.
type SourceFn func(ctx context.Context) (backend.Source, error)

// Getter streams one backend object to the client, re-chunked to the
// client's chunk size, surviving backend disconnections by fast-forwarding
// the byte range and resuming on the next candidate node. The client sees a
// single continuous byte stream.
type Getter struct {
	ctx        context.Context
	serverType string
	nodeCount  int
	chunkSize  int

	rng     ByteRange
	headers http.Header // backend request headers, Range kept in sync

	source     backend.Source
	nextSource SourceFn

	buf       []byte // partial chunk under assembly, already read from backend
	used      int64  // backend bytes consumed since the range last moved
	delivered int64  // total bytes handed to the client
	done      bool
	failed    error
}

// NewGetter builds a getter over an already-acquired source. Backend
// headers are seeded from the client's request headers, including any
// Range; ownership of reqHeaders stays with the caller.
func NewGetter(ctx context.Context, reqHeaders http.Header, serverType string, nodeCount, chunkSize int, src backend.Source, next SourceFn) (*Getter, error) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	rng, err := ParseRange(reqHeaders.Get("Range"))
	if err != nil {
		return nil, err
	}

	g := &Getter{
		ctx:        ctx,
		serverType: serverType,
		nodeCount:  nodeCount,
		chunkSize:  chunkSize,
		rng:        rng,
		headers:    cloneHeader(reqHeaders),
		source:     src,
		nextSource: next,
	}
	g.syncRangeHeader()
	g.learnFromSource(src)
	return g, nil
}

// BackendHeaders returns the headers a retry request must carry, with the
// Range reflecting every fast-forward so far.
func (g *Getter) BackendHeaders() http.Header {
	return g.headers
}

// Range returns the current backend byte-range state.
func (g *Getter) Range() ByteRange {
	return g.rng
}

// Delivered reports how many bytes the client has received.
func (g *Getter) Delivered() int64 {
	return g.delivered
}

// FastForward advances the backend range past n bytes and re-serializes the
// Range header for the next attempt.
func (g *Getter) FastForward(n int64) error {
	if err := g.rng.FastForward(n); err != nil {
		return err
	}
	g.syncRangeHeader()
	return nil
}

// LearnSize records the real object window from a backend Content-Range so
// retries carry an explicit bounded range.
func (g *Getter) LearnSize(start, end, total int64) {
	g.rng.LearnSize(start, end, total)
	g.syncRangeHeader()
}

// Next returns the next chunk of the client stream. Every chunk is exactly
// the client chunk size except a final short one; io.EOF ends the stream.
// The returned slice is owned by the caller.
func (g *Getter) Next() ([]byte, error) {
	if g.failed != nil {
		return nil, g.failed
	}
	if g.done {
		return g.flush()
	}

	if g.buf == nil {
		g.buf = make([]byte, 0, g.chunkSize)
	}

	for len(g.buf) < g.chunkSize {
		n, err := g.source.Read(g.buf[len(g.buf):g.chunkSize])
		g.buf = g.buf[:len(g.buf)+n]
		g.used += int64(n)

		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			g.done = true
			return g.flush()
		}

		if ferr := g.failover(err); ferr != nil {
			g.failed = ferr
			return nil, ferr
		}
		if g.done {
			return g.flush()
		}
	}

	return g.emit(g.buf), nil
}

// failover fast-forwards past everything consumed so far and swaps in the
// next candidate source. Only candidate exhaustion or unsatisfiable range
// arithmetic escape as errors.
func (g *Getter) failover(cause error) error {
	slog.Warn("backend read failed, trying next node",
		"type", g.serverType,
		"delivered", g.delivered,
		"buffered", len(g.buf),
		"error", cause,
	)

	if err := g.FastForward(g.used); err != nil {
		if errors.Is(err, ErrRangeComplete) {
			// Everything owed to the client is already in the buffer.
			g.done = true
			return nil
		}
		return err
	}
	g.used = 0

	if g.source != nil {
		if cerr := g.source.Close(); cerr != nil {
			slog.Debug("close failed source", "error", cerr)
		}
	}

	src, err := g.nextSource(g.ctx)
	if err != nil {
		return fmt.Errorf("no usable backend after %d bytes: %w", g.delivered, err)
	}
	g.source = src
	g.learnFromSource(src)
	return nil
}

// flush hands out whatever is buffered once the backend stream ended.
func (g *Getter) flush() ([]byte, error) {
	if len(g.buf) == 0 {
		return nil, io.EOF
	}
	return g.emit(g.buf), nil
}

func (g *Getter) emit(chunk []byte) []byte {
	g.delivered += int64(len(chunk))
	g.buf = make([]byte, 0, g.chunkSize)
	return chunk
}

// Close releases the current source. A client that stops consuming early
// lands here; the disconnect is logged, never raised.
func (g *Getter) Close() {
	if g.source == nil {
		return
	}
	if err := g.source.Close(); err != nil {
		slog.Info("client disconnected before stream end",
			"type", g.serverType,
			"delivered", g.delivered,
			"error", err,
		)
	}
	g.source = nil
}

// learnFromSource picks the object length out of a source's Content-Range.
func (g *Getter) learnFromSource(src backend.Source) {
	if src == nil {
		return
	}
	start, end, total, ok := parseContentRange(src.Header("Content-Range"))
	if ok {
		g.LearnSize(start, end, total)
	}
}

// parseContentRange parses "bytes a-b/total"; total may be "*".
func parseContentRange(value string) (start, end, total int64, ok bool) {
	spec, found := strings.CutPrefix(value, "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	window, totalStr, found := strings.Cut(spec, "/")
	if !found || totalStr == "*" {
		return 0, 0, 0, false
	}
	first, last, found := strings.Cut(window, "-")
	if !found {
		return 0, 0, 0, false
	}

	var err error
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	return start, end, total, true
}

func (g *Getter) syncRangeHeader() {
	if v := g.rng.String(); v != "" {
		g.headers.Set("Range", v)
	} else {
		g.headers.Del("Range")
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

var _ io.Closer = (*getterCloser)(nil)

// getterCloser adapts Close to io.Closer for response plumbing that wants
// one.
type getterCloser struct{ g *Getter }

func (c getterCloser) Close() error {
	c.g.Close()
	return nil
}

// Closer returns an io.Closer view of the getter.
func (g *Getter) Closer() io.Closer {
	return getterCloser{g: g}
}
