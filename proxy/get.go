package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/minio/crc64nvme"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/dispatch"
	"github.com/mulgadc/ringproxy/quic/quicproto"
	"github.com/mulgadc/ringproxy/ring"
	"github.com/mulgadc/ringproxy/stream"
)

// GetObject streams an object back to the client. Replica buckets stream
// straight off one node and fail over mid-body; ec buckets reassemble
// fragments first.
func (p *Proxy) GetObject(bucket, object string, c *fiber.Ctx) error {
	bucketConfig, err := p.cfg.BucketConfig(bucket)
	if err != nil {
		return err
	}
	if bucketConfig.Mode == ModeEC {
		return p.getObjectEC(bucketConfig, bucket, object, c)
	}

	partition := p.ring.Partition(bucket, object)
	iter := p.nodeIter(partition)
	ctx := c.Context()

	var failures []dispatch.NodeResponse

	// acquire walks the candidate nodes until one serves the range.
	// Non-2xx nodes are recorded for quorum resolution.
	acquire := func(ctx context.Context, rangeHdr string) (backend.Source, error) {
		for {
			node, ok := iter.Next()
			if !ok {
				return nil, backend.ErrUnavailableError.WithResource(fmt.Sprintf("%s/%s", bucket, object))
			}
			src, err := p.transport.Get(ctx, node.Addr(), quicproto.GetMeta{
				Bucket: bucket,
				Object: object,
				Range:  rangeHdr,
			})
			if err != nil {
				slog.Warn("object GET node unreachable", "node", node.Name(), "error", err)
				failures = append(failures, dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()})
				continue
			}
			if src.Status() == http.StatusOK || src.Status() == http.StatusPartialContent {
				return src, nil
			}
			failures = append(failures, dispatch.NodeResponse{
				Status:  src.Status(),
				Reason:  src.Header("X-Backend-Error"),
				Headers: src.Headers(),
			})
			_ = src.Close()
		}
	}

	src, err := acquire(ctx, c.Get("Range"))
	if err != nil {
		best := dispatch.BestResponse(failures, p.ring.ReplicaCount(), nil)
		return errorForStatus(best.Status, bucket, object)
	}

	reqHeaders := http.Header{}
	if rh := c.Get("Range"); rh != "" {
		reqHeaders.Set("Range", rh)
	}

	var g *stream.Getter
	next := func(ctx context.Context) (backend.Source, error) {
		return acquire(ctx, g.BackendHeaders().Get("Range"))
	}
	g, err = stream.NewGetter(ctx, reqHeaders, "object", p.ring.ReplicaCount(), p.cfg.ChunkSize, src, next)
	if err != nil {
		_ = src.Close()
		return backend.ErrInvalidRangeError.WithResource(c.Get("Range"))
	}

	setObjectHeaders(c, src)
	c.Status(src.Status())

	// A sized body stream keeps the Content-Length from setObjectHeaders;
	// an unknown size falls back to chunked transfer.
	size := -1
	if v := src.Header("Content-Length"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			size = n
		}
	}
	c.Context().SetBodyStream(&getterReader{g: g, bucket: bucket, object: object}, size)
	return nil
}

// getterReader adapts a stream.Getter to the io.Reader fasthttp streams the
// response body from. Failover happens inside Next; an error here means
// every candidate is gone and the stream is cut short.
type getterReader struct {
	g      *stream.Getter
	bucket string
	object string
	buf    []byte
	err    error
}

func (r *getterReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.g.Next()
		r.buf = chunk
		if err != nil {
			if err != io.EOF {
				// Headers are gone; all we can do is cut the stream short.
				slog.Error("object stream aborted mid-body",
					"bucket", r.bucket, "object", r.object,
					"delivered", r.g.Delivered(), "error", err)
			}
			r.err = err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *getterReader) Close() error {
	r.g.Close()
	return nil
}

// HeadObject returns object metadata by probing one byte of the object.
func (p *Proxy) HeadObject(bucket, object string, c *fiber.Ctx) error {
	bucketConfig, err := p.cfg.BucketConfig(bucket)
	if err != nil {
		return err
	}
	if bucketConfig.Mode == ModeEC {
		return p.headObjectEC(bucketConfig, bucket, object, c)
	}

	partition := p.ring.Partition(bucket, object)
	iter := p.nodeIter(partition)
	ctx := c.Context()

	meta := quicproto.GetMeta{Bucket: bucket, Object: object, Range: "bytes=0-0"}

	var failures []dispatch.NodeResponse
	for {
		node, ok := iter.Next()
		if !ok {
			best := dispatch.BestResponse(failures, p.nodeCount(bucketConfig), nil)
			return errorForStatus(best.Status, bucket, object)
		}
		src, err := p.transport.Get(ctx, node.Addr(), meta)
		if err != nil {
			failures = append(failures, dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()})
			continue
		}
		if src.Status() != http.StatusOK && src.Status() != http.StatusPartialContent {
			failures = append(failures, dispatch.NodeResponse{Status: src.Status(), Headers: src.Headers()})
			_ = src.Close()
			continue
		}
		return headFromSource(c, src)
	}
}

// headObjectEC probes the fragment holders in placement order. Every
// fragment carries the full object metadata, so any reachable holder can
// answer even when others are down.
func (p *Proxy) headObjectEC(bucketConfig Bucket, bucket, object string, c *fiber.Ctx) error {
	total := p.codecs[bucketConfig.Name].TotalShards()
	nodes := p.fragmentNodes(bucket, object, total)
	ctx := c.Context()

	var failures []dispatch.NodeResponse
	for i, node := range nodes {
		src, err := p.transport.Get(ctx, node.Addr(), quicproto.GetMeta{
			Bucket:   bucket,
			Object:   object,
			Fragment: i,
			Range:    "bytes=0-0",
		})
		if err != nil {
			failures = append(failures, dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()})
			continue
		}
		if src.Status() != http.StatusOK && src.Status() != http.StatusPartialContent {
			failures = append(failures, dispatch.NodeResponse{Status: src.Status(), Headers: src.Headers()})
			_ = src.Close()
			continue
		}
		return headFromSource(c, src)
	}

	best := dispatch.BestResponse(failures, total, nil)
	return errorForStatus(best.Status, bucket, object)
}

func headFromSource(c *fiber.Ctx, src backend.Source) error {
	c.Set("Content-Length", src.Header("X-Object-Total-Size"))
	c.Set("ETag", src.Header("Etag"))
	c.Set("Last-Modified", src.Header("Last-Modified"))
	c.Set("Accept-Ranges", "bytes")
	c.Set("Content-Type", "application/octet-stream")
	_ = src.Close()
	// Keep the advertised Content-Length; writing an empty body would
	// reset it to zero.
	c.Response().SkipBody = true
	return nil
}

// getObjectEC gathers fragments in parallel, reassembles, then serves the
// requested range out of the rebuilt payload.
func (p *Proxy) getObjectEC(bucketConfig Bucket, bucket, object string, c *fiber.Ctx) error {
	codec := p.codecs[bucketConfig.Name]
	total := codec.TotalShards()

	nodes := p.fragmentNodes(bucket, object, total)
	if len(nodes) < total {
		return backend.ErrUnavailableError.WithResource(fmt.Sprintf("%s/%s", bucket, object))
	}
	ctx := c.Context()

	type fragment struct {
		index  int
		status int
		size   int64
		data   []byte
	}

	pile := dispatch.NewPile[fragment](total)
	for i, node := range nodes {
		pile.Spawn(func() (fragment, error) {
			src, err := p.transport.Get(ctx, node.Addr(), quicproto.GetMeta{
				Bucket:   bucket,
				Object:   object,
				Fragment: i,
			})
			if err != nil {
				return fragment{}, err
			}
			defer src.Close()
			if src.Status() != http.StatusOK {
				return fragment{index: i, status: src.Status()}, nil
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return fragment{}, err
			}
			size, _ := strconv.ParseInt(src.Header("X-Object-Total-Size"), 10, 64)
			return fragment{index: i, status: src.Status(), size: size, data: data}, nil
		})
	}

	results := pile.WaitAll(p.requestTimeout())

	shards := make([][]byte, total)
	var objectSize int64
	notFound := 0
	for _, f := range results {
		switch f.status {
		case http.StatusOK:
			shards[f.index] = f.data
			if f.size > 0 {
				objectSize = f.size
			}
		case http.StatusNotFound:
			notFound++
		}
	}
	if notFound > codec.ParityShards() {
		return backend.ErrNotFoundError.WithResource(fmt.Sprintf("%s/%s", bucket, object))
	}

	payload, err := codec.Decode(shards, objectSize)
	if err != nil {
		return err
	}

	rng, err := stream.ParseRange(c.Get("Range"))
	if err != nil {
		return backend.ErrInvalidRangeError.WithResource(c.Get("Range"))
	}

	etag := fmt.Sprintf("%016x", crc64nvme.Checksum(payload))
	c.Set("ETag", etag)
	c.Set("Accept-Ranges", "bytes")
	c.Set("Content-Type", "application/octet-stream")

	start, end, ok := clampRange(rng, int64(len(payload)))
	if !ok {
		c.Set("Content-Range", fmt.Sprintf("bytes */%d", len(payload)))
		return backend.ErrRangeNotSatisfiableError.WithResource(c.Get("Range"))
	}
	if rng.Kind != stream.RangeAbsent {
		c.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
		c.Status(http.StatusPartialContent)
	}
	return c.Send(payload[start : end+1])
}

// fragmentNodes fixes the fragment-to-node assignment: the first n
// candidates in iterator order, the same order PUT used.
func (p *Proxy) fragmentNodes(bucket, object string, n int) []ring.Node {
	partition := p.ring.Partition(bucket, object)
	iter := p.nodeIter(partition)

	nodes := make([]ring.Node, 0, n)
	for len(nodes) < n {
		node, ok := iter.Next()
		if !ok {
			break
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// clampRange resolves a parsed range against a known payload size.
func clampRange(rng stream.ByteRange, size int64) (start, end int64, ok bool) {
	switch rng.Kind {
	case stream.RangeAbsent:
		return 0, size - 1, size > 0
	case stream.RangeBounded:
		if rng.Start >= size {
			return 0, 0, false
		}
		end = rng.End
		if end >= size {
			end = size - 1
		}
		return rng.Start, end, true
	case stream.RangeFrom:
		if rng.Start >= size {
			return 0, 0, false
		}
		return rng.Start, size - 1, true
	case stream.RangeSuffix:
		if rng.SuffixLen <= 0 {
			return 0, 0, false
		}
		start = size - rng.SuffixLen
		if start < 0 {
			start = 0
		}
		return start, size - 1, size > 0
	}
	return 0, 0, false
}

func setObjectHeaders(c *fiber.Ctx, src backend.Source) {
	if v := src.Header("Content-Length"); v != "" {
		c.Set("Content-Length", v)
	}
	if v := src.Header("Content-Range"); v != "" {
		c.Set("Content-Range", v)
	}
	if v := src.Header("Etag"); v != "" {
		c.Set("ETag", v)
	}
	if v := src.Header("Last-Modified"); v != "" {
		c.Set("Last-Modified", v)
	}
	c.Set("Accept-Ranges", "bytes")
	c.Set("Content-Type", "application/octet-stream")
}

// errorForStatus maps a quorum-resolved status back to a typed error.
func errorForStatus(status int, bucket, object string) error {
	resource := fmt.Sprintf("%s/%s", bucket, object)
	switch status {
	case http.StatusNotFound:
		return backend.ErrNotFoundError.WithResource(resource)
	case http.StatusRequestedRangeNotSatisfiable:
		return backend.ErrRangeNotSatisfiableError.WithResource(resource)
	case http.StatusGatewayTimeout:
		return backend.ErrTimeoutError.WithResource(resource)
	case http.StatusServiceUnavailable:
		return backend.ErrUnavailableError.WithResource(resource)
	default:
		return backend.ErrInternalError.WithResource(resource)
	}
}
