package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/minio/crc64nvme"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/dispatch"
	"github.com/mulgadc/ringproxy/quic/quicproto"
	"github.com/mulgadc/ringproxy/ring"
)

// PutObject writes the object to every replica (or every fragment node for
// ec buckets) in parallel and answers from the quorum outcome.
func (p *Proxy) PutObject(bucket, object string, c *fiber.Ctx) error {
	bucketConfig, err := p.cfg.BucketConfig(bucket)
	if err != nil {
		return err
	}

	body := c.Body()
	if len(body) == 0 {
		return backend.ErrBadRequestError.WithResource("empty body")
	}

	if bucketConfig.Mode == ModeEC {
		return p.putObjectEC(bucketConfig, bucket, object, body, c)
	}

	replicas := p.ring.ReplicaCount()
	partition := p.ring.Partition(bucket, object)
	iter := p.nodeIter(partition)

	responses := p.fanOutPut(c.Context(), iter, replicas, bucket, object, body, -1)
	best := dispatch.BestResponse(responses, replicas, nil)
	if best.Status != http.StatusCreated {
		slog.Warn("object PUT below quorum",
			"bucket", bucket, "object", object, "status", best.Status, "reason", best.Reason)
		return errorForStatus(best.Status, bucket, object)
	}

	c.Set("ETag", best.Headers.Get("Etag"))
	return c.SendStatus(http.StatusOK)
}

// fanOutPut writes one payload (or fragment when fragment >= 0) to width
// nodes concurrently. Unreachable nodes surface as 503 entries so the
// quorum math sees every attempt; the result is padded to width for nodes
// the iterator could not supply.
func (p *Proxy) fanOutPut(ctx context.Context, iter *dispatch.SafeIter[ring.Node], width int, bucket, object string, payload []byte, fragment int) []dispatch.NodeResponse {
	pile := dispatch.NewPile[dispatch.NodeResponse](width)
	spawned := 0
	for ; spawned < width; spawned++ {
		node, ok := iter.Next()
		if !ok {
			break
		}
		pile.Spawn(func() (dispatch.NodeResponse, error) {
			meta := quicproto.PutMeta{
				Bucket:    bucket,
				Object:    object,
				Size:      int64(len(payload)),
				TotalSize: int64(len(payload)),
			}
			if fragment >= 0 {
				meta.Fragment = fragment
			}
			result, status, err := p.transport.Put(ctx, node.Addr(), meta, bytes.NewReader(payload))
			if err != nil {
				slog.Warn("object PUT node unreachable", "node", node.Name(), "error", err)
				return dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()}, nil
			}
			hdr := http.Header{}
			hdr.Set("Etag", result.ETag)
			return dispatch.NodeResponse{Status: status, Headers: hdr}, nil
		})
	}

	responses := pile.WaitAll(p.requestTimeout())
	for len(responses) < width {
		responses = append(responses, dispatch.NodeResponse{
			Status: http.StatusServiceUnavailable,
			Reason: "no response",
		})
	}
	return responses
}

// putObjectEC erasure-codes the payload and writes fragment i to the i-th
// candidate node, the same assignment GET reads back.
func (p *Proxy) putObjectEC(bucketConfig Bucket, bucket, object string, body []byte, c *fiber.Ctx) error {
	codec := p.codecs[bucketConfig.Name]
	total := codec.TotalShards()

	shards, err := codec.Encode(body)
	if err != nil {
		return err
	}

	nodes := p.fragmentNodes(bucket, object, total)
	if len(nodes) < total {
		return backend.ErrUnavailableError.WithResource(fmt.Sprintf("%s/%s", bucket, object))
	}
	ctx := c.Context()

	pile := dispatch.NewPile[dispatch.NodeResponse](total)
	for i, node := range nodes {
		pile.Spawn(func() (dispatch.NodeResponse, error) {
			_, status, err := p.transport.Put(ctx, node.Addr(), quicproto.PutMeta{
				Bucket:    bucket,
				Object:    object,
				Size:      int64(len(shards[i])),
				TotalSize: int64(len(body)),
				Fragment:  i,
			}, bytes.NewReader(shards[i]))
			if err != nil {
				slog.Warn("fragment PUT node unreachable", "node", node.Name(), "fragment", i, "error", err)
				return dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()}, nil
			}
			return dispatch.NodeResponse{Status: status}, nil
		})
	}

	responses := pile.WaitAll(p.requestTimeout())
	for len(responses) < total {
		responses = append(responses, dispatch.NodeResponse{Status: http.StatusServiceUnavailable})
	}

	best := dispatch.BestResponse(responses, total, nil)
	if best.Status != http.StatusCreated {
		return errorForStatus(best.Status, bucket, object)
	}

	c.Set("ETag", fmt.Sprintf("%016x", crc64nvme.Checksum(body)))
	return c.SendStatus(http.StatusOK)
}
