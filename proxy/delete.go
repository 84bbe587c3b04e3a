package proxy

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mulgadc/ringproxy/dispatch"
	"github.com/mulgadc/ringproxy/quic/quicproto"
)

// deleteOverrides treats a node that never had the object as having
// deleted it: a majority of 404s still yields a clean 204.
var deleteOverrides = map[int]int{
	http.StatusNotFound: http.StatusNoContent,
}

// DeleteObject removes the object from every replica or fragment node.
func (p *Proxy) DeleteObject(bucket, object string, c *fiber.Ctx) error {
	bucketConfig, err := p.cfg.BucketConfig(bucket)
	if err != nil {
		return err
	}

	width := p.nodeCount(bucketConfig)
	fragments := 1
	if bucketConfig.Mode == ModeEC {
		fragments = width
	}

	nodes := p.fragmentNodes(bucket, object, width)
	ctx := c.Context()

	pile := dispatch.NewPile[dispatch.NodeResponse](width)
	for i, node := range nodes {
		pile.Spawn(func() (dispatch.NodeResponse, error) {
			meta := quicproto.DeleteMeta{Bucket: bucket, Object: object}
			if fragments > 1 {
				meta.Fragment = i
			}
			status, err := p.transport.Delete(ctx, node.Addr(), meta)
			if err != nil {
				slog.Warn("object DELETE node unreachable", "node", node.Name(), "error", err)
				return dispatch.NodeResponse{Status: http.StatusServiceUnavailable, Reason: err.Error()}, nil
			}
			return dispatch.NodeResponse{Status: status}, nil
		})
	}

	responses := pile.WaitAll(p.requestTimeout())
	for len(responses) < width {
		responses = append(responses, dispatch.NodeResponse{
			Status: http.StatusServiceUnavailable,
			Reason: "no response",
		})
	}

	best := dispatch.BestResponse(responses, width, deleteOverrides)
	switch best.Status {
	case http.StatusNoContent, http.StatusNotFound:
		// S3 deletes are idempotent: deleting a missing key still succeeds.
		return c.SendStatus(http.StatusNoContent)
	default:
		return errorForStatus(best.Status, bucket, object)
	}
}
