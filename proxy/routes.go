package proxy

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/mulgadc/ringproxy/backend"
)

// SetupRoutes wires the S3 object surface onto a fiber app.
func (p *Proxy) SetupRoutes() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
		ErrorHandler:          p.errorHandler,
	})

	app.Use(requestid.New(requestid.Config{
		Header:    "x-amz-request-id",
		Generator: uuid.NewString,
	}))
	app.Use(logger.New(logger.Config{
		Format: "[${ip}]:${port} ${status} - ${method} ${path}\n",
	}))

	handle := func(op func(bucket, object string, c *fiber.Ctx) error) fiber.Handler {
		return func(c *fiber.Ctx) error {
			bucket := c.Params("bucket")
			bucketConfig, err := p.cfg.BucketConfig(bucket)
			if err != nil {
				return err
			}
			if err := p.authorize(c, bucketConfig.Public); err != nil {
				return err
			}
			return op(bucket, c.Params("*"), c)
		}
	}

	app.Head("/:bucket<alpha>/*", handle(p.HeadObject))
	app.Get("/:bucket<alpha>/*", handle(p.GetObject))
	app.Put("/:bucket<alpha>/*", handle(p.PutObject))
	app.Delete("/:bucket<alpha>/*", handle(p.DeleteObject))

	return app
}

// errorHandler renders every handler error as an amz-style XML body.
func (p *Proxy) errorHandler(c *fiber.Ctx, err error) error {
	httpCode := fiber.StatusInternalServerError
	var s3error S3Error

	var be *backend.Error
	var fe *fiber.Error

	switch {
	case errors.As(err, &be):
		httpCode = be.StatusCode
		s3error.Code = codeFor(be)
		s3error.Message = be.Message
		s3error.Resource = be.Resource

	case strings.Contains(err.Error(), "NoSuchBucket"):
		httpCode = fiber.StatusNotFound
		s3error.Code = "NoSuchBucket"
		s3error.Message = "The specified bucket does not exist"

	case errors.As(err, &fe):
		httpCode = fe.Code
		s3error.Code = "InternalError"
		s3error.Message = fe.Message

	default:
		s3error.Code = "InternalError"
		s3error.Message = err.Error()
	}

	s3error.RequestId = c.GetRespHeader("x-amz-request-id", "00000000-0000-0000-0000-000000000000")
	s3error.HostId = c.Hostname()

	c.Set("Content-Type", "application/xml")
	return c.Status(httpCode).XML(s3error)
}

func codeFor(be *backend.Error) string {
	switch be.StatusCode {
	case fiber.StatusNotFound:
		return "NoSuchKey"
	case fiber.StatusRequestedRangeNotSatisfiable:
		return "InvalidRange"
	case fiber.StatusBadRequest:
		return "InvalidRequest"
	case fiber.StatusForbidden:
		return "AccessDenied"
	case fiber.StatusServiceUnavailable:
		return "ServiceUnavailable"
	case fiber.StatusGatewayTimeout:
		return "RequestTimeout"
	default:
		return "InternalError"
	}
}
