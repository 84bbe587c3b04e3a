package proxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mulgadc/ringproxy/auth"
	"github.com/mulgadc/ringproxy/backend"
)

// Credential is one access key pair the proxy accepts.
type Credential struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// sigV4Auth verifies the request's AWS Signature V4 against the configured
// credentials. Requests on public buckets skip it for reads.
func (p *Proxy) sigV4Auth(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return backend.ErrAccessDeniedError.WithResource("missing Authorization header")
	}

	// AWS4-HMAC-SHA256 Credential=KEY/20250414/us-east-1/s3/aws4_request,
	// SignedHeaders=host;x-amz-date, Signature=...
	parts := strings.Split(authHeader, ", ")
	if len(parts) != 3 {
		return backend.ErrAccessDeniedError.WithResource("malformed Authorization header")
	}

	creds := strings.Split(strings.TrimPrefix(parts[0], "AWS4-HMAC-SHA256 Credential="), "/")
	if len(creds) != 5 {
		return backend.ErrAccessDeniedError.WithResource("malformed credential scope")
	}
	accessKey, date, region, svc := creds[0], creds[1], creds[2], creds[3]

	var secretKey string
	for _, cred := range p.cfg.Auth {
		if cred.AccessKeyID == accessKey {
			secretKey = cred.SecretAccessKey
		}
	}
	if secretKey == "" {
		return backend.ErrAccessDeniedError.WithResource("unknown access key")
	}

	signedHeaders := strings.TrimPrefix(parts[1], "SignedHeaders=")
	signature := strings.TrimPrefix(parts[2], "Signature=")

	canonicalURI := string(c.Request().URI().Path())
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	query := url.Values{}
	for k, v := range c.Queries() {
		query[k] = []string{v}
	}
	for key := range query {
		sort.Strings(query[key])
	}
	canonicalQueryString := strings.ReplaceAll(query.Encode(), "+", "%20")

	headers := strings.Split(signedHeaders, ";")
	sort.Strings(headers)
	canonicalHeaders := ""
	for _, header := range headers {
		value := c.Get(header)
		if header == "host" {
			value = c.Hostname()
		}
		canonicalHeaders += fmt.Sprintf("%s:%s\n", header, value)
	}

	// Streaming uploads sign a marker instead of the payload.
	payloadHash := c.Get("X-Amz-Content-SHA256")
	if payloadHash != "STREAMING-UNSIGNED-PAYLOAD-TRAILER" && payloadHash != "UNSIGNED-PAYLOAD" {
		payloadHash = auth.HashSHA256(string(c.Body()))
	}

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		c.Method(),
		canonicalURI,
		canonicalQueryString,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	)

	timestamp := c.Get("x-amz-date")
	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, region, svc)
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		timestamp, scope, auth.HashSHA256(canonicalRequest))

	expected := auth.HmacSHA256Hex(auth.SigningKey(secretKey, date, region, svc), stringToSign)
	if expected != signature {
		slog.Debug("signature mismatch", "access_key", accessKey)
		return backend.ErrAccessDeniedError.WithResource("signature mismatch")
	}

	return nil
}

// authorize applies SigV4 when credentials are configured. Reads on public
// buckets stay anonymous.
func (p *Proxy) authorize(c *fiber.Ctx, bucketPublic bool) error {
	if len(p.cfg.Auth) == 0 {
		return nil
	}
	read := c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead
	if bucketPublic && read {
		return nil
	}
	return p.sigV4Auth(c)
}
