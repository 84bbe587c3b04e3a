package backend

import "net/http"

// Source is the read surface of one backend object-server response: the
// status, the response headers and the body stream. The streaming getter
// consumes Sources and replaces a failed one mid-stream.
type Source interface {
	// Status is the backend's HTTP-like status code.
	Status() int

	// Header returns a single response header value, "" when absent.
	Header(name string) string

	// Headers returns all response headers.
	Headers() http.Header

	// Read fills p with body bytes. May return a timeout or transport
	// error mid-stream; such errors are recoverable per-node failures.
	Read(p []byte) (int, error)

	// Close releases the underlying stream.
	Close() error
}
