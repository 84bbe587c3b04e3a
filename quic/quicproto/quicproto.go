package quicproto

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	Version1 uint8 = 1

	MethodGET    uint8 = 1
	MethodPUT    uint8 = 2
	MethodDELETE uint8 = 3
	MethodSTATUS uint8 = 4

	StatusOK             uint16 = 200
	StatusPartialContent uint16 = 206
	StatusNoContent      uint16 = 204
	StatusCreated        uint16 = 201
	StatusBadRequest     uint16 = 400
	StatusNotFound       uint16 = 404
	StatusRangeError     uint16 = 416
	StatusServerError    uint16 = 500
	StatusUnavailable    uint16 = 503
)

var (
	ErrBadVersion  = errors.New("bad protocol version")
	ErrFieldTooBig = errors.New("field too large")
)

// Header is the fixed 32-byte frame prefix on every request and response.
// Meta is a JSON blob (object coordinates, forwarded headers); the body, if
// any, follows it on the stream.
type Header struct {
	Version uint8
	Method  uint8
	Status  uint16 // 0 on requests
	Flags   uint16

	ReqID uint64

	MetaLen uint32
	BodyLen uint64 // 0 means no body
}

const headerSize = 32

func WriteHeader(w io.Writer, h Header) error {
	var b [headerSize]byte
	b[0] = h.Version
	b[1] = h.Method
	binary.BigEndian.PutUint16(b[2:4], h.Status)
	binary.BigEndian.PutUint16(b[4:6], h.Flags)

	binary.BigEndian.PutUint64(b[8:16], h.ReqID)
	binary.BigEndian.PutUint32(b[16:20], h.MetaLen)
	binary.BigEndian.PutUint64(b[24:32], h.BodyLen)
	_, err := w.Write(b[:])
	return err
}

func ReadHeader(r io.Reader) (Header, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Version: b[0],
		Method:  b[1],
		Status:  binary.BigEndian.Uint16(b[2:4]),
		Flags:   binary.BigEndian.Uint16(b[4:6]),
		ReqID:   binary.BigEndian.Uint64(b[8:16]),
		MetaLen: binary.BigEndian.Uint32(b[16:20]),
		BodyLen: binary.BigEndian.Uint64(b[24:32]),
	}
	if h.Version != Version1 {
		return Header{}, ErrBadVersion
	}
	return h, nil
}

// MetaLen clamps an encoded meta blob's length into the header field; a
// negative or oversized count saturates instead of wrapping.
func MetaLen(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// BodyLen clamps a body byte count into the header field.
func BodyLen(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// BodySize converts a header body length into a reader limit, capped at the
// largest representable size.
func BodySize(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// ReadMeta reads the JSON meta blob, bounding the allocation.
func ReadMeta(r io.Reader, n uint32, limit uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > limit {
		return nil, ErrFieldTooBig
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// GetMeta asks a node for an object, optionally a byte range of it.
type GetMeta struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`

	// Range is the Range header value to honor, "" for the full object.
	Range string `json:"range,omitempty"`

	// Fragment selects one erasure-coded fragment instead of a replica.
	Fragment int `json:"fragment,omitempty"`
}

// GetResult describes the object stream that follows the response header.
type GetResult struct {
	Size         int64  `json:"size"`          // bytes on the wire
	TotalSize    int64  `json:"total_size"`    // full object length
	ContentRange string `json:"content_range,omitempty"`
	ETag         string `json:"etag"`
	ModTime      int64  `json:"mod_time"`
}

// PutMeta stores a replica or fragment on a node.
type PutMeta struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`

	// Size is the byte count on the wire; for a fragment that is the
	// fragment length, while TotalSize carries the original object length.
	Size      int64 `json:"size"`
	TotalSize int64 `json:"total_size,omitempty"`
	Fragment  int   `json:"fragment,omitempty"`
}

// PutResult acknowledges a stored object.
type PutResult struct {
	Size int64  `json:"size"`
	ETag string `json:"etag"`
}

// DeleteMeta removes an object from a node.
type DeleteMeta struct {
	Bucket   string `json:"bucket"`
	Object   string `json:"object"`
	Fragment int    `json:"fragment,omitempty"`
}

// ErrorResult carries a failure reason on non-2xx responses.
type ErrorResult struct {
	Error string `json:"error"`
}
