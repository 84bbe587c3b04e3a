package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mulgadc/ringproxy/backend"
)

// ErrRangeComplete signals that a fast-forward consumed exactly the bytes
// remaining in the range: there is nothing left to fetch. It is a control
// signal, not a failure to surface to the client.
var ErrRangeComplete = errors.New("range already consumed")

// RangeKind tags the byte-range state machine. Modeling the four cases
// explicitly keeps the fast-forward arithmetic exhaustive instead of
// re-parsing header strings at every step.
type RangeKind int

const (
	// RangeAbsent: the request carried no Range header.
	RangeAbsent RangeKind = iota
	// RangeBounded: bytes=a-b.
	RangeBounded
	// RangeFrom: bytes=a- (open ended).
	RangeFrom
	// RangeSuffix: bytes=-k (last k bytes).
	RangeSuffix
)

// ByteRange tracks the byte window still owed to the client as backend
// attempts come and go.
type ByteRange struct {
	Kind  RangeKind
	Start int64 // first byte, Bounded and From
	End   int64 // last byte inclusive, Bounded only
	// SuffixLen is the remaining tail length for Suffix ranges.
	SuffixLen int64
}

// ParseRange parses a single-range Range header value. An empty value
// yields an absent range; multi-range requests are not handled here.
func ParseRange(value string) (ByteRange, error) {
	if value == "" {
		return ByteRange{Kind: RangeAbsent}, nil
	}

	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return ByteRange{}, backend.ErrInvalidRangeError.WithResource(value)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(last, ",") {
		return ByteRange{}, backend.ErrInvalidRangeError.WithResource(value)
	}

	if first == "" {
		k, err := strconv.ParseInt(last, 10, 64)
		if err != nil || k <= 0 {
			return ByteRange{}, backend.ErrInvalidRangeError.WithResource(value)
		}
		return ByteRange{Kind: RangeSuffix, SuffixLen: k}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, backend.ErrInvalidRangeError.WithResource(value)
	}
	if last == "" {
		return ByteRange{Kind: RangeFrom, Start: start}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, backend.ErrInvalidRangeError.WithResource(value)
	}
	return ByteRange{Kind: RangeBounded, Start: start, End: end}, nil
}

// String renders the range as a Range header value; "" when absent.
func (r ByteRange) String() string {
	switch r.Kind {
	case RangeBounded:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	case RangeFrom:
		return fmt.Sprintf("bytes=%d-", r.Start)
	case RangeSuffix:
		return fmt.Sprintf("bytes=-%d", r.SuffixLen)
	default:
		return ""
	}
}

// FastForward advances the range past n bytes already delivered to the
// client, so a retry against another node resumes at the exact byte the
// stream stopped at. Consuming exactly the remaining window returns
// ErrRangeComplete; overshooting returns a 416-class error.
func (r *ByteRange) FastForward(n int64) error {
	if n < 0 {
		return backend.ErrInvalidRangeError.WithResource(fmt.Sprintf("fast forward %d", n))
	}

	switch r.Kind {
	case RangeAbsent:
		r.Kind = RangeFrom
		r.Start = n
		return nil

	case RangeBounded:
		remaining := r.End - r.Start + 1
		if n == remaining {
			return ErrRangeComplete
		}
		if n > remaining {
			return backend.ErrRangeNotSatisfiableError.WithResource(
				fmt.Sprintf("fast forward %d past %s", n, r.String()))
		}
		r.Start += n
		return nil

	case RangeFrom:
		r.Start += n
		return nil

	case RangeSuffix:
		if n == r.SuffixLen {
			return ErrRangeComplete
		}
		if n > r.SuffixLen {
			return backend.ErrRangeNotSatisfiableError.WithResource(
				fmt.Sprintf("fast forward %d past %s", n, r.String()))
		}
		r.SuffixLen -= n
		return nil
	}
	return backend.ErrInternalError
}

// LearnSize pins the range to the explicit window a backend reported via
// Content-Range once the real object length is known. A suffix request
// becomes the explicit total-k..total-1 window, so a later FastForward
// retry carries a correctly bounded byte range.
func (r *ByteRange) LearnSize(start, end, total int64) {
	if total <= 0 || start < 0 || end < start {
		return
	}
	*r = ByteRange{Kind: RangeBounded, Start: start, End: end}
}

// BytesToSkip computes how many bytes of a record must be discarded to
// align a resumed read at startPos to the next record boundary.
func BytesToSkip(recordSize, startPos int64) int64 {
	return (recordSize - (startPos % recordSize)) % recordSize
}
