// Package ec erasure-codes object payloads into Reed-Solomon fragments
// so a bucket can trade replica count for storage overhead.
package ec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/mulgadc/ringproxy/backend"
)

// Codec splits payloads into data+parity fragments and rebuilds them.
// A Codec is safe for concurrent use.
type Codec struct {
	data   int
	parity int
	enc    reedsolomon.Encoder
}

func New(data, parity int) (*Codec, error) {
	if data < 1 || parity < 1 {
		return nil, fmt.Errorf("ec: need at least 1 data and 1 parity shard, got %d+%d", data, parity)
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("ec: %w", err)
	}
	return &Codec{data: data, parity: parity, enc: enc}, nil
}

func (c *Codec) DataShards() int   { return c.data }
func (c *Codec) ParityShards() int { return c.parity }

// TotalShards is the fragment count stored per object.
func (c *Codec) TotalShards() int { return c.data + c.parity }

// FragmentSize is the per-fragment byte count for an object of the given
// size. Every fragment is the same length; the last data fragment is
// zero-padded.
func (c *Codec) FragmentSize(objectSize int64) int64 {
	ds := int64(c.data)
	return (objectSize + ds - 1) / ds
}

// Encode splits payload into data fragments and computes parity.
// The returned slice holds data shards first, then parity.
func (c *Codec) Encode(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, backend.ErrBadRequestError.WithResource("empty payload")
	}
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("ec split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("ec encode: %w", err)
	}
	return shards, nil
}

// Decode rebuilds the original payload from any c.data surviving
// fragments. Missing fragments are nil entries; size trims the padding
// added by Encode.
func (c *Codec) Decode(shards [][]byte, size int64) ([]byte, error) {
	if len(shards) != c.TotalShards() {
		return nil, fmt.Errorf("ec decode: want %d shards, got %d", c.TotalShards(), len(shards))
	}

	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < c.data {
		return nil, backend.ErrUnavailableError.WithResource(
			fmt.Sprintf("%d of %d fragments available, need %d", present, c.TotalShards(), c.data))
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("ec reconstruct: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(int(size))
	if err := c.enc.Join(&buf, shards, int(size)); err != nil {
		return nil, fmt.Errorf("ec join: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify reports whether the parity fragments match the data fragments.
func (c *Codec) Verify(shards [][]byte) (bool, error) {
	ok, err := c.enc.Verify(shards)
	if err != nil {
		return false, fmt.Errorf("ec verify: %w", err)
	}
	return ok, nil
}
