package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulgadc/ringproxy/backend"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in   string
		want ByteRange
	}{
		{"", ByteRange{Kind: RangeAbsent}},
		{"bytes=0-511", ByteRange{Kind: RangeBounded, Start: 0, End: 511}},
		{"bytes=23-50", ByteRange{Kind: RangeBounded, Start: 23, End: 50}},
		{"bytes=100-", ByteRange{Kind: RangeFrom, Start: 100}},
		{"bytes=-50", ByteRange{Kind: RangeSuffix, SuffixLen: 50}},
		{"bytes=7-7", ByteRange{Kind: RangeBounded, Start: 7, End: 7}},
	}
	for _, tc := range tests {
		got, err := ParseRange(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRangeInvalid(t *testing.T) {
	for _, in := range []string{"bytes=5-3", "bytes=a-b", "bytes=-0", "items=0-5", "bytes=1-3,7-9", "bytes=-"} {
		_, err := ParseRange(in)
		assert.Error(t, err, in)
		assert.True(t, errors.Is(err, backend.ErrInvalidRangeError), in)
	}
}

func TestRangeString(t *testing.T) {
	assert.Equal(t, "", ByteRange{Kind: RangeAbsent}.String())
	assert.Equal(t, "bytes=23-50", ByteRange{Kind: RangeBounded, Start: 23, End: 50}.String())
	assert.Equal(t, "bytes=9-", ByteRange{Kind: RangeFrom, Start: 9}.String())
	assert.Equal(t, "bytes=-12", ByteRange{Kind: RangeSuffix, SuffixLen: 12}.String())
}

func TestFastForwardAbsent(t *testing.T) {
	r := ByteRange{Kind: RangeAbsent}
	require.NoError(t, r.FastForward(1024))
	assert.Equal(t, "bytes=1024-", r.String())
}

func TestFastForwardBounded(t *testing.T) {
	r, err := ParseRange("bytes=23-50")
	require.NoError(t, err)

	require.NoError(t, r.FastForward(20))
	assert.Equal(t, "bytes=43-50", r.String())

	// More than remains: unsatisfiable.
	overshoot := r
	err = overshoot.FastForward(80)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrRangeNotSatisfiableError))

	// Exactly what remains: complete, not an error to surface.
	err = r.FastForward(8)
	assert.ErrorIs(t, err, ErrRangeComplete)
}

func TestFastForwardFrom(t *testing.T) {
	r, err := ParseRange("bytes=100-")
	require.NoError(t, err)

	require.NoError(t, r.FastForward(50))
	assert.Equal(t, "bytes=150-", r.String())
	require.NoError(t, r.FastForward(0))
	assert.Equal(t, "bytes=150-", r.String())
}

func TestFastForwardSuffix(t *testing.T) {
	r, err := ParseRange("bytes=-50")
	require.NoError(t, err)

	require.NoError(t, r.FastForward(20))
	assert.Equal(t, "bytes=-30", r.String())

	overshoot := r
	assert.True(t, errors.Is(overshoot.FastForward(31), backend.ErrRangeNotSatisfiableError))
	assert.ErrorIs(t, r.FastForward(30), ErrRangeComplete)
}

func TestFastForwardSingleByte(t *testing.T) {
	r, err := ParseRange("bytes=7-7")
	require.NoError(t, err)
	assert.ErrorIs(t, r.FastForward(1), ErrRangeComplete)
}

func TestFastForwardNegative(t *testing.T) {
	r := ByteRange{Kind: RangeFrom, Start: 10}
	assert.Error(t, r.FastForward(-1))
}

// Incremental fast-forwards compose to the same state as a single jump.
func TestFastForwardIdempotentInEffect(t *testing.T) {
	once, err := ParseRange("bytes=0-999")
	require.NoError(t, err)
	require.NoError(t, once.FastForward(600))

	steps, err := ParseRange("bytes=0-999")
	require.NoError(t, err)
	for _, n := range []int64{100, 250, 250} {
		require.NoError(t, steps.FastForward(n))
	}
	assert.Equal(t, once, steps)
}

func TestLearnSize(t *testing.T) {
	r, err := ParseRange("bytes=-50")
	require.NoError(t, err)

	// Suffix pinned to the explicit window the backend reported.
	r.LearnSize(950, 999, 1000)
	assert.Equal(t, "bytes=950-999", r.String())

	// Zero-length objects teach nothing.
	r2, _ := ParseRange("bytes=-50")
	r2.LearnSize(0, 0, 0)
	assert.Equal(t, RangeSuffix, r2.Kind)
}

func TestBytesToSkip(t *testing.T) {
	assert.Equal(t, int64(0), BytesToSkip(1024, 0))
	assert.Equal(t, int64(0), BytesToSkip(1024, 2048))
	assert.Equal(t, int64(1024-100), BytesToSkip(1024, 100))
	assert.Equal(t, int64(1), BytesToSkip(2, 4095))
	assert.Equal(t, int64(0), BytesToSkip(1, 12345))
}
