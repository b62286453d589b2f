package encoding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRLE_RoundTrip(t *testing.T) {
	in := []uint16{1, 1, 1, 2, 2, 3}
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 65535, 65535)

	out, err := DecodeRLE(EncodeRLE(in), 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRLE_RejectsBadInput(t *testing.T) {
	_, err := DecodeRLE("!!", 0)
	assert.Error(t, err)

	_, err = DecodeRLE(EncodeRLE([]uint16{4, 4, 4, 4}), 3)
	assert.ErrorContains(t, err, "exceed 3")
}

func TestQ16RLE_SparseField(t *testing.T) {
	vals := make([]float64, 64*64)
	vals[100] = 4
	vals[101] = 1.5
	vals[4000] = -0.25

	lo, hi, data := EncodeQ16RLE(vals)
	assert.Equal(t, -0.25, lo)
	assert.Equal(t, 4.0, hi)
	assert.Less(t, len(data), 64, "flat runs collapse")

	got, err := DecodeQ16RLE(data, lo, hi, len(vals))
	require.NoError(t, err)
	step := (hi - lo) / math.MaxUint16
	for i := range vals {
		assert.InDelta(t, vals[i], got[i], step, "cell %d", i)
	}

	_, err = DecodeQ16RLE(data, lo, hi, len(vals)+1)
	assert.Error(t, err)
}

func TestQuantize_FlatAndClamped(t *testing.T) {
	assert.Equal(t, []uint16{0, 0}, Quantize([]float64{2, 2}, 2, 2))
	assert.Equal(t, []uint16{0, 65535}, Quantize([]float64{-5, 9}, 0, 1))
	assert.Equal(t, []float64{2, 2}, Dequantize([]uint16{0, 9}, 2, 2))

	lo, hi := Bounds([]float64{math.NaN(), 3, math.Inf(1), -1})
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 3.0, hi)
}
