// Package encoding packs field samples for the observer stream.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// Wire names of the field frame encodings.
const (
	F32LE  = "F32LE_B64"
	Q16RLE = "Q16RLE_B64"
)

// maxLevel is the top quantization level; lo maps to 0 and hi to maxLevel.
const maxLevel = math.MaxUint16

// EncodeRLE encodes levels as base64 of uvarint (level, run) pairs.
func EncodeRLE(levels []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(levels); {
		v := levels[i]
		run := 1
		for j := i + 1; j < len(levels) && levels[j] == v; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. limit caps the decoded length; 0 means no cap.
func DecodeRLE(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64")
	}
	var out []uint16
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, errors.Newf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, errors.Newf("bad varint at %d", i)
		}
		i += n
		if v > maxLevel {
			return nil, errors.Newf("level too large: %d", v)
		}
		if run == 0 {
			return nil, errors.Newf("empty run at %d", i)
		}
		if limit > 0 && uint64(len(out))+run > uint64(limit) {
			return nil, errors.Newf("runs exceed %d values", limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(v))
		}
	}
	return out, nil
}

// Bounds returns the smallest and largest finite value. Empty input gives 0, 0.
func Bounds(vals []float64) (lo, hi float64) {
	first := true
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if first {
			lo, hi, first = v, v, false
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Quantize maps vals onto [0, 65535] across [lo, hi]. Values outside the range
// clamp. A flat range maps everything to 0.
func Quantize(vals []float64, lo, hi float64) []uint16 {
	out := make([]uint16, len(vals))
	span := hi - lo
	if span <= 0 {
		return out
	}
	for i, v := range vals {
		q := math.Round((v - lo) / span * maxLevel)
		switch {
		case !(q > 0):
			out[i] = 0
		case q >= maxLevel:
			out[i] = maxLevel
		default:
			out[i] = uint16(q)
		}
	}
	return out
}

// Dequantize is the inverse of Quantize, exact to within (hi-lo)/131070.
func Dequantize(levels []uint16, lo, hi float64) []float64 {
	out := make([]float64, len(levels))
	span := hi - lo
	for i, q := range levels {
		if span <= 0 {
			out[i] = lo
			continue
		}
		out[i] = lo + float64(q)/maxLevel*span
	}
	return out
}

// EncodeQ16RLE quantizes vals across their own bounds and run-length encodes
// the levels. Mostly-flat fields shrink to a few bytes.
func EncodeQ16RLE(vals []float64) (lo, hi float64, data string) {
	lo, hi = Bounds(vals)
	return lo, hi, EncodeRLE(Quantize(vals, lo, hi))
}

// DecodeQ16RLE decodes n values written by EncodeQ16RLE.
func DecodeQ16RLE(data string, lo, hi float64, n int) ([]float64, error) {
	levels, err := DecodeRLE(data, n)
	if err != nil {
		return nil, err
	}
	if len(levels) != n {
		return nil, errors.Newf("decoded %d values, want %d", len(levels), n)
	}
	return Dequantize(levels, lo, hi), nil
}
