package compute

import (
	"encoding/binary"
	"math"

	"terrainprep/pkg/dem"
)

// maxFloat16 is the largest finite binary16 value.
const maxFloat16 = 65504

// rasterTexels lays out the raster as a single-channel image, row q = 0
// first, in little-endian float32 or binary16 texels.
func rasterTexels(r *dem.Raster, half bool) []byte {
	size := 4
	if half {
		size = 2
	}
	buf := make([]byte, 0, size*r.Len())
	for q := 0; q < r.Height; q++ {
		for p := 0; p < r.Width; p++ {
			z := r.At(p, q)
			if half {
				buf = binary.LittleEndian.AppendUint16(buf, float16(z))
			} else {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(z)))
			}
		}
	}
	return buf
}

// float16 rounds an elevation to the nearest binary16 value, ties to even.
// Magnitudes past the binary16 range saturate at ±65504 so an extreme
// sample stays an elevation instead of becoming infinite.
func float16(v float64) uint16 {
	var sign uint16
	if math.Signbit(v) {
		sign = 0x8000
		v = -v
	}
	switch {
	case math.IsNaN(v):
		return 0x7e00
	case v >= maxFloat16:
		return sign | 0x7bff
	case v < 0x1p-14:
		// Subnormal, in units of 2^-24. Rounding up to 1024 yields the
		// smallest normal encoding.
		return sign | uint16(math.RoundToEven(v*0x1p24))
	}

	frac, exp := math.Frexp(v)
	e := exp - 1
	m := math.RoundToEven((2*frac - 1) * 1024)
	if m == 1024 {
		m = 0
		e++
	}
	if e > 15 {
		return sign | 0x7bff
	}
	return sign | uint16(e+15)<<10 | uint16(m)
}
