package compute

import (
	"encoding/binary"
	"math"
	"testing"

	"terrainprep/pkg/dem"
)

// expand decodes a binary16 value.
func expand(h uint16) float64 {
	sign := 1.0
	if h&0x8000 != 0 {
		sign = -1
	}
	e := int(h>>10) & 0x1f
	m := float64(h & 0x3ff)
	switch e {
	case 0:
		return sign * math.Ldexp(m, -24)
	case 0x1f:
		if m != 0 {
			return math.NaN()
		}
		return math.Inf(int(sign))
	}
	return sign * math.Ldexp(1024+m, e-25)
}

func TestFloat16(t *testing.T) {
	testCases := []struct {
		in   float64
		want uint16
	}{
		{0, 0x0000},
		{math.Copysign(0, -1), 0x8000},
		{1, 0x3c00},
		{-2, 0xc000},
		{0.5, 0x3800},
		{100, 0x5640},
		{412.375, 0x5e72}, // 1649.5 quarter meters, tie rounds to even
		{1 + 0x1p-11, 0x3c00}, // tie rounds to even
		{1 + 3*0x1p-11, 0x3c02},
		{2047.5, 0x6800},
		{65504, 0x7bff},
		{65520, 0x7bff},
		{math.Inf(1), 0x7bff},
		{math.Inf(-1), 0xfbff},
		{-1e9, 0xfbff},
		{0x1p-14, 0x0400},
		{0x1p-14 - 0x1p-25, 0x0400},
		{0x1p-24, 0x0001},
		{0x1p-25, 0x0000},
		{0x1p-30, 0x0000},
		{math.NaN(), 0x7e00},
	}
	for _, tc := range testCases {
		if got := float16(tc.in); got != tc.want {
			t.Errorf("float16(%g) = %#04x, want %#04x", tc.in, got, tc.want)
		}
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	for h := uint16(0); h < 0x7c00; h++ {
		for _, s := range []uint16{0, 0x8000} {
			if got := float16(expand(s | h)); got != s|h {
				t.Fatalf("%#04x decoded to %g and encoded as %#04x", s|h, expand(s|h), got)
			}
		}
	}
}

func TestFloat16Error(t *testing.T) {
	// Normal elevations keep 11 significant bits.
	for _, z := range []float64{-412.5, 0.1, 3.3, 1234.567, 8848.86, 60000} {
		got := expand(float16(z))
		if math.Abs(got-z) > math.Abs(z)*0x1p-11 {
			t.Errorf("float16(%g) decodes to %g", z, got)
		}
	}
}

func TestRasterTexels(t *testing.T) {
	r, err := dem.FromRows([][]float64{
		{0, 1},
		{100.25, -2},
		{70000, 5},
	}, 0, 0, 10, 10)
	if err != nil {
		t.Fatal(err)
	}

	full := rasterTexels(r, false)
	if len(full) != 4*6 {
		t.Fatalf("float32 texels: %d bytes", len(full))
	}
	for i, want := range []float32{0, 1, 100.25, -2, 70000, 5} {
		if got := math.Float32frombits(binary.LittleEndian.Uint32(full[4*i:])); got != want {
			t.Errorf("float32 texel %d = %g, want %g", i, got, want)
		}
	}

	half := rasterTexels(r, true)
	if len(half) != 2*6 {
		t.Fatalf("half texels: %d bytes", len(half))
	}
	for i, want := range []uint16{0x0000, 0x3c00, 0x5644, 0xc000, 0x7bff, 0x4500} {
		if got := binary.LittleEndian.Uint16(half[2*i:]); got != want {
			t.Errorf("half texel %d = %#04x, want %#04x", i, got, want)
		}
	}
}
