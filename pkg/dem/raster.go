// Package dem holds the digital elevation raster and receptor records
// consumed by the terrain preprocessing kernels, together with the
// per-receptor kernel bodies shared by every host-side compute device.
package dem

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidRaster = errors.New("invalid elevation raster")

// Raster is a regular grid of elevation samples. Samples are stored
// row-major: node (p, q) lives at Samples[q*Width+p], with p running along
// x and q along y. A Raster is never mutated by the kernels.
type Raster struct {
	Width, Height    int
	OriginX, OriginY float64
	// ResX and ResY are the real-world size of one cell.
	ResX, ResY float64
	Samples    []float64
}

// New validates the arguments and returns a Raster that shares samples.
func New(width, height int, originX, originY, resX, resY float64, samples []float64) (*Raster, error) {
	r := &Raster{
		Width:   width,
		Height:  height,
		OriginX: originX,
		OriginY: originY,
		ResX:    resX,
		ResY:    resY,
		Samples: samples,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromRows builds a Raster from rows of samples, rows[q][p].
func FromRows(rows [][]float64, originX, originY, resX, resY float64) (*Raster, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidRaster)
	}
	width := len(rows[0])
	samples := make([]float64, 0, width*len(rows))
	for q, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d samples, expected %d", ErrInvalidRaster, q, len(row), width)
		}
		samples = append(samples, row...)
	}
	return New(width, len(rows), originX, originY, resX, resY, samples)
}

func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be positive", ErrInvalidRaster, r.Width, r.Height)
	}
	if !(r.ResX > 0) || !(r.ResY > 0) || math.IsInf(r.ResX, 0) || math.IsInf(r.ResY, 0) {
		return fmt.Errorf("%w: resolution (%g, %g) must be positive and finite", ErrInvalidRaster, r.ResX, r.ResY)
	}
	if math.IsNaN(r.OriginX) || math.IsNaN(r.OriginY) {
		return fmt.Errorf("%w: origin is NaN", ErrInvalidRaster)
	}
	if len(r.Samples) != r.Width*r.Height {
		return fmt.Errorf("%w: %d samples for a %dx%d grid", ErrInvalidRaster, len(r.Samples), r.Width, r.Height)
	}
	return nil
}

// Len returns the node count.
func (r *Raster) Len() int { return r.Width * r.Height }

// At returns the sample at node (p, q), clamping the indices to the grid.
func (r *Raster) At(p, q int) float64 {
	p = clampIndex(p, 0, r.Width-1)
	q = clampIndex(q, 0, r.Height-1)
	return r.Samples[q*r.Width+p]
}

// ToRasterSpace converts a real-world coordinate to fractional node
// coordinates, clamped to [0, Width-1] x [0, Height-1].
func (r *Raster) ToRasterSpace(x, y float64) (u, v float64) {
	u = clampCoord((x-r.OriginX)/r.ResX, float64(r.Width-1))
	v = clampCoord((y-r.OriginY)/r.ResY, float64(r.Height-1))
	return u, v
}

// NodeCenter returns the real-world center of node (p, q).
func (r *Raster) NodeCenter(p, q int) (x, y float64) {
	return r.OriginX + (float64(p)+0.5)*r.ResX, r.OriginY + (float64(q)+0.5)*r.ResY
}

// Bilinear interpolates the raster at a real-world coordinate. Points
// outside the raster take the value of the nearest edge.
func (r *Raster) Bilinear(x, y float64) float64 {
	u, v := r.ToRasterSpace(x, y)
	p0, q0 := int(math.Floor(u)), int(math.Floor(v))
	tx, ty := u-float64(p0), v-float64(q0)

	a := r.At(p0, q0)
	b := r.At(p0+1, q0)
	c := r.At(p0, q0+1)
	d := r.At(p0+1, q0+1)

	top := lerp(a, b, tx)
	bottom := lerp(c, d, tx)
	return lerp(top, bottom, ty)
}

// lerp is written as a + t*(b-a) so that equal endpoints reproduce the
// endpoint exactly.
func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

// clampIndex constrains v to lie within the inclusive [min, max] range.
func clampIndex(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// clampCoord constrains v to [0, max]; NaN maps to 0.
func clampCoord(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
