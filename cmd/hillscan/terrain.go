package main

import (
	"math"
	"math/rand"
	"time"

	"terrainprep/pkg/dem"
)

// terrainGen builds synthetic DEMs: a gently tilted plain crossed by
// straight ridges whose height falls off with distance from the crest.
type terrainGen struct {
	width, height int
	res           float64
	rand          *rand.Rand

	// Ridges stay clear of this node so the raster center is a valley
	// floor, which keeps a handful of receptors with zero relief.
	clearP, clearQ int
}

func newTerrainGen(width, height int, res float64, seed int64) *terrainGen {
	if seed == 0 {
		seed = time.Now().UnixNano() + 1
	}
	return &terrainGen{
		width:  width,
		height: height,
		res:    res,
		rand:   rand.New(rand.NewSource(seed)),
		clearP: width / 2,
		clearQ: height / 2,
	}
}

// generate procedurally raises ridge segments on top of the base plain.
func (g *terrainGen) generate() (*dem.Raster, error) {
	samples := make([]float64, g.width*g.height)
	for q := 0; q < g.height; q++ {
		for p := 0; p < g.width; p++ {
			samples[q*g.width+p] = baseElevation + baseSlope*g.res*float64(p+q)
		}
	}

	for s := 0; s < ridgeSegments; s++ {
		lengthRange := ridgeMaxLen - ridgeMinLen + 1
		if lengthRange <= 0 {
			lengthRange = 1
		}
		length := ridgeMinLen + g.rand.Intn(lengthRange)
		crest := ridgeMinHeight + g.rand.Float64()*(ridgeMaxHeight-ridgeMinHeight)
		angle := g.rand.Float64() * math.Pi
		dx, dy := math.Cos(angle), math.Sin(angle)
		x := float64(g.rand.Intn(max(g.width-4, 1)) + 2)
		y := float64(g.rand.Intn(max(g.height-4, 1)) + 2)
		for l := 0; l < length; l++ {
			cx, cy := int(math.Round(x)), int(math.Round(y))
			if cx < 0 || cx >= g.width || cy < 0 || cy >= g.height {
				break
			}
			g.raise(samples, cx, cy, crest)
			x += dx
			y += dy
		}
	}

	return dem.New(g.width, g.height, defaultOriginX, defaultOriginY, g.res, g.res, samples)
}

// raise lifts the neighborhood of a crest node, keeping the higher of the
// existing and new surface.
func (g *terrainGen) raise(samples []float64, cx, cy int, crest float64) {
	for oy := -ridgeHalfWidthCells; oy <= ridgeHalfWidthCells; oy++ {
		for ox := -ridgeHalfWidthCells; ox <= ridgeHalfWidthCells; ox++ {
			p, q := cx+ox, cy+oy
			if p < 0 || p >= g.width || q < 0 || q >= g.height {
				continue
			}
			ddx, ddy := float64(p-g.clearP), float64(q-g.clearQ)
			if ddx*ddx+ddy*ddy < ridgeExclusionCells*ridgeExclusionCells {
				continue
			}
			d := math.Hypot(float64(ox), float64(oy)) / ridgeHalfWidthCells
			if d > 1 {
				continue
			}
			idx := q*g.width + p
			base := baseElevation + baseSlope*g.res*float64(p+q)
			if z := base + crest*(1-d*d); z > samples[idx] {
				samples[idx] = z
			}
		}
	}
}
