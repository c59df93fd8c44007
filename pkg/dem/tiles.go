package dem

import "math"

// DefaultTileSize is the edge length, in nodes, of a TileIndex tile.
const DefaultTileSize = 16

// tile summarizes a block of nodes: its index range, the extent of the
// node centers it covers, and its highest sample.
type tile struct {
	p0, p1, q0, q1 int
	minX, maxX     float64
	minY, maxY     float64
	maxZ           float64
}

// TileIndex partitions a raster into square tiles so a hill scan can skip
// tiles that cannot hold a qualifying node higher than the best found so
// far. Scans through a TileIndex return exactly the same hill heights as
// ScanHillHeight.
type TileIndex struct {
	r     *Raster
	tiles []tile
}

// NewTileIndex builds the tile summaries for r; size <= 0 selects
// DefaultTileSize.
func NewTileIndex(r *Raster, size int) *TileIndex {
	if size <= 0 {
		size = DefaultTileSize
	}
	ti := &TileIndex{r: r}
	for q0 := 0; q0 < r.Height; q0 += size {
		q1 := min(q0+size, r.Height)
		for p0 := 0; p0 < r.Width; p0 += size {
			p1 := min(p0+size, r.Width)
			t := tile{p0: p0, p1: p1, q0: q0, q1: q1, maxZ: math.Inf(-1)}
			t.minX, t.minY = r.NodeCenter(p0, q0)
			t.maxX, t.maxY = r.NodeCenter(p1-1, q1-1)
			for q := q0; q < q1; q++ {
				for _, z := range r.Samples[q*r.Width+p0 : q*r.Width+p1] {
					if z > t.maxZ {
						t.maxZ = z
					}
				}
			}
			ti.tiles = append(ti.tiles, t)
		}
	}
	return ti
}

// Tiles returns the number of tiles.
func (ti *TileIndex) Tiles() int { return len(ti.tiles) }

// ScanHillHeight is the tile-pruned equivalent of the package-level
// ScanHillHeight.
func (ti *TileIndex) ScanHillHeight(rec *Receptor) {
	best := math.Inf(-1)
	e := rec.Elevation
	for i := range ti.tiles {
		t := &ti.tiles[i]
		if !(t.maxZ > best) {
			continue
		}
		// Shrink the distance bound slightly so rounding in the per-node
		// hypot can never make the pruned test stricter than the exact one.
		d := t.distanceTo(rec.X, rec.Y) * (1 - 1e-9)
		if !Qualifies(t.maxZ, e, d) {
			continue
		}
		scanRows(ti.r, rec, t.p0, t.p1, t.q0, t.q1, &best)
	}
}

// distanceTo returns the planar distance from (x, y) to the nearest point
// of the tile's node-center extent.
func (t *tile) distanceTo(x, y float64) float64 {
	dx := 0.0
	if x < t.minX {
		dx = t.minX - x
	} else if x > t.maxX {
		dx = x - t.maxX
	}
	dy := 0.0
	if y < t.minY {
		dy = t.minY - y
	} else if y > t.maxY {
		dy = y - t.maxY
	}
	return math.Hypot(dx, dy)
}
