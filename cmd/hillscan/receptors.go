package main

import (
	"fmt"

	"terrainprep/pkg/dem"
)

type gridOffset struct {
	dx int
	dy int
}

// ringOffsets returns the node offsets whose distance from the origin
// rounds to radius.
func ringOffsets(radius int) []gridOffset {
	if radius <= 0 {
		return []gridOffset{{}}
	}
	var ring []gridOffset
	// Compare squared distances scaled by 4 to stay in integers.
	inner := (2*radius - 1) * (2*radius - 1)
	outer := (2*radius + 1) * (2*radius + 1)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			d2 := 4 * (x*x + y*y)
			if d2 >= inner && d2 < outer {
				ring = append(ring, gridOffset{dx: x, dy: y})
			}
		}
	}
	return ring
}

// layoutReceptors places receptors at node centers of r, either on a
// regular grid every step nodes or on concentric rings around the raster
// center spaced step nodes apart.
func layoutReceptors(r *dem.Raster, layout string, step int) ([]dem.Receptor, error) {
	if step < 1 {
		return nil, fmt.Errorf("receptor spacing %d must be positive", step)
	}
	var points [][2]float64
	add := func(p, q int) {
		x, y := r.NodeCenter(p, q)
		points = append(points, [2]float64{x, y})
	}

	switch layout {
	case "grid":
		for q := step / 2; q < r.Height; q += step {
			for p := step / 2; p < r.Width; p += step {
				add(p, q)
			}
		}
	case "rings":
		cp, cq := r.Width/2, r.Height/2
		add(cp, cq)
		for radius := step; radius <= max(r.Width, r.Height)/2; radius += step {
			for _, o := range ringOffsets(radius) {
				p, q := cp+o.dx, cq+o.dy
				if p >= 0 && p < r.Width && q >= 0 && q < r.Height {
					add(p, q)
				}
			}
		}
	default:
		return nil, fmt.Errorf("%s: unknown receptor layout", layout)
	}
	return dem.NewReceptors(points), nil
}
