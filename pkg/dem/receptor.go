package dem

import "math"

// GradeThreshold is the minimum rise over planar distance for a terrain
// node to count toward a receptor's critical hill height.
const GradeThreshold = 0.1

// Receptor is a point at which terrain-derived values are evaluated. X and
// Y are inputs; Elevation and HillHeight are filled in by a run.
type Receptor struct {
	X, Y       float64
	Elevation  float64
	HillHeight float64
}

// NewReceptors allocates receptors at the given real-world positions.
func NewReceptors(points [][2]float64) []Receptor {
	recs := make([]Receptor, len(points))
	for i, pt := range points {
		recs[i] = Receptor{X: pt[0], Y: pt[1]}
	}
	return recs
}

// Qualifies reports whether a node of elevation z at planar distance dist
// rises steeply enough above a receptor at elevation e.
func Qualifies(z, e, dist float64) bool {
	return z-e >= GradeThreshold*dist
}

// SeedElevation interpolates the ground elevation under rec and writes it
// to both output fields.
func SeedElevation(r *Raster, rec *Receptor) {
	z := r.Bilinear(rec.X, rec.Y)
	rec.Elevation = z
	rec.HillHeight = z
}

// ScanHillHeight visits every raster node and raises rec.HillHeight to the
// highest qualifying node. rec.Elevation must already be seeded. Each
// improvement is written through immediately so an interrupted scan keeps
// the best value found so far.
func ScanHillHeight(r *Raster, rec *Receptor) {
	best := math.Inf(-1)
	scanRows(r, rec, 0, r.Width, 0, r.Height, &best)
}

// scanRows scans nodes [p0, p1) x [q0, q1).
func scanRows(r *Raster, rec *Receptor, p0, p1, q0, q1 int, best *float64) {
	e := rec.Elevation
	for q := q0; q < q1; q++ {
		ny := r.OriginY + (float64(q)+0.5)*r.ResY
		dy := ny - rec.Y
		row := r.Samples[q*r.Width : (q+1)*r.Width]
		for p := p0; p < p1; p++ {
			z := row[p]
			// Only a strictly higher node can change the result.
			if !(z > *best) {
				continue
			}
			nx := r.OriginX + (float64(p)+0.5)*r.ResX
			if Qualifies(z, e, math.Hypot(nx-rec.X, dy)) {
				*best = z
				rec.HillHeight = z
			}
		}
	}
}
