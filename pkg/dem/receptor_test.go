package dem

import (
	"math"
	"math/rand"
	"testing"
)

func runBoth(r *Raster, recs []Receptor, scan func(*Receptor)) {
	for i := range recs {
		SeedElevation(r, &recs[i])
		scan(&recs[i])
	}
}

func TestQualifies(t *testing.T) {
	testCases := []struct {
		z, e, dist float64
		want       bool
	}{
		{100, 0, 15.811, true},
		{1, 0, 10, true}, // exactly 10% grade
		{0.99, 0, 10, false},
		{5, 5, 0, true},
		{5, 5, 1, false},
		{4, 5, 0, false},
		{math.NaN(), 0, 0, false},
	}
	for _, tc := range testCases {
		if got := Qualifies(tc.z, tc.e, tc.dist); got != tc.want {
			t.Errorf("Qualifies(%g, %g, %g) = %v, want %v", tc.z, tc.e, tc.dist, got, tc.want)
		}
	}
}

func TestScanHillHeightSingleRidgeNode(t *testing.T) {
	r := mustRows(t, [][]float64{
		{0, 0, 0},
		{0, 0, 0},
		{0, 100, 0},
	}, 0, 0, 10, 10)

	rec := Receptor{X: 10, Y: 10}
	SeedElevation(r, &rec)
	if rec.Elevation != 0 || rec.HillHeight != 0 {
		t.Fatalf("seed = (%g, %g), want (0, 0)", rec.Elevation, rec.HillHeight)
	}
	ScanHillHeight(r, &rec)
	if rec.HillHeight != 100 {
		t.Errorf("HillHeight = %g, want 100", rec.HillHeight)
	}
}

func TestScanHillHeightFlatTerrain(t *testing.T) {
	rows := [][]float64{{50, 50, 50, 50}, {50, 50, 50, 50}, {50, 50, 50, 50}}
	r := mustRows(t, rows, 0, 0, 25, 25)
	recs := NewReceptors([][2]float64{{0, 0}, {12.5, 12.5}, {37.5, 20}, {-100, 400}, {75, 50}})
	runBoth(r, recs, func(rec *Receptor) { ScanHillHeight(r, rec) })
	for i, rec := range recs {
		if rec.Elevation != 50 || rec.HillHeight != 50 {
			t.Errorf("receptor %d: (%g, %g), want (50, 50)", i, rec.Elevation, rec.HillHeight)
		}
	}
}

func TestScanHillHeightRespectsGrade(t *testing.T) {
	// A single 10 m bump 200 m away is a 5% grade and must not qualify;
	// a 30 m bump at the same distance is 15% and must.
	rows := make([][]float64, 1)
	rows[0] = make([]float64, 41)
	r := mustRows(t, rows, 0, 0, 10, 10)
	rec := Receptor{X: 5, Y: 5}

	r.Samples[20] = 10
	SeedElevation(r, &rec)
	ScanHillHeight(r, &rec)
	if rec.HillHeight != 0 {
		t.Errorf("5%% grade qualified: HillHeight = %g", rec.HillHeight)
	}

	r.Samples[20] = 30
	SeedElevation(r, &rec)
	ScanHillHeight(r, &rec)
	if rec.HillHeight != 30 {
		t.Errorf("15%% grade did not qualify: HillHeight = %g", rec.HillHeight)
	}
}

func TestScanHillHeightPicksHighestQualifying(t *testing.T) {
	// Near node 40 m qualifies; far node 60 m at 1 km does not (6%).
	rows := [][]float64{make([]float64, 101)}
	r := mustRows(t, rows, 0, 0, 10, 10)
	r.Samples[2] = 40
	r.Samples[100] = 60
	rec := Receptor{X: 5, Y: 5}
	SeedElevation(r, &rec)
	ScanHillHeight(r, &rec)
	if rec.HillHeight != 40 {
		t.Errorf("HillHeight = %g, want 40", rec.HillHeight)
	}
}

func randomRaster(rng *rand.Rand, w, h int) *Raster {
	samples := make([]float64, w*h)
	for i := range samples {
		samples[i] = rng.Float64() * 50
	}
	// A few sharp peaks so plenty of nodes qualify.
	for i := 0; i < 6; i++ {
		samples[rng.Intn(len(samples))] = 200 + rng.Float64()*800
	}
	r, _ := New(w, h, 1000, -500, 30, 45, samples)
	return r
}

func TestHillHeightInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := randomRaster(rng, 37, 23)
	recs := make([]Receptor, 200)
	for i := range recs {
		recs[i] = Receptor{X: 900 + rng.Float64()*1300, Y: -600 + rng.Float64()*1200}
	}
	runBoth(r, recs, func(rec *Receptor) { ScanHillHeight(r, rec) })

	for i, rec := range recs {
		if rec.HillHeight < rec.Elevation {
			t.Errorf("receptor %d: HillHeight %g < Elevation %g", i, rec.HillHeight, rec.Elevation)
		}
	}

	again := make([]Receptor, len(recs))
	for i := range recs {
		again[i] = Receptor{X: recs[i].X, Y: recs[i].Y, Elevation: -1, HillHeight: 1e9}
	}
	runBoth(r, again, func(rec *Receptor) { ScanHillHeight(r, rec) })
	for i := range recs {
		if math.Float64bits(recs[i].Elevation) != math.Float64bits(again[i].Elevation) ||
			math.Float64bits(recs[i].HillHeight) != math.Float64bits(again[i].HillHeight) {
			t.Errorf("receptor %d not reproducible: %+v vs %+v", i, recs[i], again[i])
		}
	}
}

func BenchmarkScanHillHeight(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	r := randomRaster(rng, 256, 256)
	rec := Receptor{X: 4000, Y: 5000}
	SeedElevation(r, &rec)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ScanHillHeight(r, &rec)
	}
}
