// hillscan generates a synthetic DEM and receptor layout, computes each
// receptor's elevation and critical hill height on the selected compute
// device, and prints a summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"terrainprep/pkg/cache"
	"terrainprep/pkg/compute"
	"terrainprep/pkg/config"
	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
	"terrainprep/pkg/terrain"
)

func main() {
	flag.Parse()
	runtime.GOMAXPROCS(runtime.NumCPU())

	settings, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	lg := log.New(settings.Log.Level, settings.Log.Dir)

	stopProfile := func() {}
	if *cpuProfileFlag != "" {
		stop, err := startCPUProfile(*cpuProfileFlag)
		if err != nil {
			lg.Errorf("%s: unable to start CPU profile: %v", *cpuProfileFlag, err)
		} else {
			stopProfile = stop
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	code := 0
	if err := run(ctx, lg, settings, os.Stdout); err != nil {
		lg.Error("run failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "\n%s\n", describe(err))
		code = 1
	}
	cancel()
	stopProfile()
	os.Exit(code)
}

// loadSettings reads the settings file and applies explicitly set flags.
func loadSettings() (config.Settings, error) {
	s, err := config.Load(*settingsFlag)
	if err != nil {
		return s, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			s.Compute.Backend = *backendFlag
		case "device-type":
			s.Compute.DeviceType = *deviceTypeFlag
		case "workers":
			s.Compute.Workers = *workersFlag
		case "spatial-index":
			s.Compute.SpatialIndex = *spatialIndexFlag
		case "prefer-fp16":
			s.Compute.PreferFP16 = *preferFP16Flag
		case "chunk":
			s.Run.ChunkSize = *chunkSizeFlag
		case "log-level":
			s.Log.Level = *logLevelFlag
		}
	})
	return s, s.Validate()
}

func run(ctx context.Context, lg *log.Logger, s config.Settings, out io.Writer) error {
	ec, err := compute.Select(lg, s.SelectOptions())
	if err != nil {
		return err
	}
	defer ec.Close()

	c, err := cache.New(s.Cache.Entries, s.Cache.Dir)
	if err != nil {
		lg.Warn("result cache disabled", slog.Any("error", err))
		c = nil
	}

	gen := newTerrainGen(*widthFlag, *heightFlag, *resFlag, *seedFlag)
	r, err := gen.generate()
	if err != nil {
		return err
	}
	recs, err := layoutReceptors(r, *layoutFlag, *gridStepFlag)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Device: %s (%s, progress %s)\n", ec.Device().Name(), ec.Device().Type(), ec.Strategy())
	fmt.Fprintf(out, "Raster: %dx%d nodes at %gm, %d receptors\n", r.Width, r.Height, r.ResX, len(recs))

	bar := newProgressBar(out)
	e := terrain.New(ec, lg, terrain.Options{
		ChunkSize:    s.Run.ChunkSize,
		PollInterval: s.PollInterval(),
		OnProgress:   bar.update,
		Cache:        c,
	})

	start := time.Now()
	if err := e.Run(ctx, r, recs); err != nil {
		return err
	}
	bar.finish()

	printSummary(out, recs, time.Since(start))
	return nil
}

// describe turns setup and execution errors into a message the user can
// act on.
func describe(err error) string {
	var kbe *compute.KernelBuildError
	switch {
	case errors.As(err, &kbe):
		return fmt.Sprintf("The terrain kernels failed to build on %s. Try -backend native.\n%s", kbe.Device, kbe.Log)
	case errors.Is(err, compute.ErrNoCapableDevice):
		return fmt.Sprintf("%v. Try -backend native or a different -device-type.", err)
	case errors.Is(err, compute.ErrProgressBufferAllocation):
		return fmt.Sprintf("%v. Try a different device.", err)
	case errors.Is(err, compute.ErrDeviceLost):
		return fmt.Sprintf("%v. Results are incomplete.", err)
	case errors.Is(err, context.Canceled):
		return "Cancelled."
	default:
		return err.Error()
	}
}

type progressBar struct {
	w    io.Writer
	last int
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w, last: -1}
}

func (b *progressBar) update(done, total int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}
	if pct == b.last {
		return
	}
	b.last = pct
	filled := pct * progressBarWidth / 100
	fmt.Fprintf(b.w, "\rHill height [%s%s] %3d%%",
		strings.Repeat("#", filled), strings.Repeat(".", progressBarWidth-filled), pct)
}

func (b *progressBar) finish() {
	if b.last >= 0 {
		fmt.Fprintln(b.w)
	}
}

type stats struct {
	min, max, mean float64
}

func summarize(values []float64) stats {
	if len(values) == 0 {
		return stats{}
	}
	s := stats{min: math.Inf(1), max: math.Inf(-1)}
	sum := 0.0
	for _, v := range values {
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
		sum += v
	}
	s.mean = sum / float64(len(values))
	return s
}

func printSummary(w io.Writer, recs []dem.Receptor, elapsed time.Duration) {
	elev := make([]float64, len(recs))
	hill := make([]float64, len(recs))
	relief := make([]float64, len(recs))
	raised := 0
	for i, rec := range recs {
		elev[i] = rec.Elevation
		hill[i] = rec.HillHeight
		relief[i] = rec.HillHeight - rec.Elevation
		if relief[i] > 0 {
			raised++
		}
	}
	fmt.Fprintf(w, "%-12s %10s %10s %10s\n", "", "min", "max", "mean")
	for _, row := range []struct {
		name string
		s    stats
	}{
		{"elevation", summarize(elev)},
		{"hill height", summarize(hill)},
		{"relief", summarize(relief)},
	} {
		fmt.Fprintf(w, "%-12s %10.2f %10.2f %10.2f\n", row.name, row.s.min, row.s.max, row.s.mean)
	}
	fmt.Fprintf(w, "%d of %d receptors see qualifying terrain; finished in %s\n",
		raised, len(recs), elapsed.Round(time.Millisecond))
}
