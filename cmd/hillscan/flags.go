package main

import "flag"

// Command-line flags. Settings file values are loaded first; flags that are
// set explicitly override them.
var (
	settingsFlag = flag.String("settings", "settings.json", "path to the JSON settings file")

	// backendFlag picks the compute platform family.
	backendFlag = flag.String("backend", "", "compute backend: auto, native or opencl")

	deviceTypeFlag = flag.String("device-type", "", "preferred device type: any, gpu or cpu")

	workersFlag = flag.Int("workers", 0, "native worker goroutines (0 uses every logical CPU)")

	// spatialIndexFlag enables the tile-pruned hill scan on host devices.
	spatialIndexFlag = flag.Bool("spatial-index", false, "prune the hill scan with a tile index")

	// preferFP16Flag uploads the raster as half floats on OpenCL devices.
	preferFP16Flag = flag.Bool("prefer-fp16", false, "use 16-bit raster texels on OpenCL devices")

	chunkSizeFlag = flag.Int("chunk", 0, "receptors per hill-height dispatch (0 dispatches all at once)")

	logLevelFlag = flag.String("log-level", "", "log level: debug, info, warn or error")

	// Synthetic input shape.
	widthFlag    = flag.Int("width", defaultWidth, "raster width in nodes")
	heightFlag   = flag.Int("height", defaultHeight, "raster height in nodes")
	resFlag      = flag.Float64("res", defaultResolution, "raster cell size in meters")
	seedFlag     = flag.Int64("seed", 1, "terrain generator seed (0 uses the clock)")
	layoutFlag   = flag.String("layout", "grid", "receptor layout: grid or rings")
	gridStepFlag = flag.Int("grid-step", receptorGridStep, "receptor grid spacing in raster cells")

	// cpuProfileFlag writes a CPU profile covering the run.
	cpuProfileFlag = flag.String("cpuprofile", "", "write a CPU profile to this file")
)
