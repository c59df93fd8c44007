package main

// Synthetic terrain and receptor layout defaults. These shape the
// generated DEM when no raster is supplied by a caller.
const (
	defaultWidth, defaultHeight = 400, 300
	defaultResolution           = 25.0
	defaultOriginX              = 500000.0
	defaultOriginY              = 4100000.0
	baseElevation               = 150.0
	baseSlope                   = 0.02
	ridgeSegments               = 18
	ridgeMinLen                 = 20
	ridgeMaxLen                 = 140
	ridgeMinHeight              = 40.0
	ridgeMaxHeight              = 420.0
	ridgeHalfWidthCells         = 6
	ridgeExclusionCells         = 10
	receptorGridStep            = 20
	progressBarWidth            = 40
)
