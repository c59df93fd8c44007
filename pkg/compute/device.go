// Package compute discovers data-parallel devices, builds the elevation and
// hill-height kernels on one of them, and owns the shared progress counter
// that the host polls while the hill-height kernel runs.
//
// Two platforms exist: the native platform, which runs the kernels on a
// goroutine worker pool and is always available, and an OpenCL platform that
// is compiled in with -tags opencl.
package compute

import (
	"fmt"

	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
)

type DeviceType int

const (
	DeviceCPU DeviceType = iota
	DeviceGPU
	DeviceAccelerator
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	case DeviceAccelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// Capabilities is what a device reports about itself before any program
// is built on it.
type Capabilities struct {
	// ImageSampling: the device can sample a 2D image with clamp-to-edge
	// addressing.
	ImageSampling bool
	// AtomicCounters: global 32-bit atomic increment is available.
	AtomicCounters bool
	// ZeroCopy: host and device share memory, so a host-allocated buffer
	// can be mapped once and read without a transfer.
	ZeroCopy       bool
	ComputeUnits   int
	GlobalMemBytes uint64
}

// Capable is the minimum-capability predicate applied during selection.
func (c Capabilities) Capable() bool {
	return c.ImageSampling && c.AtomicCounters
}

// AllocStrategy identifies how the progress counter is placed in
// host-visible memory.
type AllocStrategy int

const (
	// AllocZeroCopy maps a pinned, host-allocated buffer once for the
	// lifetime of the context.
	AllocZeroCopy AllocStrategy = iota
	// AllocMapped uses an ordinary device buffer that is mapped for each
	// poll.
	AllocMapped
)

func (s AllocStrategy) String() string {
	switch s {
	case AllocZeroCopy:
		return "zero-copy"
	case AllocMapped:
		return "mapped"
	default:
		return fmt.Sprintf("AllocStrategy(%d)", int(s))
	}
}

// QueueOptions tune how a device executes the kernels. Devices ignore the
// options that do not apply to them.
type QueueOptions struct {
	// Workers is the native worker goroutine count; 0 uses every logical CPU.
	Workers int
	// SpatialIndex selects the tile-pruned hill scan.
	SpatialIndex bool
	// PreferFP16 uploads the raster as half floats where supported.
	PreferFP16 bool
}

// Platform is one device runtime.
type Platform interface {
	Name() string
	Devices() ([]Device, error)
}

type Device interface {
	Name() string
	Type() DeviceType
	Capabilities() Capabilities
	// Open creates a work queue on the device and builds both kernel
	// programs. Build failures are returned as *KernelBuildError.
	Open(lg *log.Logger, opts QueueOptions) (Queue, error)
}

// Queue is a device work queue with compiled kernels.
type Queue interface {
	AllocProgress(s AllocStrategy) (ProgressBuffer, error)
	// Bind makes a raster and receptor buffer available to the kernels.
	// The receptors slice stays owned by the caller; results appear in it
	// after Sync.
	Bind(r *dem.Raster, recs []dem.Receptor) (Binding, error)
	// Precision names the arithmetic the kernels run in, such as
	// "float64" or "float32/fp16". Results of queues with different
	// precisions are not interchangeable.
	Precision() string
	Release()
}

// Binding is a raster and receptor buffer resident on a device.
type Binding interface {
	// EnqueueElevation dispatches the elevation kernel over every receptor.
	EnqueueElevation() (Event, error)
	// EnqueueHillHeight dispatches the hill-height kernel over receptors
	// [first, first+count), incrementing progress once per receptor.
	EnqueueHillHeight(first, count int, progress ProgressBuffer) (Event, error)
	// Sync copies the output fields of receptors [first, first+count) into
	// the host receptor slice.
	Sync(first, count int) error
	Release()
}

// Event completes when a dispatch has finished.
type Event interface {
	Wait() error
}

// ProgressBuffer is the shared completion counter. Poll never blocks the
// compute pipeline.
type ProgressBuffer interface {
	Strategy() AllocStrategy
	Reset() error
	Poll() int
	Release()
}
