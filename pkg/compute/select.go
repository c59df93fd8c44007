package compute

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"terrainprep/pkg/log"
)

const (
	BackendAuto   = "auto"
	BackendNative = "native"
	BackendOpenCL = "opencl"
)

type SelectOptions struct {
	// Backend is BackendAuto, BackendNative or BackendOpenCL.
	Backend string
	// DeviceType is "any", "gpu" or "cpu".
	DeviceType string
	Queue      QueueOptions
}

// DefaultPlatforms returns the platforms for a backend name in preference
// order. The native platform is always last under BackendAuto so that a
// machine without accelerator drivers still gets a device.
func DefaultPlatforms(backend string) ([]Platform, error) {
	switch backend {
	case BackendAuto, "":
		return []Platform{NewOpenCLPlatform(), NewNativePlatform()}, nil
	case BackendNative:
		return []Platform{NewNativePlatform()}, nil
	case BackendOpenCL:
		return []Platform{NewOpenCLPlatform()}, nil
	default:
		return nil, fmt.Errorf("%s: unknown compute backend", backend)
	}
}

// Select establishes an execution context on the first capable device of
// the default platforms for opts.Backend.
func Select(lg *log.Logger, opts SelectOptions) (*ExecutionContext, error) {
	platforms, err := DefaultPlatforms(opts.Backend)
	if err != nil {
		return nil, err
	}
	s := &Selector{Platforms: platforms}
	return s.Select(lg, opts)
}

// Selector chooses a device from a fixed list of platforms.
type Selector struct {
	Platforms []Platform
	// Require is the minimum-capability predicate; nil means
	// Capabilities.Capable.
	Require func(Capabilities) bool
}

// Select enumerates devices, opens the first one that satisfies the
// capability predicate and allocates its progress counter. Nothing is left
// allocated when an error is returned.
func (s *Selector) Select(lg *log.Logger, opts SelectOptions) (*ExecutionContext, error) {
	require := s.Require
	if require == nil {
		require = Capabilities.Capable
	}

	devices, err := s.candidates(lg, opts.DeviceType)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		caps := d.Capabilities()
		if !require(caps) {
			lg.Debug("skipping device", slog.String("device", d.Name()), slog.Any("capabilities", caps))
			continue
		}
		return open(lg, d, opts.Queue)
	}
	return nil, ErrNoCapableDevice
}

// candidates gathers devices from every platform, GPUs and accelerators
// ahead of CPUs, keeping platform order within a type.
func (s *Selector) candidates(lg *log.Logger, deviceType string) ([]Device, error) {
	var want func(DeviceType) bool
	switch deviceType {
	case "", "any":
		want = func(DeviceType) bool { return true }
	case "gpu":
		want = func(t DeviceType) bool { return t == DeviceGPU || t == DeviceAccelerator }
	case "cpu":
		want = func(t DeviceType) bool { return t == DeviceCPU }
	default:
		return nil, fmt.Errorf("%s: unknown device type", deviceType)
	}

	var devices []Device
	for _, p := range s.Platforms {
		ds, err := p.Devices()
		if err != nil {
			lg.Debug("platform unavailable", slog.String("platform", p.Name()), slog.Any("error", err))
			continue
		}
		for _, d := range ds {
			if want(d.Type()) {
				lg.Debug("found device", slog.String("platform", p.Name()), slog.String("device", d.Name()),
					slog.String("type", d.Type().String()))
				devices = append(devices, d)
			}
		}
	}
	rank := func(t DeviceType) int {
		if t == DeviceCPU {
			return 1
		}
		return 0
	}
	slices.SortStableFunc(devices, func(a, b Device) int {
		return rank(a.Type()) - rank(b.Type())
	})
	return devices, nil
}

func open(lg *log.Logger, d Device, qopts QueueOptions) (*ExecutionContext, error) {
	q, err := d.Open(lg, qopts)
	if err != nil {
		lg.Error("unable to open device", slog.String("device", d.Name()), slog.Any("error", err))
		return nil, err
	}

	progress, err := allocProgress(lg, d, q)
	if err != nil {
		q.Release()
		return nil, err
	}

	lg.Info("compute device selected",
		slog.String("device", d.Name()),
		slog.String("type", d.Type().String()),
		slog.String("progress", progress.Strategy().String()))

	return &ExecutionContext{device: d, queue: q, progress: progress}, nil
}

// allocProgress tries the zero-copy path when the device advertises it and
// falls back to a mapped buffer.
func allocProgress(lg *log.Logger, d Device, q Queue) (ProgressBuffer, error) {
	if d.Capabilities().ZeroCopy {
		pb, err := q.AllocProgress(AllocZeroCopy)
		if err == nil {
			return pb, nil
		}
		lg.Warn("zero-copy progress buffer unavailable; using mapped buffer",
			slog.String("device", d.Name()), slog.Any("error", err))
	}
	pb, err := q.AllocProgress(AllocMapped)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %w", ErrProgressBufferAllocation, d.Name(), err)
	}
	return pb, nil
}

// ExecutionContext owns a device queue, its compiled kernels and the
// progress counter. It may serve any number of sequential runs and must be
// closed when no longer needed.
type ExecutionContext struct {
	device   Device
	queue    Queue
	progress ProgressBuffer

	mu     sync.Mutex
	closed bool
}

func (ec *ExecutionContext) Device() Device           { return ec.device }
func (ec *ExecutionContext) Queue() Queue             { return ec.queue }
func (ec *ExecutionContext) Progress() ProgressBuffer { return ec.progress }
func (ec *ExecutionContext) Strategy() AllocStrategy  { return ec.progress.Strategy() }

// Fingerprint identifies the device and arithmetic behind this context's
// results: device type, name and queue precision.
func (ec *ExecutionContext) Fingerprint() string {
	return ec.device.Type().String() + "|" + ec.device.Name() + "|" + ec.queue.Precision()
}

// Close releases the progress buffer and the queue. It is safe to call
// more than once.
func (ec *ExecutionContext) Close() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.closed {
		return
	}
	ec.closed = true
	ec.progress.Release()
	ec.queue.Release()
}
