//go:build opencl

package compute

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"

	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
)

// Positions are uploaded relative to the raster origin so that projected
// coordinates keep their precision in float32.
const terrainKernelSource = `__constant sampler_t dem_sampler =
    CLK_NORMALIZED_COORDS_FALSE | CLK_ADDRESS_CLAMP_TO_EDGE | CLK_FILTER_NEAREST;

inline float dem_at(read_only image2d_t dem, int p, int q)
{
    return read_imagef(dem, dem_sampler, (int2)(p, q)).x;
}

__kernel void receptor_elevation(
    read_only image2d_t dem,
    const int width,
    const int height,
    const float res_x,
    const float res_y,
    const int count,
    __global const float2* position,
    __global float* elevation,
    __global float* hill_height)
{
    int idx = get_global_id(0);
    if (idx >= count) {
        return;
    }
    float2 pos = position[idx];
    float u = pos.x / res_x;
    float v = pos.y / res_y;
    u = isnan(u) ? 0.0f : clamp(u, 0.0f, (float)(width - 1));
    v = isnan(v) ? 0.0f : clamp(v, 0.0f, (float)(height - 1));
    int p0 = (int)floor(u);
    int q0 = (int)floor(v);
    float tx = u - (float)p0;
    float ty = v - (float)q0;
    float a = dem_at(dem, p0, q0);
    float b = dem_at(dem, p0 + 1, q0);
    float c = dem_at(dem, p0, q0 + 1);
    float d = dem_at(dem, p0 + 1, q0 + 1);
    float top = a + tx * (b - a);
    float bottom = c + tx * (d - c);
    float z = top + ty * (bottom - top);
    elevation[idx] = z;
    hill_height[idx] = z;
}

__kernel void receptor_hill_height(
    read_only image2d_t dem,
    const int width,
    const int height,
    const float res_x,
    const float res_y,
    const int end,
    __global const float2* position,
    __global const float* elevation,
    __global float* hill_height,
    volatile __global int* progress)
{
    int idx = get_global_id(0);
    if (idx >= end) {
        return;
    }
    float2 pos = position[idx];
    float e = elevation[idx];
    float best = -INFINITY;
    for (int q = 0; q < height; q++) {
        float dy = ((float)q + 0.5f) * res_y - pos.y;
        for (int p = 0; p < width; p++) {
            float z = dem_at(dem, p, q);
            if (!(z > best)) {
                continue;
            }
            float dx = ((float)p + 0.5f) * res_x - pos.x;
            if (z - e >= 0.1f * hypot(dx, dy)) {
                best = z;
                hill_height[idx] = z;
            }
        }
    }
    atomic_inc(progress);
}`

type openCLPlatform struct{}

func NewOpenCLPlatform() Platform { return openCLPlatform{} }

func (openCLPlatform) Name() string { return BackendOpenCL }

func (openCLPlatform) Devices() ([]Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms; install OpenCL drivers and verify with `clinfo`"
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if len(platforms) == 0 {
		return nil, errors.New("no OpenCL platforms available; ensure a vendor driver is installed and detected by `clinfo`")
	}
	var devices []Device
	for _, p := range platforms {
		ds, derr := p.GetDevices(cl.DeviceTypeAll)
		if derr != nil {
			continue
		}
		for _, d := range ds {
			if d.Available() && d.CompilerAvailable() {
				devices = append(devices, &openCLDevice{dev: d, platform: p.Name()})
			}
		}
	}
	return devices, nil
}

type openCLDevice struct {
	dev      *cl.Device
	platform string
}

func (d *openCLDevice) Name() string { return d.dev.Name() }

func (d *openCLDevice) Type() DeviceType {
	t := d.dev.Type()
	switch {
	case t&cl.DeviceTypeGPU != 0:
		return DeviceGPU
	case t&cl.DeviceTypeAccelerator != 0:
		return DeviceAccelerator
	default:
		return DeviceCPU
	}
}

func (d *openCLDevice) Capabilities() Capabilities {
	ext := d.dev.Extensions()
	// Global int32 atomics are core from OpenCL 1.1 on.
	atomics := strings.Contains(ext, "cl_khr_global_int32_base_atomics") ||
		!strings.HasPrefix(d.dev.Version(), "OpenCL 1.0")
	return Capabilities{
		ImageSampling:  d.dev.ImageSupport(),
		AtomicCounters: atomics,
		ZeroCopy:       d.dev.HostUnifiedMemory(),
		ComputeUnits:   d.dev.MaxComputeUnits(),
		GlobalMemBytes: uint64(d.dev.GlobalMemSize()),
	}
}

func (d *openCLDevice) Open(lg *log.Logger, opts QueueOptions) (Queue, error) {
	var cleanup []func()
	fail := func(err error) (Queue, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	context, err := cl.CreateContext([]*cl.Device{d.dev})
	if err != nil {
		return fail(fmt.Errorf("creating OpenCL context: %w", err))
	}
	cleanup = append(cleanup, context.Release)

	queue, err := context.CreateCommandQueue(d.dev, 0)
	if err != nil {
		return fail(fmt.Errorf("creating OpenCL command queue: %w", err))
	}
	cleanup = append(cleanup, queue.Release)

	// Progress polls go through their own queue so they never wait behind
	// the hill-height kernel.
	pollQueue, err := context.CreateCommandQueue(d.dev, 0)
	if err != nil {
		return fail(fmt.Errorf("creating OpenCL progress queue: %w", err))
	}
	cleanup = append(cleanup, pollQueue.Release)

	program, err := context.CreateProgramWithSource([]string{terrainKernelSource})
	if err != nil {
		return fail(fmt.Errorf("creating OpenCL program: %w", err))
	}
	cleanup = append(cleanup, program.Release)

	if err := program.BuildProgram([]*cl.Device{d.dev}, ""); err != nil {
		bErr := &KernelBuildError{Device: d.Name(), Err: err}
		if buildLog, ok := err.(cl.BuildError); ok {
			bErr.Log = string(buildLog)
			bErr.Err = nil
		}
		return fail(bErr)
	}

	elevation, err := program.CreateKernel("receptor_elevation")
	if err != nil {
		return fail(&KernelBuildError{Device: d.Name(), Err: fmt.Errorf("creating elevation kernel: %w", err)})
	}
	cleanup = append(cleanup, elevation.Release)

	hill, err := program.CreateKernel("receptor_hill_height")
	if err != nil {
		return fail(&KernelBuildError{Device: d.Name(), Err: fmt.Errorf("creating hill height kernel: %w", err)})
	}

	lg.Debug("OpenCL queue opened", slog.String("platform", d.platform), slog.String("device", d.Name()),
		slog.String("version", d.dev.Version()), slog.Bool("fp16", opts.PreferFP16))
	if opts.SpatialIndex {
		lg.Info("spatial index is not supported on OpenCL devices; using the full scan", slog.String("device", d.Name()))
	}

	return &openCLQueue{
		name:      d.Name(),
		context:   context,
		queue:     queue,
		pollQueue: pollQueue,
		program:   program,
		elevation: elevation,
		hill:      hill,
		half:      opts.PreferFP16,
		lg:        lg,
	}, nil
}

type openCLQueue struct {
	name      string
	context   *cl.Context
	queue     *cl.CommandQueue
	pollQueue *cl.CommandQueue
	program   *cl.Program
	elevation *cl.Kernel
	hill      *cl.Kernel
	half      bool
	lg        *log.Logger
}

func (q *openCLQueue) AllocProgress(s AllocStrategy) (ProgressBuffer, error) {
	switch s {
	case AllocZeroCopy:
		buf, err := q.context.CreateEmptyBuffer(cl.MemReadWrite|cl.MemAllocHostPtr, 4)
		if err != nil {
			return nil, fmt.Errorf("allocating pinned progress buffer: %w", err)
		}
		mapped, _, err := q.pollQueue.EnqueueMapBuffer(buf, true, cl.MapFlagRead|cl.MapFlagWrite, 0, 4, nil)
		if err != nil {
			buf.Release()
			return nil, fmt.Errorf("mapping pinned progress buffer: %w", err)
		}
		pb := &clProgress{q: q, buf: buf, mapped: mapped, strategy: s}
		return pb, pb.Reset()
	case AllocMapped:
		buf, err := q.context.CreateEmptyBuffer(cl.MemReadWrite, 4)
		if err != nil {
			return nil, fmt.Errorf("allocating progress buffer: %w", err)
		}
		pb := &clProgress{q: q, buf: buf, strategy: s}
		if err := pb.Reset(); err != nil {
			buf.Release()
			return nil, err
		}
		// Make sure the device honors a read map before committing to it.
		if m, _, err := q.pollQueue.EnqueueMapBuffer(buf, true, cl.MapFlagRead, 0, 4, nil); err != nil {
			buf.Release()
			return nil, fmt.Errorf("mapping progress buffer: %w", err)
		} else if _, err := q.pollQueue.EnqueueUnmapMemObject(buf, m, nil); err != nil {
			buf.Release()
			return nil, fmt.Errorf("unmapping progress buffer: %w", err)
		}
		return pb, nil
	default:
		return nil, fmt.Errorf("%s: unsupported allocation strategy", s)
	}
}

// Precision reports float32 arithmetic, noting a half-float raster.
func (q *openCLQueue) Precision() string {
	if q.half {
		return "float32/fp16"
	}
	return "float32"
}

func (q *openCLQueue) Bind(r *dem.Raster, recs []dem.Receptor) (Binding, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	n := len(recs)
	b := &openCLBinding{q: q, r: r, recs: recs}

	dataType := cl.ChannelDataTypeFloat
	if q.half {
		dataType = cl.ChannelDataTypeHalfFloat
	}
	image, err := q.context.CreateImageSimple(cl.MemReadOnly|cl.MemCopyHostPtr, r.Width, r.Height,
		cl.ChannelOrderR, dataType, rasterTexels(r, q.half))
	if err != nil {
		return nil, fmt.Errorf("uploading raster image: %w", err)
	}
	b.image = image

	size := max(n, 1) * int(unsafe.Sizeof(float32(0)))
	if b.posBuf, err = q.context.CreateEmptyBuffer(cl.MemReadOnly, 2*size); err != nil {
		b.Release()
		return nil, fmt.Errorf("allocating position buffer: %w", err)
	}
	if b.elevBuf, err = q.context.CreateEmptyBuffer(cl.MemReadWrite, size); err != nil {
		b.Release()
		return nil, fmt.Errorf("allocating elevation buffer: %w", err)
	}
	if b.hillBuf, err = q.context.CreateEmptyBuffer(cl.MemReadWrite, size); err != nil {
		b.Release()
		return nil, fmt.Errorf("allocating hill height buffer: %w", err)
	}

	if n > 0 {
		pos := make([]float32, 2*n)
		for i, rec := range recs {
			pos[2*i] = float32(rec.X - r.OriginX)
			pos[2*i+1] = float32(rec.Y - r.OriginY)
		}
		if _, err := q.queue.EnqueueWriteBufferFloat32(b.posBuf, true, 0, pos, nil); err != nil {
			b.Release()
			return nil, fmt.Errorf("writing position buffer: %w", err)
		}
	}
	b.scratch = make([]float32, n)
	return b, nil
}

func (q *openCLQueue) Release() {
	if q.hill != nil {
		q.hill.Release()
		q.hill = nil
	}
	if q.elevation != nil {
		q.elevation.Release()
		q.elevation = nil
	}
	if q.program != nil {
		q.program.Release()
		q.program = nil
	}
	if q.pollQueue != nil {
		q.pollQueue.Release()
		q.pollQueue = nil
	}
	if q.queue != nil {
		_ = q.queue.Finish()
		q.queue.Release()
		q.queue = nil
	}
	if q.context != nil {
		q.context.Release()
		q.context = nil
	}
}

// openCLBinding sets kernel arguments on the queue's kernels, so only one
// binding per queue may be dispatching at a time.
type openCLBinding struct {
	q       *openCLQueue
	r       *dem.Raster
	recs    []dem.Receptor
	image   *cl.MemObject
	posBuf  *cl.MemObject
	elevBuf *cl.MemObject
	hillBuf *cl.MemObject
	scratch []float32
}

func (b *openCLBinding) EnqueueElevation() (Event, error) {
	n := len(b.recs)
	if n == 0 {
		return doneEvent{}, nil
	}
	if err := b.q.elevation.SetArgs(b.image, int32(b.r.Width), int32(b.r.Height),
		float32(b.r.ResX), float32(b.r.ResY), int32(n), b.posBuf, b.elevBuf, b.hillBuf); err != nil {
		return nil, fmt.Errorf("setting elevation kernel arguments: %w", err)
	}
	ev, err := b.q.queue.EnqueueNDRangeKernel(b.q.elevation, nil, []int{n}, nil, nil)
	if err != nil {
		return nil, deviceLost(b.q.name, fmt.Errorf("enqueueing elevation kernel: %w", err))
	}
	_ = b.q.queue.Flush()
	return &clEvent{name: b.q.name, ev: ev}, nil
}

func (b *openCLBinding) EnqueueHillHeight(first, count int, progress ProgressBuffer) (Event, error) {
	if first < 0 || count < 0 || first+count > len(b.recs) {
		return nil, fmt.Errorf("receptor range [%d, %d) outside buffer of %d", first, first+count, len(b.recs))
	}
	pb, ok := progress.(*clProgress)
	if !ok || pb.q != b.q {
		return nil, errors.New("progress buffer was not allocated by this OpenCL queue")
	}
	if count == 0 {
		return doneEvent{}, nil
	}
	if err := b.q.hill.SetArgs(b.image, int32(b.r.Width), int32(b.r.Height),
		float32(b.r.ResX), float32(b.r.ResY), int32(first+count),
		b.posBuf, b.elevBuf, b.hillBuf, pb.buf); err != nil {
		return nil, fmt.Errorf("setting hill height kernel arguments: %w", err)
	}
	ev, err := b.q.queue.EnqueueNDRangeKernel(b.q.hill, []int{first}, []int{count}, nil, nil)
	if err != nil {
		return nil, deviceLost(b.q.name, fmt.Errorf("enqueueing hill height kernel: %w", err))
	}
	_ = b.q.queue.Flush()
	return &clEvent{name: b.q.name, ev: ev}, nil
}

func (b *openCLBinding) Sync(first, count int) error {
	if count <= 0 {
		return nil
	}
	offset := first * int(unsafe.Sizeof(float32(0)))
	scratch := b.scratch[first : first+count]
	if _, err := b.q.queue.EnqueueReadBufferFloat32(b.elevBuf, true, offset, scratch, nil); err != nil {
		return deviceLost(b.q.name, fmt.Errorf("reading elevation buffer: %w", err))
	}
	for i, v := range scratch {
		b.recs[first+i].Elevation = float64(v)
	}
	if _, err := b.q.queue.EnqueueReadBufferFloat32(b.hillBuf, true, offset, scratch, nil); err != nil {
		return deviceLost(b.q.name, fmt.Errorf("reading hill height buffer: %w", err))
	}
	for i, v := range scratch {
		b.recs[first+i].HillHeight = float64(v)
	}
	return nil
}

func (b *openCLBinding) Release() {
	if b.hillBuf != nil {
		b.hillBuf.Release()
		b.hillBuf = nil
	}
	if b.elevBuf != nil {
		b.elevBuf.Release()
		b.elevBuf = nil
	}
	if b.posBuf != nil {
		b.posBuf.Release()
		b.posBuf = nil
	}
	if b.image != nil {
		b.image.Release()
		b.image = nil
	}
}

type clEvent struct {
	name string
	ev   *cl.Event
}

func (e *clEvent) Wait() error {
	defer e.ev.Release()
	if err := cl.WaitForEvents([]*cl.Event{e.ev}); err != nil {
		return deviceLost(e.name, err)
	}
	return nil
}

type doneEvent struct{}

func (doneEvent) Wait() error { return nil }

// clProgress is the atomic counter incremented by receptor_hill_height.
// With AllocZeroCopy it stays mapped for its whole life and is read in
// place; with AllocMapped each poll maps it on the progress queue.
type clProgress struct {
	q        *openCLQueue
	buf      *cl.MemObject
	mapped   *cl.MappedMemObject
	strategy AllocStrategy
	last     atomic.Int64
}

func (p *clProgress) Strategy() AllocStrategy { return p.strategy }

func (p *clProgress) Reset() error {
	p.last.Store(0)
	if p.mapped != nil {
		atomic.StoreInt32((*int32)(p.mapped.Ptr()), 0)
		return nil
	}
	var zero int32
	if _, err := p.q.queue.EnqueueWriteBuffer(p.buf, true, 0, 4, unsafe.Pointer(&zero), nil); err != nil {
		return fmt.Errorf("clearing progress buffer: %w", err)
	}
	return nil
}

// Poll returns the most recent counter value; a failed map reports the
// previous value rather than blocking.
func (p *clProgress) Poll() int {
	var v int32
	if p.mapped != nil {
		v = atomic.LoadInt32((*int32)(p.mapped.Ptr()))
	} else {
		m, _, err := p.q.pollQueue.EnqueueMapBuffer(p.buf, true, cl.MapFlagRead, 0, 4, nil)
		if err != nil {
			return int(p.last.Load())
		}
		v = *(*int32)(m.Ptr())
		if _, err := p.q.pollQueue.EnqueueUnmapMemObject(p.buf, m, nil); err != nil {
			p.q.lg.Debug("unmapping progress buffer", slog.Any("error", err))
		}
	}
	for {
		last := p.last.Load()
		if int64(v) <= last || p.last.CompareAndSwap(last, int64(v)) {
			break
		}
	}
	return int(p.last.Load())
}

func (p *clProgress) Release() {
	if p.mapped != nil && p.q.pollQueue != nil {
		_, _ = p.q.pollQueue.EnqueueUnmapMemObject(p.buf, p.mapped, nil)
		_ = p.q.pollQueue.Finish()
		p.mapped = nil
	}
	if p.buf != nil {
		p.buf.Release()
		p.buf = nil
	}
}
