package compute

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
)

// spanLen is the number of consecutive receptors handed to a worker at a
// time. Spans are dealt out round robin so that expensive neighborhoods of
// the receptor list are spread across workers.
const spanLen = 8

// span represents an inclusive receptor index range.
type span struct{ start, end int }

// workerMask collects the spans assigned to one worker goroutine.
type workerMask struct {
	spans []span
}

// assignSpans splits [first, first+count) into spans and distributes them
// across workers in round robin fashion.
func assignSpans(workerCount, first, count int) []workerMask {
	if workerCount < 1 {
		workerCount = 1
	}
	masks := make([]workerMask, workerCount)
	idx := 0
	for start := first; start < first+count; start += spanLen {
		end := min(start+spanLen, first+count) - 1
		masks[idx%workerCount].spans = append(masks[idx%workerCount].spans, span{start: start, end: end})
		idx++
	}
	return masks
}

type nativePlatform struct {
	once sync.Once
	dev  *nativeDevice
}

// NewNativePlatform returns the platform that runs kernels on a goroutine
// worker pool in host memory.
func NewNativePlatform() Platform {
	return &nativePlatform{}
}

func (p *nativePlatform) Name() string { return BackendNative }

func (p *nativePlatform) Devices() ([]Device, error) {
	p.once.Do(func() {
		p.dev = &nativeDevice{info: probeHost()}
	})
	return []Device{p.dev}, nil
}

type nativeDevice struct {
	info hostInfo
}

func (d *nativeDevice) Name() string     { return d.info.model }
func (d *nativeDevice) Type() DeviceType { return DeviceCPU }

// Capabilities: sampling and counters are implemented in software, and
// the receptor buffer and counter already live in host memory.
func (d *nativeDevice) Capabilities() Capabilities {
	return Capabilities{
		ImageSampling:  true,
		AtomicCounters: true,
		ZeroCopy:       true,
		ComputeUnits:   d.info.logical,
		GlobalMemBytes: d.info.memBytes,
	}
}

func (d *nativeDevice) Open(lg *log.Logger, opts QueueOptions) (Queue, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = d.info.logical
	}
	lg.Debug("native queue opened", slog.String("device", d.Name()), slog.Int("workers", workers),
		slog.Int("physical_cores", d.info.physical), slog.Bool("spatial_index", opts.SpatialIndex))
	return &nativeQueue{
		name:    d.Name(),
		workers: workers,
		spatial: opts.SpatialIndex,
		lg:      lg,
	}, nil
}

type nativeQueue struct {
	name    string
	workers int
	spatial bool
	lg      *log.Logger
}

func (q *nativeQueue) AllocProgress(s AllocStrategy) (ProgressBuffer, error) {
	return newHostCounter(s), nil
}

func (q *nativeQueue) Bind(r *dem.Raster, recs []dem.Receptor) (Binding, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b := &nativeBinding{q: q, r: r, recs: recs, scan: func(rec *dem.Receptor) { dem.ScanHillHeight(r, rec) }}
	if q.spatial {
		ti := dem.NewTileIndex(r, 0)
		b.scan = ti.ScanHillHeight
		q.lg.Debug("tile index built", slog.Int("tiles", ti.Tiles()))
	}
	return b, nil
}

func (q *nativeQueue) Precision() string { return "float64" }

func (q *nativeQueue) Release() {}

type nativeBinding struct {
	q    *nativeQueue
	r    *dem.Raster
	recs []dem.Receptor
	scan func(*dem.Receptor)
}

func (b *nativeBinding) EnqueueElevation() (Event, error) {
	masks := assignSpans(b.q.workers, 0, len(b.recs))
	return b.dispatch(masks, func(i int) {
		dem.SeedElevation(b.r, &b.recs[i])
	}), nil
}

func (b *nativeBinding) EnqueueHillHeight(first, count int, progress ProgressBuffer) (Event, error) {
	if first < 0 || count < 0 || first+count > len(b.recs) {
		return nil, fmt.Errorf("receptor range [%d, %d) outside buffer of %d", first, first+count, len(b.recs))
	}
	counter, ok := progress.(*hostCounter)
	if !ok {
		return nil, errors.New("progress buffer was not allocated by the native queue")
	}
	masks := assignSpans(b.q.workers, first, count)
	return b.dispatch(masks, func(i int) {
		b.scan(&b.recs[i])
		counter.inc()
	}), nil
}

// Sync is a no-op: kernels write straight into the caller's slice.
func (b *nativeBinding) Sync(first, count int) error { return nil }

func (b *nativeBinding) Release() {}

// dispatch starts one goroutine per non-empty worker mask and returns
// immediately. A panic in a kernel body is reported as a lost device.
func (b *nativeBinding) dispatch(masks []workerMask, kernel func(i int)) Event {
	ev := &nativeEvent{done: make(chan struct{})}
	var wg sync.WaitGroup
	for _, mask := range masks {
		if len(mask.spans) == 0 {
			continue
		}
		wg.Add(1)
		go func(mask workerMask) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					ev.fail(deviceLost(b.q.name, r))
				}
			}()
			for _, sp := range mask.spans {
				for i := sp.start; i <= sp.end; i++ {
					kernel(i)
				}
			}
		}(mask)
	}
	go func() {
		wg.Wait()
		close(ev.done)
	}()
	return ev
}

type nativeEvent struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (e *nativeEvent) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *nativeEvent) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
