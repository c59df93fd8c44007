package compute

import (
	"errors"
	"strings"
	"testing"

	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
)

type fakePlatform struct {
	name    string
	devices []Device
	err     error
}

func (p *fakePlatform) Name() string               { return p.name }
func (p *fakePlatform) Devices() ([]Device, error) { return p.devices, p.err }

type fakeDevice struct {
	name    string
	typ     DeviceType
	caps    Capabilities
	openErr error
	// allocErr maps a strategy to the error its allocation returns.
	allocErr map[AllocStrategy]error

	opened *fakeQueue
}

func (d *fakeDevice) Name() string               { return d.name }
func (d *fakeDevice) Type() DeviceType           { return d.typ }
func (d *fakeDevice) Capabilities() Capabilities { return d.caps }

func (d *fakeDevice) Open(lg *log.Logger, opts QueueOptions) (Queue, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened = &fakeQueue{dev: d}
	return d.opened, nil
}

type fakeQueue struct {
	dev      *fakeDevice
	tried    []AllocStrategy
	released bool
}

func (q *fakeQueue) AllocProgress(s AllocStrategy) (ProgressBuffer, error) {
	q.tried = append(q.tried, s)
	if err := q.dev.allocErr[s]; err != nil {
		return nil, err
	}
	return newHostCounter(s), nil
}

func (q *fakeQueue) Bind(r *dem.Raster, recs []dem.Receptor) (Binding, error) {
	return nil, errors.New("fake queue cannot bind")
}

func (q *fakeQueue) Precision() string { return "float32" }

func (q *fakeQueue) Release() { q.released = true }

var capable = Capabilities{ImageSampling: true, AtomicCounters: true}

func TestSelectFirstCapableDevice(t *testing.T) {
	weak := &fakeDevice{name: "weak", typ: DeviceGPU, caps: Capabilities{AtomicCounters: true}}
	cpu := &fakeDevice{name: "cpu", typ: DeviceCPU, caps: capable}
	gpu := &fakeDevice{name: "gpu", typ: DeviceGPU, caps: capable}
	s := &Selector{Platforms: []Platform{
		&fakePlatform{name: "a", devices: []Device{weak, cpu}},
		&fakePlatform{name: "b", devices: []Device{gpu}},
	}}

	ec, err := s.Select(nil, SelectOptions{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer ec.Close()
	if ec.Device() != gpu {
		t.Errorf("selected %s, want gpu", ec.Device().Name())
	}
	if weak.opened != nil || cpu.opened != nil {
		t.Errorf("devices other than the selected one were opened")
	}
}

func TestSelectDeviceTypeFilter(t *testing.T) {
	cpu := &fakeDevice{name: "cpu", typ: DeviceCPU, caps: capable}
	gpu := &fakeDevice{name: "gpu", typ: DeviceGPU, caps: capable}
	s := &Selector{Platforms: []Platform{&fakePlatform{name: "p", devices: []Device{gpu, cpu}}}}

	ec, err := s.Select(nil, SelectOptions{DeviceType: "cpu"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer ec.Close()
	if ec.Device() != cpu {
		t.Errorf("selected %s, want cpu", ec.Device().Name())
	}

	if _, err := s.Select(nil, SelectOptions{DeviceType: "fpga"}); err == nil {
		t.Errorf("unknown device type accepted")
	}
}

func TestSelectNoCapableDevice(t *testing.T) {
	s := &Selector{Platforms: []Platform{
		&fakePlatform{name: "broken", err: errors.New("no driver")},
		&fakePlatform{name: "p", devices: []Device{
			&fakeDevice{name: "no-images", typ: DeviceGPU, caps: Capabilities{AtomicCounters: true}},
			&fakeDevice{name: "no-atomics", typ: DeviceCPU, caps: Capabilities{ImageSampling: true}},
		}},
	}}
	_, err := s.Select(nil, SelectOptions{})
	if !errors.Is(err, ErrNoCapableDevice) {
		t.Errorf("expected ErrNoCapableDevice, got %v", err)
	}

	empty := &Selector{}
	if _, err := empty.Select(nil, SelectOptions{}); !errors.Is(err, ErrNoCapableDevice) {
		t.Errorf("expected ErrNoCapableDevice with no platforms, got %v", err)
	}
}

func TestSelectCustomRequirement(t *testing.T) {
	small := &fakeDevice{name: "small", typ: DeviceGPU, caps: Capabilities{ImageSampling: true, AtomicCounters: true, ComputeUnits: 2}}
	big := &fakeDevice{name: "big", typ: DeviceGPU, caps: Capabilities{ImageSampling: true, AtomicCounters: true, ComputeUnits: 64}}
	s := &Selector{
		Platforms: []Platform{&fakePlatform{name: "p", devices: []Device{small, big}}},
		Require:   func(c Capabilities) bool { return c.Capable() && c.ComputeUnits >= 8 },
	}
	ec, err := s.Select(nil, SelectOptions{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer ec.Close()
	if ec.Device() != big {
		t.Errorf("selected %s, want big", ec.Device().Name())
	}
}

func TestSelectKernelBuildError(t *testing.T) {
	dev := &fakeDevice{name: "gpu", typ: DeviceGPU, caps: capable,
		openErr: &KernelBuildError{Device: "gpu", Log: "line 12: unknown identifier 'hypotf'"}}
	fallback := &fakeDevice{name: "cpu", typ: DeviceCPU, caps: capable}
	s := &Selector{Platforms: []Platform{&fakePlatform{name: "p", devices: []Device{dev, fallback}}}}

	_, err := s.Select(nil, SelectOptions{})
	if !errors.Is(err, ErrKernelBuild) {
		t.Fatalf("expected ErrKernelBuild, got %v", err)
	}
	var kbe *KernelBuildError
	if !errors.As(err, &kbe) || kbe.Log != "line 12: unknown identifier 'hypotf'" {
		t.Errorf("diagnostics not preserved: %v", err)
	}
	if fallback.opened != nil {
		t.Errorf("a build failure must not fall through to another device")
	}
}

func TestSelectProgressAllocation(t *testing.T) {
	testCases := []struct {
		name     string
		zeroCopy bool
		allocErr map[AllocStrategy]error
		want     AllocStrategy
		tried    []AllocStrategy
		fail     bool
	}{
		{
			name: "zero copy", zeroCopy: true,
			want: AllocZeroCopy, tried: []AllocStrategy{AllocZeroCopy},
		},
		{
			name: "no zero copy support",
			want: AllocMapped, tried: []AllocStrategy{AllocMapped},
		},
		{
			name: "zero copy fails", zeroCopy: true,
			allocErr: map[AllocStrategy]error{AllocZeroCopy: errors.New("no pinned memory")},
			want:     AllocMapped, tried: []AllocStrategy{AllocZeroCopy, AllocMapped},
		},
		{
			name: "both fail", zeroCopy: true,
			allocErr: map[AllocStrategy]error{
				AllocZeroCopy: errors.New("no pinned memory"),
				AllocMapped:   errors.New("map refused"),
			},
			tried: []AllocStrategy{AllocZeroCopy, AllocMapped},
			fail:  true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			caps := capable
			caps.ZeroCopy = tc.zeroCopy
			dev := &fakeDevice{name: "d", typ: DeviceGPU, caps: caps, allocErr: tc.allocErr}
			s := &Selector{Platforms: []Platform{&fakePlatform{name: "p", devices: []Device{dev}}}}

			ec, err := s.Select(nil, SelectOptions{})
			if len(dev.opened.tried) != len(tc.tried) {
				t.Fatalf("tried %v, want %v", dev.opened.tried, tc.tried)
			}
			for i := range tc.tried {
				if dev.opened.tried[i] != tc.tried[i] {
					t.Errorf("tried %v, want %v", dev.opened.tried, tc.tried)
				}
			}
			if tc.fail {
				if !errors.Is(err, ErrProgressBufferAllocation) {
					t.Errorf("expected ErrProgressBufferAllocation, got %v", err)
				}
				if !dev.opened.released {
					t.Errorf("queue not released after allocation failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if ec.Strategy() != tc.want {
				t.Errorf("strategy %s, want %s", ec.Strategy(), tc.want)
			}
			ec.Close()
			ec.Close()
			if !dev.opened.released {
				t.Errorf("Close did not release the queue")
			}
		})
	}
}

func TestDefaultPlatforms(t *testing.T) {
	for _, backend := range []string{"", BackendAuto, BackendNative, BackendOpenCL} {
		ps, err := DefaultPlatforms(backend)
		if err != nil || len(ps) == 0 {
			t.Errorf("DefaultPlatforms(%q) = %d platforms, %v", backend, len(ps), err)
		}
	}
	if _, err := DefaultPlatforms("cuda"); err == nil {
		t.Errorf("unknown backend accepted")
	}
}

func TestSelectNative(t *testing.T) {
	ec, err := Select(nil, SelectOptions{Backend: BackendNative, Queue: QueueOptions{Workers: 3}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer ec.Close()
	if ec.Device().Type() != DeviceCPU {
		t.Errorf("native device type %s", ec.Device().Type())
	}
	if ec.Strategy() != AllocZeroCopy {
		t.Errorf("native progress strategy %s, want zero-copy", ec.Strategy())
	}
	if ec.Device().Name() == "" {
		t.Errorf("native device has no name")
	}
	if fp := ec.Fingerprint(); !strings.HasPrefix(fp, "cpu|") || !strings.HasSuffix(fp, "|float64") {
		t.Errorf("native fingerprint %q", fp)
	}
}

func TestStringers(t *testing.T) {
	if DeviceGPU.String() != "gpu" || DeviceType(9).String() != "DeviceType(9)" {
		t.Errorf("DeviceType.String")
	}
	if AllocMapped.String() != "mapped" || AllocStrategy(5).String() != "AllocStrategy(5)" {
		t.Errorf("AllocStrategy.String")
	}
}
