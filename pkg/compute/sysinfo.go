package compute

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostInfo describes the machine the native platform runs on.
type hostInfo struct {
	model    string
	logical  int
	physical int
	memBytes uint64
}

// probeHost queries the processor model, core counts and installed memory.
// Any field that cannot be determined falls back to what the Go runtime
// knows.
func probeHost() hostInfo {
	hi := hostInfo{
		model:    runtime.GOARCH + " CPU",
		logical:  runtime.NumCPU(),
		physical: runtime.NumCPU(),
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		if m := strings.TrimSpace(infos[0].ModelName); m != "" {
			hi.model = m
		}
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		hi.logical = n
	}
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		hi.physical = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hi.memBytes = vm.Total
	}
	return hi
}
