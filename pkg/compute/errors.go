package compute

import (
	"errors"
	"fmt"
)

var (
	ErrNoCapableDevice          = errors.New("no compute device supports image sampling and atomic counters")
	ErrKernelBuild              = errors.New("kernel build failed")
	ErrProgressBufferAllocation = errors.New("unable to allocate host-visible progress buffer")
	ErrDeviceLost               = errors.New("device lost during execution")
)

// KernelBuildError carries the compiler diagnostics for a failed build.
type KernelBuildError struct {
	Device string
	Log    string
	Err    error
}

func (e *KernelBuildError) Error() string {
	msg := fmt.Sprintf("building kernels for %s", e.Device)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *KernelBuildError) Is(target error) bool { return target == ErrKernelBuild }

func (e *KernelBuildError) Unwrap() error { return e.Err }

// deviceLost wraps a fault observed after dispatch.
func deviceLost(device string, cause any) error {
	if err, ok := cause.(error); ok {
		return fmt.Errorf("%w: %s: %w", ErrDeviceLost, device, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceLost, device, cause)
}
