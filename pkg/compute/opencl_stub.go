//go:build !opencl

package compute

import "errors"

type openCLPlatform struct{}

// NewOpenCLPlatform returns a platform that reports no devices; rebuild
// with -tags opencl for accelerator support.
func NewOpenCLPlatform() Platform { return openCLPlatform{} }

func (openCLPlatform) Name() string { return BackendOpenCL }

func (openCLPlatform) Devices() ([]Device, error) {
	return nil, errors.New("OpenCL support is not enabled; rebuild with -tags opencl")
}
