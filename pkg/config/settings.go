// Package config loads the JSON settings document that configures device
// selection, run chunking, the result cache and logging.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"terrainprep/pkg/compute"
	"terrainprep/pkg/log"
)

type Settings struct {
	Compute ComputeSettings `json:"compute"`
	Run     RunSettings     `json:"run"`
	Cache   CacheSettings   `json:"cache"`
	Log     LogSettings     `json:"log"`
}

type ComputeSettings struct {
	Backend    string `json:"backend"`
	DeviceType string `json:"deviceType"`
	// Workers is the native worker goroutine count; 0 uses every logical CPU.
	Workers      int  `json:"workers"`
	SpatialIndex bool `json:"spatialIndex"`
	PreferFP16   bool `json:"preferFP16"`
}

type RunSettings struct {
	// ChunkSize is the number of receptors per hill-height dispatch; 0
	// dispatches every receptor at once.
	ChunkSize      int `json:"chunkSize"`
	PollIntervalMs int `json:"pollIntervalMs"`
}

type CacheSettings struct {
	Entries int    `json:"entries"`
	Dir     string `json:"dir"`
}

type LogSettings struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

func Default() Settings {
	return Settings{
		Compute: ComputeSettings{
			Backend:    compute.BackendAuto,
			DeviceType: "any",
		},
		Run: RunSettings{
			ChunkSize:      4096,
			PollIntervalMs: 100,
		},
		Cache: CacheSettings{
			Entries: 8,
		},
		Log: LogSettings{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the settings in path. A missing
// file is not an error.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&s); err != nil {
		return s, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	var errs []error
	switch s.Compute.Backend {
	case "", compute.BackendAuto, compute.BackendNative, compute.BackendOpenCL:
	default:
		errs = append(errs, fmt.Errorf("compute.backend: %q is not auto, native or opencl", s.Compute.Backend))
	}
	switch s.Compute.DeviceType {
	case "", "any", "gpu", "cpu":
	default:
		errs = append(errs, fmt.Errorf("compute.deviceType: %q is not any, gpu or cpu", s.Compute.DeviceType))
	}
	if s.Compute.Workers < 0 {
		errs = append(errs, fmt.Errorf("compute.workers: %d is negative", s.Compute.Workers))
	}
	if s.Run.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("run.chunkSize: %d is negative", s.Run.ChunkSize))
	}
	if s.Run.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("run.pollIntervalMs: %d must be positive", s.Run.PollIntervalMs))
	}
	if s.Cache.Entries < 0 {
		errs = append(errs, fmt.Errorf("cache.entries: %d is negative", s.Cache.Entries))
	}
	if _, ok := log.ParseLevel(s.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: %q is not a log level", s.Log.Level))
	}
	return errors.Join(errs...)
}

func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.Run.PollIntervalMs) * time.Millisecond
}

func (s Settings) SelectOptions() compute.SelectOptions {
	return compute.SelectOptions{
		Backend:    s.Compute.Backend,
		DeviceType: s.Compute.DeviceType,
		Queue: compute.QueueOptions{
			Workers:      s.Compute.Workers,
			SpatialIndex: s.Compute.SpatialIndex,
			PreferFP16:   s.Compute.PreferFP16,
		},
	}
}
