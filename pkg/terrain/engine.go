// Package terrain runs the two-stage receptor pipeline on a selected
// compute device: the elevation pass over every receptor, a barrier, then
// the hill-height pass dispatched in chunks while a poller reports the
// device's progress counter.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"terrainprep/pkg/cache"
	"terrainprep/pkg/compute"
	"terrainprep/pkg/dem"
	"terrainprep/pkg/log"
)

const defaultPollInterval = 100 * time.Millisecond

type Options struct {
	// ChunkSize bounds the receptors handed to a single hill-height
	// dispatch; cancellation is honored between chunks. Zero or negative
	// dispatches every receptor at once.
	ChunkSize    int
	PollInterval time.Duration
	// OnProgress, when set, is called from the poller whenever the
	// completed count changes and once more with done == total.
	OnProgress func(done, total int)
	// Cache, when set, short-circuits runs over inputs seen before.
	Cache *cache.Cache
}

// Engine runs the pipeline on one execution context. Runs are serialized;
// Poll may be called concurrently with Run.
type Engine struct {
	ec   *compute.ExecutionContext
	lg   *log.Logger
	opts Options

	mu sync.Mutex
	// pinned is the value Poll reports in place of the device counter, or
	// -1 while the counter belongs to the current run.
	pinned atomic.Int64
}

func New(ec *compute.ExecutionContext, lg *log.Logger, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	e := &Engine{ec: ec, lg: lg.With(slog.String("device", ec.Device().Name())), opts: opts}
	e.pinned.Store(-1)
	return e
}

// Poll returns the number of receptors whose hill height is final in the
// current or most recent run. It never blocks.
func (e *Engine) Poll() int {
	if n := e.pinned.Load(); n >= 0 {
		return int(n)
	}
	return e.ec.Progress().Poll()
}

// Run fills in Elevation and HillHeight for every receptor in recs. On a
// device fault the error wraps compute.ErrDeviceLost and only the first
// Poll() receptors of the last dispatched chunk range can be relied on.
func (e *Engine) Run(ctx context.Context, r *dem.Raster, recs []dem.Receptor) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	n := len(recs)

	// The device counter still holds the previous run's total until it is
	// reset.
	e.pinned.Store(0)

	var key string
	if e.opts.Cache != nil {
		key = cache.Key(e.ec.Fingerprint(), r, recs)
		if e.opts.Cache.Get(key, recs) {
			e.pinned.Store(int64(n))
			e.report(n, n)
			e.lg.Info("terrain run served from cache", slog.Int("receptors", n), slog.String("key", key[:12]))
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		e.lg.Warn("terrain run cancelled before dispatch", slog.Int("receptors", n), slog.Any("error", err))
		return err
	}

	pb := e.ec.Progress()
	if err := pb.Reset(); err != nil {
		return fmt.Errorf("progress reset: %w", err)
	}
	e.pinned.Store(-1)

	b, err := e.ec.Queue().Bind(r, recs)
	if err != nil {
		return err
	}
	defer b.Release()

	if n > 0 {
		if err := e.elevation(b, n); err != nil {
			return err
		}
		elevationDone := time.Now()
		if err := e.hillHeight(ctx, b, pb, n); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.lg.Warn("terrain run cancelled", slog.Int("completed", pb.Poll()),
					slog.Int("receptors", n), slog.Any("error", err))
			}
			return err
		}
		e.lg.Debug("terrain kernels finished",
			slog.Duration("elevation", elevationDone.Sub(start)),
			slog.Duration("hill_height", time.Since(elevationDone)))
	}
	e.report(n, n)

	if e.opts.Cache != nil {
		if err := e.opts.Cache.Put(key, recs); err != nil {
			e.lg.Warn("unable to cache terrain result", slog.Any("error", err))
		}
	}

	e.lg.Info("terrain run complete",
		slog.String("precision", e.ec.Queue().Precision()),
		slog.Int("receptors", n),
		slog.Int("raster_nodes", r.Len()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// elevation runs the first stage over every receptor and waits for it;
// the hill-height pass reads the seeded elevations.
func (e *Engine) elevation(b compute.Binding, n int) error {
	ev, err := b.EnqueueElevation()
	if err != nil {
		return err
	}
	if err := ev.Wait(); err != nil {
		return err
	}
	return b.Sync(0, n)
}

func (e *Engine) hillHeight(ctx context.Context, b compute.Binding, pb compute.ProgressBuffer, n int) error {
	chunk := e.opts.ChunkSize
	if chunk <= 0 || chunk > n {
		chunk = n
	}

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		for first := 0; first < n; first += chunk {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("hill height cancelled after %d of %d receptors: %w", first, n, err)
			}
			count := min(chunk, n-first)
			ev, err := b.EnqueueHillHeight(first, count, pb)
			if err != nil {
				return err
			}
			if err := ev.Wait(); err != nil {
				return err
			}
			if err := b.Sync(first, count); err != nil {
				return err
			}
			e.lg.Debug("hill height chunk complete", slog.Int("first", first), slog.Int("count", count))
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.opts.PollInterval)
		defer ticker.Stop()
		last := -1
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if v := pb.Poll(); v != last {
					last = v
					e.report(v, n)
				}
			}
		}
	})

	return g.Wait()
}

func (e *Engine) report(done, total int) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(done, total)
	}
}
