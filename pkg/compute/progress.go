package compute

import "sync/atomic"

// hostCounter is a progress counter living in host memory, incremented
// atomically by native workers and read lock-free by the host.
type hostCounter struct {
	n        atomic.Int64
	strategy AllocStrategy
}

func newHostCounter(s AllocStrategy) *hostCounter {
	return &hostCounter{strategy: s}
}

func (c *hostCounter) Strategy() AllocStrategy { return c.strategy }

func (c *hostCounter) Reset() error {
	c.n.Store(0)
	return nil
}

func (c *hostCounter) Poll() int { return int(c.n.Load()) }

func (c *hostCounter) Release() {}

func (c *hostCounter) inc() { c.n.Add(1) }
