package cache

import "sync/atomic"

// counter is a tiny atomic counter shared by backends and decorators.
type counter struct {
	v atomic.Int64
}

func (c *counter) inc()       { c.v.Add(1) }
func (c *counter) add(n int64) { c.v.Add(n) }
func (c *counter) get() int64 { return c.v.Load() }
