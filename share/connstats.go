package tnshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks the number of currently-open and lifetime-total
// proxied flows for a role instance or a single session.
type ConnStats struct {
	total int32
	open  int32
}

// Opened records a new flow: bumps both the lifetime total and the
// currently-open count.
func (c *ConnStats) Opened() {
	atomic.AddInt32(&c.total, 1)
	atomic.AddInt32(&c.open, 1)
}

// Closed decrements the currently-open count.
func (c *ConnStats) Closed() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d open/%d total]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.total))
}
