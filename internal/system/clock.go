package system

import "sync/atomic"

// Clock is the frame counter shared by the host systems. SyncSystem advances
// it once per tick; everything later in the tick reads the same frame.
type Clock struct {
	frame atomic.Uint64
}

func (c *Clock) Frame() uint64   { return c.frame.Load() }
func (c *Clock) Advance() uint64 { return c.frame.Add(1) }
