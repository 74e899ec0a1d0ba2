package raft

import "time"

// Clock produces the logical ticks that drive timeouts.
type Clock interface {
	// Ticks returns the tick channel. A nil channel never fires.
	Ticks() <-chan struct{}
	// Stop releases the clock.
	Stop()
}

// WallClock ticks at a fixed wall-clock interval.
type WallClock struct {
	ticker *time.Ticker
	ch     chan struct{}
	stop   chan struct{}
}

// NewWallClock starts a clock ticking every interval.
func NewWallClock(interval time.Duration) *WallClock {
	c := &WallClock{
		ticker: time.NewTicker(interval),
		ch:     make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *WallClock) run() {
	for {
		select {
		case <-c.ticker.C:
			// Ticks are not queued while the consumer is busy.
			select {
			case c.ch <- struct{}{}:
			default:
			}
		case <-c.stop:
			return
		}
	}
}

// Ticks implements Clock.
func (c *WallClock) Ticks() <-chan struct{} {
	return c.ch
}

// Stop implements Clock.
func (c *WallClock) Stop() {
	c.ticker.Stop()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// ManualClock never ticks on its own. Tests advance time with Server.Tick.
type ManualClock struct{}

// Ticks implements Clock.
func (ManualClock) Ticks() <-chan struct{} {
	return nil
}

// Stop implements Clock.
func (ManualClock) Stop() {}
