// Package controller implements the single tick-loop driver (§4.7):
// one dedicated timer advances every active Channel, rather than each
// Broadcaster running its own timer — the same "one ticker, not one
// per unit of work" discipline internal/clock documents.
package controller

import (
	"time"

	"github.com/xtrcode/strobe-hub/internal/clock"
	"github.com/xtrcode/strobe-hub/internal/registry"
)

// Tickable is the subset of *channel.Channel the Controller drives.
// Kept as a local interface so this package doesn't import channel
// directly, matching the Publisher-interface pattern used between
// broadcaster and channel.
type Tickable interface {
	Tick(now, intervalUs int64)
	PublishProgressTick(tickIntervalUs int64)
}

// Controller owns the process's single tick timer and dispatches
// emit(now, stream_interval/4) to every Channel registered under it
// (§4.7). progress_ms events are published every 3rd tick, per §6.
type Controller struct {
	clk            *clock.Clock
	channels       *registry.Registry[Tickable]
	tickIntervalUs int64
	progressEveryN int
	tickCount      int64
	ticker         *clock.Ticker
}

// New constructs a Controller. streamIntervalUs is the system's fixed
// frame interval; the Controller ticks at streamIntervalUs/4 per §4.7.
func New(clk *clock.Clock, channels *registry.Registry[Tickable], streamIntervalUs int64) *Controller {
	return &Controller{
		clk:            clk,
		channels:       channels,
		tickIntervalUs: streamIntervalUs / 4,
		progressEveryN: 3,
	}
}

// Run starts the tick timer. Call exactly once.
func (c *Controller) Run() {
	c.ticker = c.clk.ScheduleTick(time.Duration(c.tickIntervalUs)*time.Microsecond, c.onTick)
}

// Stop cancels the tick timer.
func (c *Controller) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

func (c *Controller) onTick(now int64, interval time.Duration) {
	intervalUs := interval.Microseconds()
	c.tickCount++

	publishProgress := c.tickCount%int64(c.progressEveryN) == 0

	for _, ch := range c.channels.Snapshot() {
		ch.Tick(now, intervalUs)
		if publishProgress {
			ch.PublishProgressTick(intervalUs)
		}
	}
}
