// Package clock implements the process-wide monotonic time source used
// by every broadcast actor. It is grounded on the same "one dedicated
// timer, not one per caller" discipline the teacher applies to its
// stream/worker reconnect timers — see ScheduleTick.
package clock

import (
	"sync"
	"time"
)

// Clock returns strictly non-decreasing microsecond timestamps from an
// unspecified epoch (process start), unaffected by wall-clock
// adjustments, and drives a single shared tick timer.
type Clock struct {
	epoch time.Time
}

// New creates a Clock whose epoch is the moment of construction. A
// process should construct exactly one Clock and share it.
func New() *Clock {
	return &Clock{epoch: time.Now()}
}

// Now returns the current time in microseconds since the Clock's epoch.
// Backed by time.Since, which uses the runtime's monotonic reading, so
// Now is unaffected by concurrent wall-clock changes.
func (c *Clock) Now() int64 {
	return time.Since(c.epoch).Microseconds()
}

// TickFunc is invoked on every tick with the tick's observed now (in
// Clock microseconds) and the nominal interval. Implementations must
// tolerate arbitrary lateness — the scheduler does not re-read the
// clock between dispatch and callback invocation.
type TickFunc func(now int64, interval time.Duration)

// Ticker is a cancel handle for a scheduled tick. Stop is idempotent and
// safe to call from any goroutine.
type Ticker struct {
	stop chan struct{}
	once sync.Once
}

// Stop cancels the ticker. After Stop returns, no further callbacks for
// this ticker are invoked (a callback already in flight may still
// complete).
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// ScheduleTick invokes fn(now, interval) approximately every interval
// until the returned Ticker is stopped. One goroutine per Ticker; a
// process is expected to create exactly one Ticker per logical driver
// (e.g. the Controller tick loop), never one per unit of scheduled work.
func (c *Clock) ScheduleTick(interval time.Duration, fn TickFunc) *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fn(c.Now(), interval)
			}
		}
	}()
	return t
}
